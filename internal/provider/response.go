package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripFences removes a wrapping markdown code fence (``` or ```json) from
// a response, if present. Text without a fence is returned trimmed.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(body, "\n"); idx >= 0 {
		// Drop the language tag line (e.g. "json").
		body = body[idx+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// ParseStructured attempts to decode response text (after fence stripping)
// as a JSON object.
func ParseStructured(text string) (map[string]any, bool) {
	cleaned := StripFences(text)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// ExtractErrorMessage digs a human-readable message out of an API error
// payload. Extractors are tried in order: nested metadata.raw.error.message,
// top-level message, nested error.message, then stringification.
func ExtractErrorMessage(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if metadata, ok := payload["metadata"].(map[string]any); ok {
		if raw, ok := metadata["raw"].(map[string]any); ok {
			if msg := nestedErrorMessage(raw); msg != "" {
				return msg
			}
		}
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	if msg := nestedErrorMessage(payload); msg != "" {
		return msg
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}

func nestedErrorMessage(payload map[string]any) string {
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		return ""
	}
	msg, _ := errObj["message"].(string)
	return msg
}
