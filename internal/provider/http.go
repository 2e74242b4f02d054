package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/communitydata/hsds-pipeline/internal/models"
)

// HTTPConfig configures the chat-completions provider.
type HTTPConfig struct {
	BaseURL      string // e.g. "https://api.openai.com/v1"
	APIKey       string
	Model        string
	Timeout      time.Duration // default 30s
	SystemPrompt string        // optional; sent as a system message
}

// HTTPProvider talks to an OpenAI-compatible chat-completions API.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProvider creates the HTTP provider.
func NewHTTPProvider(cfg HTTPConfig, logger *slog.Logger) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "provider.http", "model", cfg.Model),
	}
}

// ModelName implements Provider.
func (p *HTTPProvider) ModelName() string {
	return p.cfg.Model
}

// SupportsStructuredOutput implements Provider.
func (p *HTTPProvider) SupportsStructuredOutput() bool {
	return true
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate implements Provider.
func (p *HTTPProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*models.LLMResponse, error) {
	format := opts.EffectiveFormat()

	messages := []chatMessage{}
	if p.cfg.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.cfg.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	if format != nil {
		// The response-format directive supersedes any system message whose
		// only job was to ask for JSON output.
		messages = stripJSONSystemMessages(messages)
	}

	reqBody := map[string]any{
		"model":    p.cfg.Model,
		"messages": messages,
	}
	if cfg := opts.Config; cfg != nil {
		if cfg.Temperature != nil {
			reqBody["temperature"] = *cfg.Temperature
		}
		if cfg.MaxTokens != 0 {
			reqBody["max_tokens"] = cfg.MaxTokens
		}
		if len(cfg.Stop) > 0 {
			reqBody["stop"] = cfg.Stop
		}
	}
	if format != nil {
		reqBody["response_format"] = format
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewError(err.Error(), err)
	}

	p.logger.Debug("making LLM API request",
		"prompt_length", len(prompt),
		"structured", format != nil,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, NewError(err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("LLM API request failed", "error", err)
		return nil, NewError(err.Error(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		msg := ExtractErrorMessage(payload)
		if msg == "" {
			msg = fmt.Sprintf("API error (status %d)", resp.StatusCode)
		}
		p.logger.Error("LLM API error", "status_code", resp.StatusCode, "message", msg)
		return nil, NewError(msg, fmt.Errorf("status %d", resp.StatusCode))
	}

	return p.parseResponse(body, format != nil)
}

// parseResponse decodes the chat-completions envelope. When structured
// output was requested, invalid JSON content yields a response with the
// text "Invalid JSON response" and a nil Parsed, not an error.
func (p *HTTPProvider) parseResponse(body []byte, structured bool) (*models.LLMResponse, error) {
	var envelope struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, NewError(fmt.Sprintf("failed to parse response: %v", err), err)
	}
	if len(envelope.Choices) == 0 {
		return nil, NewError("empty response from LLM", nil)
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	model := envelope.Model
	if model == "" {
		model = p.cfg.Model
	}
	out := &models.LLMResponse{
		Text:  envelope.Choices[0].Message.Content,
		Model: model,
		Usage: models.Usage{
			PromptTokens:     envelope.Usage.PromptTokens,
			CompletionTokens: envelope.Usage.CompletionTokens,
			TotalTokens:      envelope.Usage.TotalTokens,
		},
		Raw: raw,
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}

	if structured {
		if parsed, ok := ParseStructured(out.Text); ok {
			out.Parsed = parsed
		} else {
			out.Text = "Invalid JSON response"
		}
	}
	return out, nil
}

// stripJSONSystemMessages drops system messages whose sole purpose is to
// request JSON formatting.
func stripJSONSystemMessages(messages []chatMessage) []chatMessage {
	out := messages[:0]
	for _, m := range messages {
		if m.Role == "system" && isJSONFormattingInstruction(m.Content) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func isJSONFormattingInstruction(content string) bool {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "json") {
		return false
	}
	for _, marker := range []string{"respond", "reply", "output", "format", "return"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
