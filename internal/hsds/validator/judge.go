package validator

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/communitydata/hsds-pipeline/internal/models"
	"github.com/communitydata/hsds-pipeline/internal/provider"
)

//go:embed judge_prompt.txt
var defaultJudgePrompt string

// JudgeConfig configures the LLM judge.
type JudgeConfig struct {
	PromptPath  string  // optional template override; empty uses the embedded prompt
	Temperature float64 // default 0 for deterministic judging
	Stream      bool    // streaming judge responses are rejected
}

// Judge asks a provider to score an HSDS payload against the raw input
// it was aligned from, then fuses that verdict with the deterministic
// field-completeness result.
type Judge struct {
	provider provider.Provider
	cfg      JudgeConfig
	logger   *slog.Logger
	template string
}

// NewJudge creates a judge. The provider may be a different model than
// the aligner's.
func NewJudge(p provider.Provider, cfg JudgeConfig, logger *slog.Logger) (*Judge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	template := defaultJudgePrompt
	if cfg.PromptPath != "" {
		data, err := os.ReadFile(cfg.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("read judge prompt: %w", err)
		}
		template = string(data)
	}
	if !strings.Contains(template, "{raw_input}") || !strings.Contains(template, "{hsds_payload}") {
		return nil, fmt.Errorf("%w: judge prompt template missing {raw_input} or {hsds_payload} placeholder", ErrValidation)
	}
	return &Judge{
		provider: p,
		cfg:      cfg,
		logger:   logger.With("component", "hsds.judge", "model", p.ModelName()),
		template: template,
	}, nil
}

// verdict is the fixed schema the judge model must emit.
type verdict struct {
	Confidence            float64           `json:"confidence"`
	Feedback              string            `json:"feedback"`
	HallucinationDetected bool              `json:"hallucination_detected"`
	MismatchedFields      []string          `json:"mismatched_fields"`
	SuggestedCorrections  map[string]string `json:"suggested_corrections"`
	MissingRequiredFields []string          `json:"missing_required_fields"`
}

// Validate runs the judge and fuses its verdict with fieldResult. The
// fused confidence is the minimum of the two scores. Auth and quota
// errors from the provider pass through unchanged.
func (j *Judge) Validate(ctx context.Context, rawInput string, payload map[string]any, fieldResult *models.ValidationResult) (*models.ValidationResult, error) {
	if j.cfg.Stream {
		return nil, fmt.Errorf("%w: streaming judge responses are not supported", ErrValidation)
	}

	payloadJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrValidation, err)
	}
	prompt := renderTemplate(j.template, rawInput, string(payloadJSON))

	resp, err := j.provider.Generate(ctx, prompt, provider.GenerateOptions{
		Format: judgeFormat(),
		Config: &models.GenerateConfig{Temperature: &j.cfg.Temperature},
	})
	if err != nil {
		return nil, err
	}

	parsed := resp.Parsed
	if parsed == nil {
		var ok bool
		if parsed, ok = provider.ParseStructured(resp.Text); !ok {
			return nil, fmt.Errorf("%w: judge response is not valid JSON: %s", ErrValidation, truncate(resp.Text, 200))
		}
	}
	if _, ok := parsed["confidence"]; !ok {
		return nil, fmt.Errorf("%w: judge response missing confidence", ErrValidation)
	}

	data, _ := json.Marshal(parsed)
	var v verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: judge response does not match the verdict schema: %v", ErrValidation, err)
	}

	j.logger.Debug("judge verdict",
		"confidence", v.Confidence,
		"hallucination", v.HallucinationDetected,
		"mismatched", len(v.MismatchedFields),
	)
	return fuse(&v, fieldResult), nil
}

// fuse combines the judge verdict with the deterministic completeness
// result. Confidence is the minimum; missing fields come from the field
// validator; faithfulness findings come from the judge.
func fuse(v *verdict, fieldResult *models.ValidationResult) *models.ValidationResult {
	confidence := v.Confidence
	if fieldResult.Confidence < confidence {
		confidence = fieldResult.Confidence
	}

	feedback := v.Feedback
	if fieldResult.Feedback != "" {
		if feedback != "" {
			feedback += "\n\n"
		}
		feedback += fieldResult.Feedback
	}

	return &models.ValidationResult{
		Confidence:            confidence,
		HallucinationDetected: v.HallucinationDetected,
		MissingRequiredFields: fieldResult.MissingRequiredFields,
		MismatchedFields:      v.MismatchedFields,
		SuggestedCorrections:  v.SuggestedCorrections,
		Feedback:              feedback,
	}
}

// renderTemplate substitutes the two placeholders. The rest of the
// template is opaque text; braces in it pass through untouched.
func renderTemplate(template, rawInput, payloadJSON string) string {
	out := strings.ReplaceAll(template, "{raw_input}", rawInput)
	return strings.ReplaceAll(out, "{hsds_payload}", payloadJSON)
}

func judgeFormat() *models.OutputFormat {
	return &models.OutputFormat{
		Type: "json_schema",
		JSONSchema: models.JSONSchema{
			Name:        "hsds_validation",
			Description: "Faithfulness verdict for an aligned HSDS payload",
			Strict:      true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confidence": map[string]any{
						"type":        "number",
						"description": "Faithfulness score between 0.0 and 1.0",
					},
					"feedback": map[string]any{"type": "string"},
					"hallucination_detected": map[string]any{
						"type":        "boolean",
						"description": "True when any payload value is absent from the input",
					},
					"mismatched_fields": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"suggested_corrections": map[string]any{
						"type":                 "object",
						"additionalProperties": map[string]any{"type": "string"},
					},
					"missing_required_fields": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required":             []string{"confidence", "hallucination_detected", "missing_required_fields"},
				"additionalProperties": false,
			},
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
