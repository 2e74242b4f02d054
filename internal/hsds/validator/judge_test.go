package validator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/communitydata/hsds-pipeline/internal/models"
	"github.com/communitydata/hsds-pipeline/internal/provider"
)

// stubProvider replays canned responses and records prompts.
type stubProvider struct {
	responses []*models.LLMResponse
	errs      []error
	prompts   []string
	formats   []*models.OutputFormat
	configs   []*models.GenerateConfig
}

func (s *stubProvider) ModelName() string              { return "judge-model" }
func (s *stubProvider) SupportsStructuredOutput() bool { return true }

func (s *stubProvider) Generate(_ context.Context, prompt string, opts provider.GenerateOptions) (*models.LLMResponse, error) {
	call := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	s.formats = append(s.formats, opts.EffectiveFormat())
	s.configs = append(s.configs, opts.Config)
	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	if call < len(s.responses) {
		return s.responses[call], nil
	}
	return &models.LLMResponse{Text: "{}", Model: "judge-model"}, nil
}

func verdictResponse(t *testing.T, v map[string]any) *models.LLMResponse {
	t.Helper()
	text, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal verdict: %v", err)
	}
	return &models.LLMResponse{Text: string(text), Model: "judge-model", Parsed: v}
}

func newTestJudge(t *testing.T, p provider.Provider) *Judge {
	t.Helper()
	j, err := NewJudge(p, JudgeConfig{}, nil)
	if err != nil {
		t.Fatalf("NewJudge: %v", err)
	}
	return j
}

func TestJudge_FusedConfidenceIsMinimum(t *testing.T) {
	stub := &stubProvider{responses: []*models.LLMResponse{verdictResponse(t, map[string]any{
		"confidence":              0.9,
		"hallucination_detected":  false,
		"missing_required_fields": []any{},
	})}}
	judge := newTestJudge(t, stub)

	fieldResult := &models.ValidationResult{Confidence: 0.5, MissingRequiredFields: []string{"organization.name"}}
	result, err := judge.Validate(context.Background(), "raw", map[string]any{}, fieldResult)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want min(0.9, 0.5) = 0.5", result.Confidence)
	}
	if len(result.MissingRequiredFields) != 1 || result.MissingRequiredFields[0] != "organization.name" {
		t.Errorf("MissingRequiredFields = %v, want the field validator's list", result.MissingRequiredFields)
	}
}

func TestJudge_FusesJudgeFindings(t *testing.T) {
	stub := &stubProvider{responses: []*models.LLMResponse{verdictResponse(t, map[string]any{
		"confidence":              0.2,
		"feedback":                "email not present in input",
		"hallucination_detected":  true,
		"mismatched_fields":       []any{"organization[0].email"},
		"suggested_corrections":   map[string]any{"organization[0].email": ""},
		"missing_required_fields": []any{},
	})}}
	judge := newTestJudge(t, stub)

	fieldResult := &models.ValidationResult{Confidence: 0.95, Feedback: "service: missing description"}
	result, err := judge.Validate(context.Background(), "raw", map[string]any{}, fieldResult)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Confidence != 0.2 {
		t.Errorf("Confidence = %v, want 0.2", result.Confidence)
	}
	if !result.HallucinationDetected {
		t.Error("HallucinationDetected should come from the judge")
	}
	if len(result.MismatchedFields) != 1 || result.MismatchedFields[0] != "organization[0].email" {
		t.Errorf("MismatchedFields = %v", result.MismatchedFields)
	}
	want := "email not present in input\n\nservice: missing description"
	if result.Feedback != want {
		t.Errorf("Feedback = %q, want %q", result.Feedback, want)
	}
}

func TestJudge_PromptInterpolation(t *testing.T) {
	stub := &stubProvider{responses: []*models.LLMResponse{verdictResponse(t, map[string]any{
		"confidence":              1.0,
		"hallucination_detected":  false,
		"missing_required_fields": []any{},
	})}}
	judge := newTestJudge(t, stub)

	payload := map[string]any{"organization": []any{map[string]any{"name": "Food Bank"}}}
	_, err := judge.Validate(context.Background(), "the raw scraped text", payload, &models.ValidationResult{Confidence: 1})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	prompt := stub.prompts[0]
	if !strings.Contains(prompt, "the raw scraped text") {
		t.Error("prompt missing raw input")
	}
	if !strings.Contains(prompt, `"Food Bank"`) {
		t.Error("prompt missing payload JSON")
	}
	if strings.Contains(prompt, "{raw_input}") || strings.Contains(prompt, "{hsds_payload}") {
		t.Error("placeholders not substituted")
	}

	format := stub.formats[0]
	if format == nil || format.JSONSchema.Name != "hsds_validation" {
		t.Errorf("judge format = %+v", format)
	}
}

func TestJudge_SendsExplicitTemperature(t *testing.T) {
	stub := &stubProvider{responses: []*models.LLMResponse{verdictResponse(t, map[string]any{
		"confidence":              1.0,
		"hallucination_detected":  false,
		"missing_required_fields": []any{},
	})}}
	judge := newTestJudge(t, stub)

	_, err := judge.Validate(context.Background(), "raw", map[string]any{}, &models.ValidationResult{Confidence: 1})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// The default temperature of 0 is sent explicitly so the provider
	// cannot substitute its own; judging stays deterministic.
	cfg := stub.configs[0]
	if cfg == nil || cfg.Temperature == nil {
		t.Fatalf("config = %+v, want an explicit temperature", cfg)
	}
	if *cfg.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", *cfg.Temperature)
	}
}

func TestJudge_UnparseableResponse(t *testing.T) {
	stub := &stubProvider{responses: []*models.LLMResponse{
		{Text: "I think it looks fine", Model: "judge-model"},
	}}
	judge := newTestJudge(t, stub)

	_, err := judge.Validate(context.Background(), "raw", map[string]any{}, &models.ValidationResult{Confidence: 1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestJudge_MissingConfidence(t *testing.T) {
	stub := &stubProvider{responses: []*models.LLMResponse{verdictResponse(t, map[string]any{
		"hallucination_detected": false,
	})}}
	judge := newTestJudge(t, stub)

	_, err := judge.Validate(context.Background(), "raw", map[string]any{}, &models.ValidationResult{Confidence: 1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestJudge_StreamingRejected(t *testing.T) {
	stub := &stubProvider{}
	judge, err := NewJudge(stub, JudgeConfig{Stream: true}, nil)
	if err != nil {
		t.Fatalf("NewJudge: %v", err)
	}

	_, err = judge.Validate(context.Background(), "raw", map[string]any{}, &models.ValidationResult{Confidence: 1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if len(stub.prompts) != 0 {
		t.Error("provider should not be called for a streaming judge")
	}
}

func TestJudge_AuthErrorPassesThrough(t *testing.T) {
	authErr := &provider.AuthError{Message: "not authenticated"}
	stub := &stubProvider{errs: []error{authErr}}
	judge := newTestJudge(t, stub)

	_, err := judge.Validate(context.Background(), "raw", map[string]any{}, &models.ValidationResult{Confidence: 1})
	if _, ok := provider.AsAuthError(err); !ok {
		t.Errorf("err = %v, want AuthError passthrough", err)
	}
}

func TestNewJudge_TemplateValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("no placeholders here"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	_, err := NewJudge(&stubProvider{}, JudgeConfig{PromptPath: path}, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
