// Package aligner runs the alignment retry loop: prompt the provider
// for an HSDS payload, validate it, feed the findings back, repeat
// until the confidence threshold is met or attempts run out.
package aligner

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/communitydata/hsds-pipeline/internal/hsds/validator"
	"github.com/communitydata/hsds-pipeline/internal/models"
	"github.com/communitydata/hsds-pipeline/internal/provider"
)

//go:embed system_prompt.txt
var defaultSystemPrompt string

//go:embed field_relationships.yaml
var fieldRelationshipsYAML []byte

// Canonical refusal phrases, matched case-insensitively.
var refusalPhrases = []string{
	"i'm sorry, i cannot",
	"i apologize, but i cannot",
	"i cannot assist with",
	"i am unable to",
	"i must decline",
}

const refusalFeedback = "Model refused to generate. Adjusting prompt..."

// Config holds the retry-loop thresholds.
type Config struct {
	MinConfidence  float64 // accept at or above; default 0.82
	RetryThreshold float64 // below this, full feedback is shown; default 0.65
	MaxRetries     int     // loop bound; default 5
	Temperature    float64 // default 0.7
	MaxTokens      int     // default 64768
	PromptPath     string  // optional system prompt override
}

func (c *Config) applyDefaults() {
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.82
	}
	if c.RetryThreshold == 0 {
		c.RetryThreshold = 0.65
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 64768
	}
}

// Overrides carries per-job deviations from the configured schema and
// generation settings. Nil fields fall back to the startup values.
type Overrides struct {
	Format *models.OutputFormat
	Config *models.GenerateConfig
}

// Validator judges a payload against the raw input it came from.
// *validator.Judge is the production implementation.
type Validator interface {
	Validate(ctx context.Context, rawInput string, payload map[string]any, fieldResult *models.ValidationResult) (*models.ValidationResult, error)
}

// Attempt records one pass through the loop.
type Attempt struct {
	Index    int
	Prompt   string
	Raw      string // provider response text as received
	Cleaned  string // after markdown-fence stripping
	Valid    bool
	Feedback string
	Score    float64
}

// Result is the success emission of an Align call.
type Result struct {
	HSDSData          map[string]any
	ConfidenceScore   float64
	ValidationDetails *models.ValidationResult
	Response          *models.LLMResponse
	Attempts          []Attempt
}

type relationship struct {
	Parent      string `yaml:"parent"`
	Target      string `yaml:"target"`
	Description string `yaml:"description"`
}

// Aligner drives the retry loop. It talks to the provider only through
// the interface; CLI auth/quota errors pass through untouched so the
// job processor can update shared state.
type Aligner struct {
	provider      provider.Provider
	judge         Validator
	fields        *validator.FieldValidator
	format        *models.OutputFormat
	cfg           Config
	logger        *slog.Logger
	systemPrompt  string
	relationships map[string]relationship
}

// New creates an aligner. format is the schema-converter descriptor the
// payload must conform to.
func New(p provider.Provider, judge Validator, format *models.OutputFormat, cfg Config, logger *slog.Logger) (*Aligner, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	systemPrompt := defaultSystemPrompt
	if cfg.PromptPath != "" {
		data, err := os.ReadFile(cfg.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		systemPrompt = string(data)
	}

	var relationships map[string]relationship
	if err := yaml.Unmarshal(fieldRelationshipsYAML, &relationships); err != nil {
		return nil, fmt.Errorf("parse field relationships: %w", err)
	}

	return &Aligner{
		provider:      p,
		judge:         judge,
		fields:        validator.NewFieldValidator(logger),
		format:        format,
		cfg:           cfg,
		logger:        logger.With("component", "hsds.aligner", "model", p.ModelName()),
		systemPrompt:  strings.TrimSpace(systemPrompt),
		relationships: relationships,
	}, nil
}

// Align converts rawInput into an HSDS payload. It makes at most
// MaxRetries provider calls and at most MaxRetries judge calls, and
// emits exactly one Result on success. A job-supplied override narrows
// the schema or tunes generation for that job only.
func (a *Aligner) Align(ctx context.Context, rawInput string, knownFields map[string]bool, ov *Overrides) (*Result, error) {
	format, gen := a.effective(ov)

	var attempts []Attempt
	feedback := ""
	lastScore := 0.0
	lastFeedback := ""

	for i := 1; i <= a.cfg.MaxRetries; i++ {
		terminal := i == a.cfg.MaxRetries
		prompt := a.buildPrompt(rawInput, feedback)
		attempt := Attempt{Index: i, Prompt: prompt}

		resp, err := a.provider.Generate(ctx, prompt, provider.GenerateOptions{
			Format: format,
			Config: gen,
		})
		if err != nil {
			if sessionError(err) || terminal {
				return nil, err
			}
			a.logger.Warn("alignment attempt failed", "attempt", i, "error", err)
			feedback = err.Error()
			attempt.Feedback = feedback
			attempts = append(attempts, attempt)
			continue
		}
		attempt.Raw = resp.Text
		attempt.Cleaned = provider.StripFences(resp.Text)

		if refused(resp.Text) {
			a.logger.Warn("model refused to generate", "attempt", i)
			feedback = refusalFeedback
			attempt.Feedback = feedback
			attempts = append(attempts, attempt)
			lastFeedback = feedback
			if terminal {
				break
			}
			continue
		}

		payload := resp.Parsed
		if payload == nil {
			var ok bool
			if payload, ok = provider.ParseStructured(resp.Text); !ok {
				feedback = "Response was not valid JSON. Respond with a single JSON object only."
				attempt.Feedback = feedback
				attempts = append(attempts, attempt)
				lastFeedback = feedback
				if terminal {
					break
				}
				continue
			}
		}

		fieldResult := a.fields.Validate(format, payload, knownFields)
		validation, err := a.judge.Validate(ctx, rawInput, payload, fieldResult)
		if err != nil {
			if sessionError(err) || terminal {
				return nil, err
			}
			a.logger.Warn("judge failed", "attempt", i, "error", err)
			feedback = err.Error()
			attempt.Feedback = feedback
			attempts = append(attempts, attempt)
			continue
		}

		attempt.Score = validation.Confidence
		attempt.Valid = validation.Confidence >= a.cfg.MinConfidence
		attempt.Feedback = validation.Feedback
		attempts = append(attempts, attempt)
		lastScore = validation.Confidence
		lastFeedback = validation.Feedback

		if attempt.Valid {
			a.logger.Info("alignment succeeded",
				"attempts", len(attempts),
				"confidence", validation.Confidence,
			)
			resp.ValidationDetails = validation
			return &Result{
				HSDSData:          payload,
				ConfidenceScore:   validation.Confidence,
				ValidationDetails: validation,
				Response:          resp,
				Attempts:          attempts,
			}, nil
		}
		if terminal {
			break
		}
		feedback = a.retryFeedback(validation)
		a.logger.Debug("retrying alignment",
			"attempt", i,
			"confidence", validation.Confidence,
			"min_confidence", a.cfg.MinConfidence,
		)
	}

	return nil, fmt.Errorf("%w: alignment failed after %d attempts (final confidence %.2f): %s",
		validator.ErrValidation, len(attempts), lastScore, lastFeedback)
}

// effective merges job overrides into the startup format and generation
// settings.
func (a *Aligner) effective(ov *Overrides) (*models.OutputFormat, *models.GenerateConfig) {
	format := a.format
	gen := &models.GenerateConfig{
		Temperature: &a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	if ov == nil {
		return format, gen
	}
	if ov.Format != nil {
		format = ov.Format
	}
	if cfg := ov.Config; cfg != nil {
		if cfg.Temperature != nil {
			gen.Temperature = cfg.Temperature
		}
		if cfg.MaxTokens != 0 {
			gen.MaxTokens = cfg.MaxTokens
		}
		if len(cfg.Stop) > 0 {
			gen.Stop = append([]string(nil), cfg.Stop...)
		}
	}
	return format, gen
}

func (a *Aligner) buildPrompt(rawInput, feedback string) string {
	prompt := a.systemPrompt + "\n\nInput Data:\n" + rawInput
	if feedback != "" {
		prompt += "\n\nFeedback on the previous attempt:\n" + a.annotate(feedback)
	}
	return prompt
}

// annotate appends HSDS graph context for any field name the feedback
// mentions, so "missing organization_id" also tells the model what the
// field relates to.
func (a *Aligner) annotate(feedback string) string {
	lower := strings.ToLower(feedback)
	var names []string
	for name := range a.relationships {
		if strings.Contains(lower, name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return feedback
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(feedback)
	b.WriteString("\n\nField relationships:\n")
	for _, name := range names {
		r := a.relationships[name]
		fmt.Fprintf(&b, "- %s: parent=%s, target=%s, description=%s\n", name, r.Parent, r.Target, r.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// retryFeedback builds the next attempt's feedback block. The detailed
// validator feedback is shown only below the retry threshold; above it a
// short nudge is enough.
func (a *Aligner) retryFeedback(v *models.ValidationResult) string {
	var parts []string
	if v.Confidence < a.cfg.RetryThreshold && v.Feedback != "" {
		parts = append(parts, v.Feedback)
	} else {
		parts = append(parts, fmt.Sprintf("Confidence %.2f is below the required %.2f. Improve completeness and faithfulness.",
			v.Confidence, a.cfg.MinConfidence))
	}
	if v.HallucinationDetected {
		parts = append(parts, "Remove any hallucinated data not present in input")
	}
	if len(v.MismatchedFields) > 0 {
		parts = append(parts, "Fix mismatched fields: "+strings.Join(v.MismatchedFields, ", "))
	}
	return strings.Join(parts, "\n")
}

func refused(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// sessionError reports whether err is an auth or quota failure that
// must bubble to the job processor immediately.
func sessionError(err error) bool {
	if _, ok := provider.AsAuthError(err); ok {
		return true
	}
	_, ok := provider.AsQuotaError(err)
	return ok
}
