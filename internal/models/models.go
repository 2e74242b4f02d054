// Package models defines the domain models shared across the pipeline:
// LLM jobs, job results, provider responses, and validation results.
// Jobs are immutable once enqueued; a deferred retry re-schedules the same
// job rather than creating a new one.
package models

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus represents the queue-runtime status of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusDeferred JobStatus = "deferred"
	JobStatusStarted  JobStatus = "started"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
)

// ResultStatus represents the terminal outcome carried in a JobResult.
type ResultStatus string

const (
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusFailed    ResultStatus = "failed"
)

// Metadata keys carried on every alignment job.
const (
	MetaScraperID   = "scraper_id"
	MetaContentHash = "content_hash"
	MetaKnownFields = "known_fields"
)

// OutputFormat is the structured-output descriptor passed to providers.
// The HTTP provider attaches it as a response-format directive; the CLI
// provider prepends an instruction line reiterating the schema.
type OutputFormat struct {
	Type       string     `json:"type"` // always "json_schema"
	JSONSchema JSONSchema `json:"json_schema"`
}

// JSONSchema is the inner schema envelope for strict structured output.
type JSONSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Strict      bool           `json:"strict"`
	Schema      map[string]any `json:"schema"`
}

// GenerateConfig carries per-call provider overrides. A nested Format is
// honoured only when the caller did not pass an explicit format.
// Temperature is a pointer so an explicit zero is distinguishable from
// unset.
type GenerateConfig struct {
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Format      *OutputFormat `json:"format,omitempty"`
}

// Usage is the token accounting triple reported by a provider. The CLI
// provider does not report usage, so all counters may legitimately be zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the uniform response shape returned by every provider.
// Text and Model are always non-empty on a successful generation.
type LLMResponse struct {
	Text              string            `json:"text"`
	Model             string            `json:"model"`
	Usage             Usage             `json:"usage"`
	Raw               map[string]any    `json:"raw,omitempty"`
	Parsed            map[string]any    `json:"parsed,omitempty"`
	ValidationDetails *ValidationResult `json:"validation_details,omitempty"`
}

// Clone returns a deep copy of the response. Nested structures are copied
// through JSON so callers cannot mutate a stored response.
func (r *LLMResponse) Clone() *LLMResponse {
	if r == nil {
		return nil
	}
	out := &LLMResponse{Text: r.Text, Model: r.Model, Usage: r.Usage}
	out.Raw = cloneMap(r.Raw)
	out.Parsed = cloneMap(r.Parsed)
	if r.ValidationDetails != nil {
		vd := *r.ValidationDetails
		vd.MissingRequiredFields = append([]string(nil), r.ValidationDetails.MissingRequiredFields...)
		vd.MismatchedFields = append([]string(nil), r.ValidationDetails.MismatchedFields...)
		if r.ValidationDetails.SuggestedCorrections != nil {
			vd.SuggestedCorrections = make(map[string]string, len(r.ValidationDetails.SuggestedCorrections))
			for k, v := range r.ValidationDetails.SuggestedCorrections {
				vd.SuggestedCorrections[k] = v
			}
		}
		out.ValidationDetails = &vd
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// ValidationResult is the fused verdict over an aligned payload: the judge
// model's assessment combined with the deterministic field-completeness
// score. Confidence is the minimum of the two.
type ValidationResult struct {
	Confidence            float64           `json:"confidence"`
	HallucinationDetected bool              `json:"hallucination_detected"`
	MissingRequiredFields []string          `json:"missing_required_fields"`
	Feedback              string            `json:"feedback,omitempty"`
	MismatchedFields      []string          `json:"mismatched_fields,omitempty"`
	SuggestedCorrections  map[string]string `json:"suggested_corrections,omitempty"`
}

// LLMJob is an immutable alignment job record. Metadata carries at minimum
// the scraper id and the content hash of the raw input.
type LLMJob struct {
	ID             string            `json:"id"`
	Prompt         string            `json:"prompt"`
	Format         *OutputFormat     `json:"format,omitempty"`
	ProviderConfig *GenerateConfig   `json:"provider_config,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewLLMJob creates a job with a fresh ULID. ULIDs are lexicographically
// time-ordered, which keeps queue inspection tools readable.
func NewLLMJob(prompt string, format *OutputFormat, metadata map[string]string) *LLMJob {
	return &LLMJob{
		ID:        ulid.Make().String(),
		Prompt:    prompt,
		Format:    format,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// ContentHash returns the content hash carried in the job metadata, or ""
// when the job was enqueued without deduplication.
func (j *LLMJob) ContentHash() string {
	if j.Metadata == nil {
		return ""
	}
	return j.Metadata[MetaContentHash]
}

// KnownFields decodes the scraper-asserted field map from job metadata.
// Absent or malformed metadata yields nil, which validators treat as
// "nothing asserted".
func (j *LLMJob) KnownFields() map[string]bool {
	if j.Metadata == nil {
		return nil
	}
	raw, ok := j.Metadata[MetaKnownFields]
	if !ok || raw == "" {
		return nil
	}
	var fields map[string]bool
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil
	}
	return fields
}

// JobResult pairs a job id with its terminal outcome. It is the payload
// handed to the reconciler and recorder sinks.
type JobResult struct {
	JobID  string       `json:"job_id"`
	Status ResultStatus `json:"status"`
	Result *LLMResponse `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}
