// Package provider abstracts LLM backends behind a single Generate call.
// Two implementations exist: an HTTP chat-completions client and a local
// subprocess CLI. Both return the same response shape; the aligner talks
// only to the interface.
package provider

import (
	"context"

	"github.com/communitydata/hsds-pipeline/internal/models"
)

// GenerateOptions carries the per-call structured-output descriptor and
// provider overrides. An explicit Format wins over one nested in Config.
type GenerateOptions struct {
	Format *models.OutputFormat
	Config *models.GenerateConfig
}

// EffectiveFormat resolves the structured-output descriptor for a call.
func (o GenerateOptions) EffectiveFormat() *models.OutputFormat {
	if o.Format != nil {
		return o.Format
	}
	if o.Config != nil {
		return o.Config.Format
	}
	return nil
}

// Provider is the uniform LLM backend contract.
type Provider interface {
	// ModelName reports the configured model identifier.
	ModelName() string

	// SupportsStructuredOutput reports whether the backend enforces a
	// JSON-Schema response format natively.
	SupportsStructuredOutput() bool

	// Generate produces a completion for the prompt. Blocking; honours ctx.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*models.LLMResponse, error)
}
