package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/communitydata/hsds-pipeline/internal/models"
)

// CLI failure modes are recognised by substring match over the combined
// output, case-insensitively.
var (
	authFailurePatterns = []string{
		"invalid api key",
		"fix external api key",
		"authentication",
		"login required",
		"not authenticated",
		"please log in",
	}
	quotaFailurePatterns = []string{
		"usage limit",
		"quota",
		"rate limit",
		"too many requests",
		"exceeded",
		"throttle",
		"usage cap",
	}
)

const (
	cliAuthProbeTimeout = 10 * time.Second
	cliAuthRetryAfter   = 5 * time.Minute
)

// CLIConfig configures the subprocess provider.
type CLIConfig struct {
	Command         string   // executable, e.g. "claude"
	Args            []string // fixed args prepended before the prompt
	Model           string
	APIKey          string        // optional ANTHROPIC_API_KEY passthrough
	QuotaRetryAfter time.Duration // default 1h
}

// CLIProvider invokes a local command-line LLM. Its failure modes are
// session-scoped: an auth or quota failure affects every job on the host,
// which is why they surface as AuthError / QuotaError for the shared
// health state rather than plain provider errors.
type CLIProvider struct {
	cfg    CLIConfig
	logger *slog.Logger

	// run executes the prepared command; swapped out in tests.
	run func(cmd *exec.Cmd) (stdout, combined string, err error)
}

// NewCLIProvider creates the subprocess provider.
func NewCLIProvider(cfg CLIConfig, logger *slog.Logger) *CLIProvider {
	if cfg.QuotaRetryAfter == 0 {
		cfg.QuotaRetryAfter = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIProvider{
		cfg:    cfg,
		logger: logger.With("component", "provider.cli", "command", cfg.Command),
		run:    runCommand,
	}
}

// ModelName implements Provider.
func (p *CLIProvider) ModelName() string {
	return p.cfg.Model
}

// SupportsStructuredOutput implements Provider. The CLI cannot enforce a
// schema; the schema is reiterated in the prompt instead.
func (p *CLIProvider) SupportsStructuredOutput() bool {
	return false
}

// Generate implements Provider. The subprocess runs with a minimal
// environment: PATH, HOME, and the API key when configured.
func (p *CLIProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*models.LLMResponse, error) {
	format := opts.EffectiveFormat()
	if format != nil {
		schemaJSON, err := json.Marshal(format.JSONSchema.Schema)
		if err != nil {
			return nil, NewError(fmt.Sprintf("marshal schema: %v", err), err)
		}
		prompt = fmt.Sprintf("Respond only with JSON matching this schema:\n%s\n\n%s", schemaJSON, prompt)
	}

	cmd := p.command(ctx, prompt)
	stdout, combined, err := p.run(cmd)
	if err != nil {
		return nil, p.classifyFailure(combined, err)
	}

	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, NewError("empty output from CLI", nil)
	}

	out := &models.LLMResponse{
		Text:  text,
		Model: p.cfg.Model,
		// The CLI reports no token counts; usage stays zero.
		Raw: map[string]any{"combined_output": combined},
	}
	if format != nil {
		if parsed, ok := ParseStructured(text); ok {
			out.Parsed = parsed
		}
	}
	return out, nil
}

// CheckAuth runs a trivial prompt to detect whether the CLI session is
// authenticated. Bounded by a 10-second wall clock.
func (p *CLIProvider) CheckAuth(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, cliAuthProbeTimeout)
	defer cancel()

	cmd := p.command(probeCtx, "Say OK")
	stdout, combined, err := p.run(cmd)
	output := stdout + "\n" + combined
	if matchesAny(output, authFailurePatterns) {
		return &AuthError{
			Message:    firstLine(output),
			RetryAfter: cliAuthRetryAfter,
		}
	}
	if err != nil {
		return p.classifyFailure(combined, err)
	}
	return nil
}

func (p *CLIProvider) command(ctx context.Context, prompt string) *exec.Cmd {
	args := append(append([]string(nil), p.cfg.Args...), prompt)
	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	cmd.Env = p.environment()
	return cmd
}

// environment builds the minimal subprocess environment. The API key is
// passed through only when it is set and is not a placeholder.
func (p *CLIProvider) environment() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	key := strings.TrimSpace(p.cfg.APIKey)
	if key != "" && !isPlaceholderKey(key) {
		env = append(env, "ANTHROPIC_API_KEY="+key)
	}
	return env
}

func isPlaceholderKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range []string{"placeholder", "your-", "changeme", "xxx"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// classifyFailure maps a non-zero exit into the error taxonomy. Quota
// patterns are checked before auth patterns because quota messages often
// mention account state too.
func (p *CLIProvider) classifyFailure(combined string, err error) error {
	if matchesAny(combined, quotaFailurePatterns) {
		p.logger.Warn("CLI reported quota exhaustion", "output", firstLine(combined))
		return &QuotaError{
			Message:    firstLine(combined),
			RetryAfter: p.cfg.QuotaRetryAfter,
		}
	}
	if matchesAny(combined, authFailurePatterns) {
		p.logger.Warn("CLI reported authentication failure", "output", firstLine(combined))
		return &AuthError{
			Message:    firstLine(combined),
			RetryAfter: cliAuthRetryAfter,
		}
	}
	msg := firstLine(combined)
	if msg == "" {
		msg = err.Error()
	}
	return NewError(msg, err)
}

func matchesAny(output string, patterns []string) bool {
	lower := strings.ToLower(output)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func firstLine(output string) string {
	trimmed := strings.TrimSpace(output)
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func runCommand(cmd *exec.Cmd) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	combined := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
	return stdout.String(), combined, err
}
