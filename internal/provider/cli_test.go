package provider

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func newStubCLIProvider(stdout, combined string, runErr error) *CLIProvider {
	p := NewCLIProvider(CLIConfig{Command: "fake-cli", Model: "cli-model"}, nil)
	p.run = func(cmd *exec.Cmd) (string, string, error) {
		return stdout, combined, runErr
	}
	return p
}

func TestCLIProvider_Generate(t *testing.T) {
	p := newStubCLIProvider("The food bank is at 123 Main St.\n", "The food bank is at 123 Main St.", nil)

	resp, err := p.Generate(context.Background(), "describe", GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "The food bank is at 123 Main St." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Model != "cli-model" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 0 {
		t.Errorf("Usage should be zero for the CLI, got %+v", resp.Usage)
	}
}

func TestCLIProvider_StructuredPromptAndParse(t *testing.T) {
	var capturedArgs []string
	p := NewCLIProvider(CLIConfig{Command: "fake-cli", Args: []string{"--print"}, Model: "cli-model"}, nil)
	p.run = func(cmd *exec.Cmd) (string, string, error) {
		capturedArgs = cmd.Args
		return "```json\n{\"organization\": []}\n```", "", nil
	}

	resp, err := p.Generate(context.Background(), "align this", GenerateOptions{Format: testFormat()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Parsed == nil {
		t.Fatal("Parsed should be populated")
	}

	// The schema instruction is prepended to the prompt argument.
	prompt := capturedArgs[len(capturedArgs)-1]
	if !strings.Contains(prompt, "Respond only with JSON matching this schema") {
		t.Errorf("prompt missing schema instruction: %q", prompt)
	}
	if !strings.Contains(prompt, "align this") {
		t.Errorf("prompt missing original text: %q", prompt)
	}
}

func TestCLIProvider_QuotaFailure(t *testing.T) {
	p := newStubCLIProvider("", "Usage limit reached, try again later", errors.New("exit status 1"))
	p.cfg.QuotaRetryAfter = 30 * time.Minute

	_, err := p.Generate(context.Background(), "hi", GenerateOptions{})
	quotaErr, ok := AsQuotaError(err)
	if !ok {
		t.Fatalf("error = %v (%T), want QuotaError", err, err)
	}
	if quotaErr.RetryAfter != 30*time.Minute {
		t.Errorf("RetryAfter = %v, want 30m", quotaErr.RetryAfter)
	}
}

func TestCLIProvider_AuthFailure(t *testing.T) {
	p := newStubCLIProvider("", "Error: Not authenticated. Please log in.", errors.New("exit status 1"))

	_, err := p.Generate(context.Background(), "hi", GenerateOptions{})
	authErr, ok := AsAuthError(err)
	if !ok {
		t.Fatalf("error = %v (%T), want AuthError", err, err)
	}
	if authErr.RetryAfter != 5*time.Minute {
		t.Errorf("RetryAfter = %v, want 5m", authErr.RetryAfter)
	}
}

func TestCLIProvider_GenericFailure(t *testing.T) {
	p := newStubCLIProvider("", "segmentation fault", errors.New("exit status 139"))

	_, err := p.Generate(context.Background(), "hi", GenerateOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := AsAuthError(err); ok {
		t.Error("should not classify as auth")
	}
	if _, ok := AsQuotaError(err); ok {
		t.Error("should not classify as quota")
	}
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Errorf("error type = %T, want *Error", err)
	}
}

func TestCLIProvider_CheckAuth_Unauthenticated(t *testing.T) {
	// Zero exit but the output reveals a login prompt.
	p := newStubCLIProvider("Please log in to continue", "Please log in to continue", nil)

	err := p.CheckAuth(context.Background())
	if _, ok := AsAuthError(err); !ok {
		t.Fatalf("error = %v, want AuthError", err)
	}
}

func TestCLIProvider_CheckAuth_Healthy(t *testing.T) {
	p := newStubCLIProvider("OK", "OK", nil)

	if err := p.CheckAuth(context.Background()); err != nil {
		t.Fatalf("CheckAuth: %v", err)
	}
}

// ========================================
// Environment Tests
// ========================================

func TestCLIProvider_EnvironmentMinimal(t *testing.T) {
	p := NewCLIProvider(CLIConfig{Command: "x", APIKey: "sk-real-key"}, nil)

	env := p.environment()
	if len(env) != 3 {
		t.Fatalf("env = %v, want PATH, HOME, ANTHROPIC_API_KEY", env)
	}
	for _, entry := range env {
		key := strings.SplitN(entry, "=", 2)[0]
		switch key {
		case "PATH", "HOME", "ANTHROPIC_API_KEY":
		default:
			t.Errorf("unexpected env entry %q", key)
		}
	}
}

func TestCLIProvider_PlaceholderKeyOmitted(t *testing.T) {
	p := NewCLIProvider(CLIConfig{Command: "x", APIKey: "your-api-key-here"}, nil)

	for _, entry := range p.environment() {
		if strings.HasPrefix(entry, "ANTHROPIC_API_KEY=") {
			t.Error("placeholder key should not be passed through")
		}
	}
}

// ========================================
// Real Subprocess Test
// ========================================

func TestCLIProvider_RealSubprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	script := filepath.Join(t.TempDir(), "fake-llm")
	content := "#!/bin/sh\necho \"stub response\"\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	p := NewCLIProvider(CLIConfig{Command: script, Model: "stub"}, nil)
	resp, err := p.Generate(context.Background(), "hi", GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "stub response" {
		t.Errorf("Text = %q", resp.Text)
	}
}
