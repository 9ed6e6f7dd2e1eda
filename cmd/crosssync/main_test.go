package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/klauern/crosssync/internal/cli"
)

func captureRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CROSSSYNC_HOME", t.TempDir())

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	runErr := cli.Run(context.Background(), args)

	if closeErr := w.Close(); closeErr != nil {
		t.Fatalf("failed to close pipe writer: %v", closeErr)
	}
	os.Stdout = old

	var buf bytes.Buffer
	if _, copyErr := io.Copy(&buf, r); copyErr != nil {
		t.Fatalf("failed to read captured output: %v", copyErr)
	}
	return buf.String(), runErr
}

func TestCLIInitialization(t *testing.T) {
	output, err := captureRun(t, "crosssync", "--help")
	if err != nil {
		t.Fatalf("CLI initialization failed: %v", err)
	}
	if !strings.Contains(output, "crosssync") {
		t.Errorf("expected help output to contain 'crosssync', got: %q", output)
	}
	if !strings.Contains(output, "USAGE") || !strings.Contains(output, "COMMANDS") {
		t.Errorf("expected help output to contain USAGE and COMMANDS sections, got: %q", output)
	}
}

func TestVersionFlag(t *testing.T) {
	output, err := captureRun(t, "crosssync", "--version")
	if err != nil {
		t.Fatalf("--version flag failed: %v", err)
	}
	if !strings.Contains(output, "crosssync") {
		t.Errorf("expected version output to contain 'crosssync', got: %q", output)
	}
}

func TestGlobalFlagsRecognized(t *testing.T) {
	tests := map[string][]string{
		"verbose flag":   {"crosssync", "--verbose", "version"},
		"debug flag":     {"crosssync", "--debug", "version"},
		"no-color flag":  {"crosssync", "--no-color", "version"},
		"combined flags": {"crosssync", "--verbose", "--no-color", "version"},
	}

	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := captureRun(t, args...); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		})
	}
}

func TestValidateMissingRulesFails(t *testing.T) {
	if _, err := captureRun(t, "crosssync", "rules", "validate", "/nonexistent/rules.yaml"); err == nil {
		t.Error("expected error for a missing rule document")
	}
}
