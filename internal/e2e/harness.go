// Package e2e runs the crosssync CLI against an isolated CROSSSYNC_HOME
// and captures what it prints.
package e2e

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauern/crosssync/internal/cli"
)

// Result contains the outcome of running a CLI command.
type Result struct {
	// Stdout contains the captured standard output.
	Stdout string
	// Err is the error returned by the CLI command, if any.
	Err error
	// ExitCode is the inferred exit code (0 for success, 1 for error).
	ExitCode int
}

// Success returns true if the command completed without error.
func (r *Result) Success() bool {
	return r.Err == nil
}

// Harness runs CLI commands in an isolated home directory.
type Harness struct {
	t       *testing.T
	homeDir string
	env     map[string]string
}

// NewHarness creates a harness with a fresh CROSSSYNC_HOME. Rule hot reload
// and colors are turned off so runs are deterministic.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	h := &Harness{
		t:       t,
		homeDir: t.TempDir(),
		env:     make(map[string]string),
	}
	h.SetEnv("CROSSSYNC_HOME", h.homeDir)
	h.SetEnv("CROSSSYNC_RULES_WATCH", "false")
	h.SetEnv("CROSSSYNC_OUTPUT_COLOR", "never")
	return h
}

// SetEnv sets an environment variable for commands run through this
// harness. It is restored when the test completes.
func (h *Harness) SetEnv(key, value string) {
	h.t.Helper()
	h.env[key] = value
	h.t.Setenv(key, value)
}

// HomeDir returns the isolated home directory.
func (h *Harness) HomeDir() string {
	return h.homeDir
}

// Path joins elem onto the home directory.
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.homeDir}, elem...)...)
}

// Run executes a CLI command and captures its output.
func (h *Harness) Run(args ...string) *Result {
	h.t.Helper()
	return h.RunContext(context.Background(), args...)
}

// RunContext executes a CLI command under ctx. Long-running commands such
// as serve return once ctx is cancelled.
func (h *Harness) RunContext(ctx context.Context, args ...string) *Result {
	h.t.Helper()

	if len(args) == 0 || args[0] != "crosssync" {
		args = append([]string{"crosssync"}, args...)
	}

	oldStdout := os.Stdout
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		h.t.Fatalf("failed to create stdout pipe: %v", err)
	}
	os.Stdout = stdoutW

	// Drain concurrently so output larger than the pipe buffer cannot block the command.
	var stdoutBuf bytes.Buffer
	var copyErr error
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, copyErr = io.Copy(&stdoutBuf, stdoutR)
	}()

	cmdErr := cli.Run(ctx, args)

	if err := stdoutW.Close(); err != nil {
		h.t.Fatalf("failed to close stdout pipe writer: %v", err)
	}
	os.Stdout = oldStdout

	<-copyDone
	if copyErr != nil {
		h.t.Fatalf("failed to read captured stdout: %v", copyErr)
	}

	exitCode := 0
	if cmdErr != nil {
		exitCode = 1
	}
	return &Result{
		Stdout:   stdoutBuf.String(),
		Err:      cmdErr,
		ExitCode: exitCode,
	}
}
