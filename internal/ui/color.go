// Package ui provides terminal output helpers for crosssync.
package ui

import (
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Color function types for styled output.
var (
	// Success is used for live platforms and completed operations (green).
	Success = color.New(color.FgGreen).SprintFunc()
	// Error is used for failures (red).
	Error = color.New(color.FgRed).SprintFunc()
	// Warning is used for degraded platforms and pending conflicts (yellow).
	Warning = color.New(color.FgYellow).SprintFunc()
	// Info is used for informational messages (cyan).
	Info = color.New(color.FgCyan).SprintFunc()
	// Bold is used for emphasis.
	Bold = color.New(color.Bold).SprintFunc()
	// Dim is used for secondary information (faint).
	Dim = color.New(color.Faint).SprintFunc()
	// Header is used for table headers (bold cyan).
	Header = color.New(color.FgCyan, color.Bold).SprintFunc()
)

// Status symbols.
const (
	SymbolSuccess = "✓"
	SymbolError   = "✗"
	SymbolWarning = "⚠"
	SymbolSkipped = "-"
	SymbolPending = "○"
)

// StatusSuccess returns a green checkmark with optional message.
func StatusSuccess(msg string) string {
	return withSymbol(Success, SymbolSuccess, msg)
}

// StatusError returns a red X with optional message.
func StatusError(msg string) string {
	return withSymbol(Error, SymbolError, msg)
}

// StatusWarning returns a yellow warning with optional message.
func StatusWarning(msg string) string {
	return withSymbol(Warning, SymbolWarning, msg)
}

// StatusSkipped returns a dimmed skip symbol with optional message.
func StatusSkipped(msg string) string {
	return withSymbol(Dim, SymbolSkipped, msg)
}

// StatusPending returns a dimmed circle with optional message.
func StatusPending(msg string) string {
	return withSymbol(Dim, SymbolPending, msg)
}

func withSymbol(paint func(a ...any) string, symbol, msg string) string {
	if msg == "" {
		return paint(symbol)
	}
	return paint(symbol) + " " + msg
}

// PlatformState renders a platform's liveness.
func PlatformState(live, degraded bool) string {
	switch {
	case live && degraded:
		return StatusWarning("degraded")
	case live:
		return StatusSuccess("live")
	default:
		return StatusSkipped("inactive")
	}
}

// OperationState renders a sync operation status.
func OperationState(status string) string {
	switch status {
	case "completed":
		return StatusSuccess(status)
	case "failed":
		return StatusError(status)
	case "in_progress":
		return Info(SymbolPending + " " + status)
	default:
		return StatusPending(status)
	}
}

// ConfigureColor applies a color mode: "always", "never", or "auto", which
// enables colors only when out is a terminal and NO_COLOR is unset.
func ConfigureColor(mode string, out *os.File) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "always":
		EnableColors()
	case "never":
		DisableColors()
	default:
		if os.Getenv("NO_COLOR") != "" || out == nil || !IsTerminal(out) {
			DisableColors()
		} else {
			EnableColors()
		}
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) // #nosec G115 - file descriptors fit in int
}

// DisableColors disables all color output.
func DisableColors() {
	color.NoColor = true
}

// EnableColors enables color output.
func EnableColors() {
	color.NoColor = false
}

// IsColorEnabled returns whether colors are currently enabled.
func IsColorEnabled() bool {
	return !color.NoColor
}
