package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aluedeke/go-bundlekit/internal/config"
	"github.com/fatih/color"
)

// consoleNotifier prints bundle status messages to stdout.
type consoleNotifier struct {
	out     io.Writer
	success *color.Color
	warning *color.Color
}

func newConsoleNotifier(useColor bool) *consoleNotifier {
	n := &consoleNotifier{
		out:     color.Output,
		success: color.New(color.FgGreen),
		warning: color.New(color.FgYellow),
	}
	if !useColor {
		n.success.DisableColor()
		n.warning.DisableColor()
	}
	return n
}

func (n *consoleNotifier) Notify(msg string) {
	c := n.success
	if strings.HasPrefix(msg, "No ") {
		c = n.warning
	}
	c.Fprintln(n.out, msg)
}

// newLogger builds the diagnostics logger on stderr.
func newLogger(cfg *config.Config) *slog.Logger {
	if !cfg.Color {
		color.NoColor = true
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
}
