package main

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// newLogger builds the CLI's root logger: colorized tint output on a
// terminal, matching telemetry/global-monitor/cmd/global-monitor/main.go's
// newLogger, falling back to plain JSON otherwise so piped/redirected output
// stays machine-parseable — mirrors client/doublezerod/cmd/doublezerod's
// slog.NewJSONHandler default.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
