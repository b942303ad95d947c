// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger creates the process logger writing to stderr and installs
// it as the slog default, so library code logging through slog.Default
// shares the handler. format is json, text, or auto: auto picks text
// when stderr is a terminal and JSON otherwise.
func NewLogger(format, level string) (*slog.Logger, error) {
	logger, err := newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), format, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newLogger(w io.Writer, terminal bool, format, level string) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	options := &slog.HandlerOptions{Level: parsed}
	switch format {
	case "json":
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "", "auto":
		if terminal {
			return slog.New(slog.NewTextHandler(w, options)), nil
		}
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(slog.NewJSONHandler(w, options)), nil
}
