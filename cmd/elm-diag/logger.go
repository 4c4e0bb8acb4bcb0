package main

import (
	"io"
	"log/slog"

	"github.com/kstaniek/go-elm327-diag/internal/logging"
)

func setupLogger(format, level string, w io.Writer) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), w).With("app", "elm-diag")
	logging.Set(l)
	return l
}
