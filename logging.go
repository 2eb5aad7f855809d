package fscache

import (
	"io"
	"log/slog"
)

// discardLogger is used when a caller passes a nil *slog.Logger, so internal
// call sites never need a nil check before logging.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
