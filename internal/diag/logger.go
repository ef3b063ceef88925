// Package diag provides the diagnostic sinks boot stages print to.
package diag

import (
	"io"
	"log/slog"
)

// NewLogger returns a text logger writing records at level and above to w.
// A nil w discards everything.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Tee writes to every non-nil writer.
func Tee(ws ...io.Writer) io.Writer {
	var out []io.Writer
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	switch len(out) {
	case 0:
		return io.Discard
	case 1:
		return out[0]
	}
	return io.MultiWriter(out...)
}
