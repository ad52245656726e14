// Package grainlog renders supervisor log records as single stderr
// lines with the fixed prefix the grain log contract requires.
package grainlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Prefix starts every supervisor log line.
const Prefix = "** SANDSTORM SUPERVISOR: "

// New returns a logger writing prefixed lines to w.
func New(w io.Writer) *slog.Logger {
	return slog.New(&handler{w: w})
}

// Default returns a logger writing to stderr, which the supervisor
// redirects into the grain's log file.
func Default() *slog.Logger {
	return New(os.Stderr)
}

// Emergency logs from termination paths, bypassing the logger and
// buffering entirely: a single direct write(2) to stderr.
func Emergency(text string) {
	unix.Write(int(os.Stderr.Fd()), []byte(Prefix+text+"\n"))
}

type handler struct {
	mu    sync.Mutex
	w     io.Writer
	attrs []slog.Attr
}

func (h *handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{w: h.w, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *handler) WithGroup(string) slog.Handler { return h }
