package grainlog

import (
	"strings"
	"testing"
)

func TestPrefixedLine(t *testing.T) {
	var buf strings.Builder
	logger := New(&buf)
	logger.Info("Starting up grain.")
	want := "** SANDSTORM SUPERVISOR: Starting up grain.\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestAttrsAppended(t *testing.T) {
	var buf strings.Builder
	logger := New(&buf)
	logger.Warn("connection failed", "error", "boom")
	got := buf.String()
	if !strings.HasPrefix(got, Prefix) {
		t.Errorf("missing prefix: %q", got)
	}
	if !strings.Contains(got, "error=boom") {
		t.Errorf("missing attr: %q", got)
	}
}

func TestWithAttrs(t *testing.T) {
	var buf strings.Builder
	logger := New(&buf).With("grain", "g1")
	logger.Info("hello")
	if !strings.Contains(buf.String(), "grain=g1") {
		t.Errorf("missing inherited attr: %q", buf.String())
	}
}
