package unixsocket

import (
	"testing"
)

func TestNewSocketPair(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	msg := []byte("ping")
	if _, err := a.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("got %q, want %q", buf[:n], "ping")
	}
}

func TestFileRoundTrip(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	f, err := b.File()
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	c, err := NewSocket(int(f.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := a.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 'x' {
		t.Errorf("got %q", buf)
	}
}
