package memfd

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSeal(t *testing.T) {
	content := []byte("supervisor binary stand-in")
	f, err := Seal("test", bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// already rewound
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q", got)
	}

	if _, err := f.Write([]byte("x")); err == nil {
		t.Error("write to sealed memfd succeeded")
	}
	seals, err := unix.FcntlInt(f.Fd(), unix.F_GET_SEALS, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seals&sealAll != sealAll {
		t.Errorf("seal set %#x, want at least %#x", seals, sealAll)
	}
	// the seal set itself must be frozen
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_WRITE); err == nil {
		t.Error("adding seals after F_SEAL_SEAL succeeded")
	}
}

func TestSelfExe(t *testing.T) {
	f, err := SelfExe("init")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() == 0 {
		t.Error("empty memfd for current executable")
	}
}
