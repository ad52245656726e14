package forkexec

import (
	"bytes"
	"os"
	"syscall"
	"testing"

	"github.com/sandstorm-dev/grain-supervisor/pkg/memfd"
)

func TestStart_ExecFromMemfd(t *testing.T) {
	bin, err := os.Open("/bin/true")
	if err != nil {
		t.Skipf("no /bin/true: %v", err)
	}
	defer bin.Close()

	f, err := memfd.Seal("true", bin)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := &Runner{
		Args:   []string{"true"},
		Env:    []string{},
		ExecFd: f.Fd(),
		Files:  []uintptr{0, 1, 2},
	}
	pid, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		t.Fatal(err)
	}
	if !ws.Exited() || ws.ExitStatus() != 0 {
		t.Errorf("unexpected wait status %#x", ws)
	}
}

func TestStart_BadExecFd(t *testing.T) {
	f, err := memfd.Seal("empty", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := &Runner{
		Args:   []string{"nothing"},
		Env:    []string{},
		ExecFd: f.Fd(),
		Files:  []uintptr{0, 1, 2},
	}
	if _, err := r.Start(); err == nil {
		t.Error("exec of empty memfd should fail")
	}
}
