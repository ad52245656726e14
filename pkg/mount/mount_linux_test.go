package mount

import (
	"strings"
	"syscall"
	"testing"
)

func TestBuilder_WithBind(t *testing.T) {
	b := NewBuilder().WithBind("/src", "/dst", syscall.MS_RDONLY)
	if len(b.Mounts) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(b.Mounts))
	}
	m := b.Mounts[0]
	if m.Source != "/src" || m.Target != "/dst" {
		t.Errorf("unexpected mount: %+v", m)
	}
	if !m.IsBindMount() {
		t.Errorf("expected bind mount")
	}
	if !m.IsReadOnly() {
		t.Errorf("expected readonly mount")
	}
}

func TestBuilder_WithTmpfs(t *testing.T) {
	b := NewBuilder().WithTmpfs("tmp", "size=16m,nr_inodes=4k,mode=770", syscall.MS_NOSUID)
	if len(b.Mounts) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(b.Mounts))
	}
	m := b.Mounts[0]
	if !m.IsTmpFs() {
		t.Errorf("expected tmpfs mount")
	}
	if m.Target != "tmp" || m.Data != "size=16m,nr_inodes=4k,mode=770" {
		t.Errorf("unexpected mount: %+v", m)
	}
}

func TestBuilder_WithOptional(t *testing.T) {
	b := NewBuilder().
		WithBind("/pkg", "pkg", 0).
		WithTmpfs("tmp", "size=16m", 0).WithOptional()
	if b.Mounts[0].Optional {
		t.Errorf("first mount should not be optional")
	}
	if !b.Mounts[1].Optional {
		t.Errorf("second mount should be optional")
	}
}

func TestMountString(t *testing.T) {
	m := Mount{Source: "/a", Target: "/b", Flags: syscall.MS_BIND | syscall.MS_RDONLY}
	if got := m.String(); !strings.Contains(got, "ro") {
		t.Errorf("expected ro in %q", got)
	}
	m = Mount{Source: "tmp", Target: "tmp", FsType: "tmpfs"}
	if got := m.String(); !strings.HasPrefix(got, "tmpfs") {
		t.Errorf("expected tmpfs prefix in %q", got)
	}
}

func TestOptionalMissingTargetIsNoop(t *testing.T) {
	m := Mount{
		Source:   "none",
		Target:   t.TempDir() + "/definitely-missing",
		FsType:   "tmpfs",
		Optional: true,
	}
	if err := m.Mount(); err != nil {
		t.Errorf("optional mount of missing target should be a no-op, got %v", err)
	}
}
