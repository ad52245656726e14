// Package mount builds the app-visible root filesystem: bind mounts of
// the package and grain data plus small tmpfs overlays.
package mount

import (
	"fmt"
	"syscall"
)

// Mount describes one mount operation against the staging root. Targets
// are relative to the current directory so the same list works before
// and after chdir into the staging mount.
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr

	// Optional skips the mount when the target does not exist. The app
	// package opts into tmp/dev/var overlays by containing the
	// corresponding directory.
	Optional bool
}

func (m Mount) String() string {
	switch {
	case m.Flags&syscall.MS_BIND == syscall.MS_BIND:
		flag := "rw"
		if m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY {
			flag = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.FsType == "tmpfs":
		return fmt.Sprintf("tmpfs[%s]", m.Target)

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}

// IsBindMount reports whether the mount is a bind mount.
func (m Mount) IsBindMount() bool {
	return m.Flags&syscall.MS_BIND == syscall.MS_BIND
}

// IsReadOnly reports whether the mount is read-only.
func (m Mount) IsReadOnly() bool {
	return m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY
}

// IsTmpFs reports whether the mount is a tmpfs.
func (m Mount) IsTmpFs() bool {
	return m.FsType == "tmpfs"
}

// Builder accumulates the mount sequence for the app root.
type Builder struct {
	Mounts []Mount
}

// NewBuilder creates new mount builder instance
func NewBuilder() *Builder {
	return &Builder{}
}

// WithBind adds a bind mount. flags are the remount restrictions
// (MS_RDONLY, MS_NODEV, MS_NOEXEC); MS_NOSUID is always applied.
func (b *Builder) WithBind(source, target string, flags uintptr) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: source,
		Target: target,
		Flags:  syscall.MS_BIND | flags,
	})
	return b
}

// WithTmpfs adds a tmpfs mount with the given mount data
// (e.g. "size=16m,nr_inodes=4k,mode=770").
func (b *Builder) WithTmpfs(target, data string, flags uintptr) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: target,
		Target: target,
		FsType: "tmpfs",
		Flags:  flags,
		Data:   data,
	})
	return b
}

// WithOptional marks the most recently added mount as conditional on its
// target existing.
func (b *Builder) WithOptional() *Builder {
	if n := len(b.Mounts); n > 0 {
		b.Mounts[n-1].Optional = true
	}
	return b
}
