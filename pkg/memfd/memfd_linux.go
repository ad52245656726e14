// Package memfd seals the running executable into an anonymous
// in-memory file so the sandbox child can re-exec it after the root
// pivot makes /proc/self/exe unreachable.
package memfd

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Once sealed the contents can neither grow, shrink, nor be rewritten,
// and the seal set itself is frozen: the fd stays byte-identical to the
// binary that created it no matter who inherits it.
const sealAll = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// SelfExe copies the current executable into a sealed, read-only memfd
// named name. The caller closes the file.
func SelfExe(name string) (*os.File, error) {
	self, err := os.Open("/proc/self/exe")
	if err != nil {
		return nil, fmt.Errorf("memfd: open /proc/self/exe: %w", err)
	}
	defer self.Close()
	return Seal(name, self)
}

// Seal copies src into a fresh memfd, rewinds it, and locks it down.
func Seal(name string, src io.Reader) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd: create %s: %w", name, err)
	}
	file := os.NewFile(uintptr(fd), "memfd:"+name)
	if _, err := io.Copy(file, src); err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: fill %s: %w", name, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: rewind %s: %w", name, err)
	}
	if _, err := unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, sealAll); err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: seal %s: %w", name, err)
	}
	return file, nil
}
