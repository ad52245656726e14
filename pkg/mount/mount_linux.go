package mount

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Mount applies the mount. Bind mounts are issued twice: contrary to the
// mount(2) documentation, restriction flags are ignored on the initial
// bind and require a follow-up remount.
func (m *Mount) Mount() error {
	if m.Optional {
		if _, err := os.Lstat(m.Target); err != nil {
			return nil
		}
	}
	if m.IsBindMount() {
		return Bind(m.Source, m.Target, m.Flags&^uintptr(syscall.MS_BIND))
	}
	if err := syscall.Mount(m.Source, m.Target, m.FsType, uintptr(m.Flags), m.Data); err != nil {
		return fmt.Errorf("mount %v: %w", m, err)
	}
	return nil
}

// Bind bind-mounts src onto dst and remounts with the given restriction
// flags plus MS_NOSUID.
func Bind(src, dst string, flags uintptr) error {
	if err := syscall.Mount(src, dst, "", syscall.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s -> %s: %w", src, dst, err)
	}
	if err := syscall.Mount(src, dst, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_NOSUID|flags, ""); err != nil {
		return fmt.Errorf("bind remount %s -> %s: %w", src, dst, err)
	}
	return nil
}

// BindDeviceNode exposes a host character device inside the dev tmpfs.
// A real device node cannot be created with mknod on a nodev filesystem,
// so a plain file is created as a bind target instead.
func BindDeviceNode(name, realName string) error {
	dst := "dev/" + name
	if err := unix.Mknod(dst, unix.S_IFREG|0666, 0); err != nil {
		return fmt.Errorf("mknod %s: %w", dst, err)
	}
	if err := syscall.Mount("/dev/"+realName, dst, "", syscall.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind /dev/%s -> %s: %w", realName, dst, err)
	}
	return nil
}

// MakePrivate recursively marks all mounts private so that later mount
// operations do not propagate into the host namespace.
func MakePrivate() error {
	if err := syscall.Mount("none", "/", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	return nil
}
