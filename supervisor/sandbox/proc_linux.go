package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// finishMountingProc replaces the proc bind carried across the pivot
// with a fresh procfs for the new pid namespace. The bind had to be
// kept mounted the whole time: without a mounted proc we would lose the
// privilege of mounting one.
func finishMountingProc() error {
	oldProc, err := unix.Open("proc", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open old proc: %w", err)
	}
	defer unix.Close(oldProc)

	// Move the old proc onto the namespace root, which is mostly
	// inaccessible, then mount the right one in its place.
	if err := unix.Mount("proc", "/", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move old proc aside: %w", err)
	}
	if err := unix.Mount("proc", "proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}
	if err := unix.Fchdir(oldProc); err != nil {
		return fmt.Errorf("fchdir old proc: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old proc: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}
