package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sandstorm-dev/grain-supervisor/pkg/mount"
)

// enterNamespaces finishes what the unshare-at-exec started: mounts go
// private so nothing leaks back into the host namespace, and the uts
// names are set to "sandbox" so the grain can't see the real ones.
func enterNamespaces() error {
	if err := mount.MakePrivate(); err != nil {
		return err
	}
	if err := unix.Sethostname([]byte("sandbox")); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}
	if err := unix.Setdomainname([]byte("sandbox")); err != nil {
		return fmt.Errorf("setdomainname: %w", err)
	}
	return nil
}

// setupFilesystem assembles the app root at the staging path and pivots
// into it. The root of the mount namespace becomes the package itself,
// with tmp, dev, var and proc/cpuinfo overlaid when the package opts in
// by containing them.
//
// The supervisor needs to see more than the app: the whole grain var
// directory. Its handle is bound, immediately detached from the mount
// tree, and kept only as an fd, so the app can never reach it; after
// the pivot it becomes the working directory.
//
// Post-condition: "." is the grain's var directory and "/" is the app
// root; the old root is no longer reachable.
func setupFilesystem(cfg *Config) error {
	if err := mount.Bind(cfg.VarPath, stagingPath, unix.MS_NODEV|unix.MS_NOEXEC); err != nil {
		return err
	}
	supervisorDir, err := unix.Open(stagingPath, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open supervisor dir: %w", err)
	}
	defer unix.Close(supervisorDir)
	if err := unix.Unmount(stagingPath, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach supervisor dir: %w", err)
	}

	// The app package becomes the future root.
	if err := mount.Bind(cfg.PkgPath, stagingPath, unix.MS_NODEV|unix.MS_RDONLY); err != nil {
		return err
	}
	if err := unix.Chdir(stagingPath); err != nil {
		return fmt.Errorf("chdir %s: %w", stagingPath, err)
	}

	// A fresh tmpfs per run: it has no quota control, so sharing one
	// would let a grain starve the rest, and a private one vanishes
	// with the mount namespace instead of needing a risky recursive
	// delete.
	overlays := mount.NewBuilder()
	overlays.WithTmpfs("tmp", "size=16m,nr_inodes=4k,mode=770", unix.MS_NOSUID).WithOptional()
	overlays.WithBind(cfg.VarPath+"/sandbox", "var", unix.MS_NODEV).WithOptional()
	overlays.WithBind("/proc/cpuinfo", "proc/cpuinfo", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV).WithOptional()
	for i := range overlays.Mounts {
		if err := overlays.Mounts[i].Mount(); err != nil {
			return err
		}
	}
	if err := setupDev(); err != nil {
		return err
	}

	// Grab a reference to the old root before it becomes unreachable.
	oldRoot, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open old root: %w", err)
	}
	defer unix.Close(oldRoot)

	if cfg.MountProc {
		if _, err := os.Lstat("proc"); err == nil {
			// Bind the host proc to retain the permission to mount one.
			// It is associated with the wrong pid namespace; the child
			// fixes that after fork. A fresh mount is impossible here:
			// no permission on the active pid ns.
			if err := unix.Mount("/proc", "proc", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind /proc: %w", err)
			}
		} else {
			cfg.MountProc = false
		}
	}

	// Pivot with both arguments the same: legal, and it leaves the old
	// root mounted on top of the new one, where "/" and "/." both mean
	// the new root. The saved handle is the only way back out, used
	// once to lazily unmount the old root.
	if err := unix.PivotRoot(stagingPath, stagingPath); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Fchdir(oldRoot); err != nil {
		return fmt.Errorf("fchdir old root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	if err := unix.Fchdir(supervisorDir); err != nil {
		return fmt.Errorf("fchdir supervisor dir: %w", err)
	}
	return nil
}

// setupDev populates a tiny read-only dev with the safe character
// devices, random aliased to urandom.
func setupDev() error {
	if _, err := os.Lstat("dev"); err != nil {
		return nil
	}
	if err := unix.Mount("sandstorm-dev", "dev", "tmpfs",
		unix.MS_NOATIME|unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV,
		"size=1m,nr_inodes=16,mode=755"); err != nil {
		return fmt.Errorf("mount dev tmpfs: %w", err)
	}
	for _, node := range []struct{ name, real string }{
		{"null", "null"},
		{"zero", "zero"},
		{"random", "urandom"},
		{"urandom", "urandom"},
	} {
		if err := mount.BindDeviceNode(node.name, node.real); err != nil {
			return err
		}
	}
	if err := unix.Mount("dev", "dev", "",
		unix.MS_REMOUNT|unix.MS_BIND|unix.MS_NOEXEC|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount dev read-only: %w", err)
	}
	return nil
}
