package supervisor

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// stagingPath is the shared mount point the app root is assembled at
// before the pivot. One is enough because it only exists inside the
// private mount namespace.
const stagingPath = "/tmp/sandstorm-grain"

// resetSignalMask clears any signal mask inherited from the parent.
// Done as early as possible so nothing else is confused by it.
func resetSignalMask() error {
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &unix.Sigset_t{}, nil); err != nil {
		return fmt.Errorf("reset signal mask: %w", err)
	}
	return nil
}

// enableNoNewPrivs ensures that once privileges are dropped they can
// never be regained, e.g. by exec'ing a suid-root binary.
func enableNoNewPrivs() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	return nil
}

// closeInheritedFds closes every inheritable descriptor above stderr,
// in case a badly-written launcher forgot CLOEXEC on its private fds;
// the sandboxed process must not get access to them. Descriptors that
// do carry CLOEXEC are left alone: they cannot survive into the app,
// and some of them belong to the runtime. The close pass runs after the
// scan completes because the directory listing itself holds an fd.
func closeInheritedFds() error {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return fmt.Errorf("list /proc/self/fd: %w", err)
	}
	var fds []int
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			return fmt.Errorf("non-numeric entry in /proc/self/fd: %q", entry.Name())
		}
		if fd <= int(os.Stderr.Fd()) {
			continue
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil || flags&unix.FD_CLOEXEC != 0 {
			// already gone (e.g. the scan's own directory fd), or
			// close-on-exec and therefore harmless
			continue
		}
		fds = append(fds, fd)
	}
	for _, fd := range fds {
		// Close errors don't matter as long as the fd is gone.
		unix.Close(fd)
	}
	return nil
}

// checkPaths creates or verifies the pkg, var, staging and log paths.
func checkPaths(cfg *Config) error {
	// Be explicit about permissions for now.
	unix.Umask(0)

	if err := unix.Access(cfg.PkgPath, unix.R_OK|unix.X_OK); err != nil {
		return fmt.Errorf("access %s: %w", cfg.PkgPath, err)
	}

	if cfg.IsNew {
		if err := os.Mkdir(cfg.VarPath, 0770); err != nil {
			if os.IsExist(err) {
				return &UserError{"Grain already exists: " + cfg.GrainID}
			}
			return fmt.Errorf("mkdir %s: %w", cfg.VarPath, err)
		}
		if err := os.Mkdir(cfg.VarPath+"/sandbox", 0770); err != nil {
			return fmt.Errorf("mkdir %s/sandbox: %w", cfg.VarPath, err)
		}
	} else {
		if err := unix.Access(cfg.VarPath, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
			if err == unix.ENOENT {
				return &UserError{"No such grain: " + cfg.GrainID}
			}
			return fmt.Errorf("access %s: %w", cfg.VarPath, err)
		}
	}

	if err := os.Mkdir(stagingPath, 0770); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %s: %w", stagingPath, err)
	}

	// Create the log file up front, while errors are still visible.
	logFile, err := os.OpenFile(cfg.VarPath+"/log",
		os.O_WRONLY|os.O_APPEND|os.O_CREATE|unix.O_CLOEXEC, 0600)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	return logFile.Close()
}

// setupStdio replaces stdin with /dev/null and sends stderr to the
// grain log. Stdin could inadvertently be an fd with other powers, e.g.
// a TTY. Stdout is left alone: it is the readiness channel to the
// launcher, and the child later shadows it with a copy of stderr.
func setupStdio(keepStdio bool) error {
	if keepStdio {
		return nil
	}
	devNull, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open /dev/null: %w", err)
	}
	if err := unix.Dup3(devNull, 0, 0); err != nil {
		return fmt.Errorf("dup /dev/null onto stdin: %w", err)
	}
	unix.Close(devNull)

	logFd, err := unix.Open("log", unix.O_WRONLY|unix.O_APPEND|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if err := unix.Dup3(logFd, 2, 0); err != nil {
		return fmt.Errorf("dup log onto stderr: %w", err)
	}
	unix.Close(logFd)
	return nil
}
