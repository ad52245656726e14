package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// sandboxID is the uid and gid everything runs as inside the user
// namespace. It costs nothing to mask the real ids.
const sandboxID = 1000

// Relaunch re-execs the supervisor into its namespaces. A Go process
// cannot unshare a user namespace in place (the runtime is already
// multi-threaded by the time main runs), so the launcher spawns
// /proc/self/exe with unshare-at-exec semantics: the resulting process
// is in the new namespaces, and the pid namespace applies only to its
// future children, exactly as an in-place unshare would behave.
//
// Stdio passes through (stdout stays the readiness channel),
// termination signals are forwarded, and the supervisor's exit code is
// returned.
func Relaunch(args []string, stage2Flag string) (int, error) {
	cmd := exec.Command("/proc/self/exe", append(append([]string{}, args...), stage2Flag)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Unshareflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWIPC |
			unix.CLONE_NEWUTS | unix.CLONE_NEWPID,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: sandboxID, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: sandboxID, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("relaunch into namespaces: %w", err)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			cmd.Process.Signal(sig)
		}
	}()

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
