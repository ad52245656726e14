package sandbox

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/sandstorm-dev/grain-supervisor/pkg/grainlog"
	"github.com/sandstorm-dev/grain-supervisor/pkg/network"
	"github.com/sandstorm-dev/grain-supervisor/pkg/seccomp"
)

// Init is called for the sandbox init process. It is a noop unless the
// process is pid 1 of the new pid namespace and was spawned with the
// init argv, so callers invoke it unconditionally at the top of main.
// On success it does not return: the process becomes the app.
func Init() {
	if os.Getpid() != 1 || len(os.Args) != 2 || os.Args[0] != InitArgv0 || os.Args[1] != InitArg {
		return
	}

	logger := grainlog.Default()
	cfg, err := DecodeInitConfig(os.Getenv(ConfigEnv))
	if err != nil {
		logger.Error("sandbox init: bad config", "error", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		logger.Error("sandbox init failed", "error", err)
		os.Exit(1)
	}
	// run only returns on error
	os.Exit(1)
}

func run(cfg *InitConfig) error {
	runtime.GOMAXPROCS(1)
	// pin to one thread so the cleared signal mask is the mask exec sees
	runtime.LockOSThread()
	logger := grainlog.Default()

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	// The clone already placed us in the new network namespace; populate
	// it.
	if err := network.Setup(cfg.IPTables, logger); err != nil {
		return err
	}

	if cfg.MountProc {
		if err := finishMountingProc(); err != nil {
			return err
		}
	}

	// Now actually drop all credentials.
	if err := DropPrivileges(); err != nil {
		return err
	}

	// Seccomp goes last so the filter can deny the very syscalls used
	// above.
	if err := seccomp.Install(seccomp.Policy{Devmode: cfg.Devmode, DumpPFC: cfg.SeccompDump}); err != nil {
		return err
	}

	// Hand the app a clean signal state: dispositions reset to default,
	// nothing masked.
	signal.Reset()
	if err := clearSignalMask(); err != nil {
		return err
	}

	// The RPC socket is already on fd 3 with close-on-exec cleared, and
	// stdout is already a copy of stderr; the readiness stdout stayed
	// with the supervisor.
	if err := unix.Exec(cfg.Command[0], cfg.Command, cfg.Environment); err != nil {
		return fmt.Errorf("exec %s: %w", cfg.Command[0], err)
	}
	return nil
}

// clearSignalMask empties the signal mask of the exec'ing thread. (The
// mask is inherited over exec.)
func clearSignalMask() error {
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &unix.Sigset_t{}, nil); err != nil {
		return fmt.Errorf("clear signal mask: %w", err)
	}
	return nil
}
