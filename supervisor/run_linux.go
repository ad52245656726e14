package supervisor

import (
	"fmt"
	"os"

	"github.com/sandstorm-dev/grain-supervisor/pkg/grainlog"
	"github.com/sandstorm-dev/grain-supervisor/pkg/memfd"
	"github.com/sandstorm-dev/grain-supervisor/pkg/network"
	"github.com/sandstorm-dev/grain-supervisor/supervisor/sandbox"
)

// Run executes the supervisor stage. The process has already been
// re-exec'd into fresh user, mount, ipc, uts and pid namespaces with
// uid and gid mapped to 1000; the pid namespace applies only to the
// children forked here. Run returns only on setup errors; otherwise the
// process exits through the serve loop or a termination path.
func Run(cfg *Config) error {
	if err := resetSignalMask(); err != nil {
		return err
	}
	if err := enableNoNewPrivs(); err != nil {
		return err
	}
	if err := closeInheritedFds(); err != nil {
		return err
	}
	if err := checkPaths(cfg); err != nil {
		return err
	}

	// Needs the host /proc, so measure before the pivot; the result
	// rides into the sandbox with the init config.
	ipTables := network.IsIPTablesLoaded()

	// Also needs /proc: the child re-execs this binary after the pivot
	// makes its path unreachable.
	selfExe, err := memfd.SelfExe(sandbox.InitArgv0)
	if err != nil {
		return err
	}
	defer selfExe.Close()

	if err := enterNamespaces(); err != nil {
		return err
	}
	if err := setupFilesystem(cfg); err != nil {
		return err
	}
	if err := setupStdio(cfg.KeepStdio); err != nil {
		return err
	}

	// From here on "." is the grain var directory.
	if alreadyRunning() {
		os.Stdout.WriteString("Already running...\n")
		os.Exit(0)
	}

	logger := grainlog.Default()
	logger.Info("Starting up grain.")

	registerSignalHandlers()
	startWatchdog()

	apiSock, err := spawnChild(cfg, selfExe, ipTables)
	if err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	runSupervisor(cfg, apiSock)
	panic("unreachable")
}
