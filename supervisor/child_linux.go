package supervisor

import (
	"fmt"
	"os"

	"github.com/sandstorm-dev/grain-supervisor/pkg/forkexec"
	"github.com/sandstorm-dev/grain-supervisor/pkg/unixsocket"
	"github.com/sandstorm-dev/grain-supervisor/supervisor/sandbox"
	"golang.org/x/sys/unix"
)

// spawnChild creates the RPC socket pair and forks the sandbox child.
// The child enters the new network namespace at clone time, gets the
// socket on fd 3 and a copy of stderr as its stdout (the real stdout is
// the supervisor's readiness channel), and re-execs the supervisor
// binary from the sealed memfd as the init stage. Returns the
// supervisor's end of the socket pair.
func spawnChild(cfg *Config, selfExe *os.File, ipTables bool) (*unixsocket.Socket, error) {
	ours, theirs, err := unixsocket.NewSocketPair()
	if err != nil {
		return nil, err
	}

	theirFile, err := theirs.File()
	if err != nil {
		ours.Close()
		theirs.Close()
		return nil, fmt.Errorf("dup child socket end: %w", err)
	}
	defer theirFile.Close()
	theirs.Close()

	initCfg := &sandbox.InitConfig{
		Command:     cfg.Command,
		Environment: cfg.Environment,
		MountProc:   cfg.MountProc,
		Devmode:     cfg.Devmode,
		SeccompDump: cfg.SeccompDump,
		IPTables:    ipTables,
	}
	envEntry, err := initCfg.Encode()
	if err != nil {
		ours.Close()
		return nil, err
	}

	r := &forkexec.Runner{
		Args:       []string{sandbox.InitArgv0, sandbox.InitArg},
		Env:        []string{envEntry},
		ExecFd:     selfExe.Fd(),
		Files:      []uintptr{0, 2, 2, theirFile.Fd()},
		CloneFlags: unix.CLONE_NEWNET,
	}
	pid, err := r.Start()
	if err != nil {
		ours.Close()
		return nil, fmt.Errorf("fork sandbox child: %w", err)
	}
	childPid.Store(int64(pid))
	return ours, nil
}
