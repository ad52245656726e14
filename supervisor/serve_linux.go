package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandstorm-dev/grain-supervisor/pkg/diskwatch"
	"github.com/sandstorm-dev/grain-supervisor/pkg/grainlog"
	"github.com/sandstorm-dev/grain-supervisor/pkg/rpc"
	"github.com/sandstorm-dev/grain-supervisor/pkg/seccomp"
	"github.com/sandstorm-dev/grain-supervisor/pkg/unixsocket"
	"github.com/sandstorm-dev/grain-supervisor/supervisor/sandbox"
)

// socketName is the external RPC endpoint, relative to the supervisor
// directory.
const socketName = "socket"

// disconnectGrace is how long the supervisor waits for the child-death
// signal after the app drops the inner RPC socket, before declaring it
// stuck.
const disconnectGrace = time.Second

// childDeath reports a reaped child.
type childDeath struct {
	status unix.WaitStatus
}

// runSupervisor is the supervisor's steady state: serve RPC until the
// app dies or something fails. It does not return.
func runSupervisor(cfg *Config, apiSock *unixsocket.Socket) {
	logger := grainlog.Default()

	// The root directory is currently controlled by the app; if libc
	// were to read a config file from it, the grain could take over the
	// supervisor. Confine ourselves to the supervisor directory, then
	// shed everything the app shed.
	if err := unix.Chroot("."); err != nil {
		fatal(logger, "chroot", err)
	}
	if err := sandbox.DropPrivileges(); err != nil {
		fatal(logger, "drop privileges", err)
	}
	if err := seccomp.Install(seccomp.Policy{Devmode: cfg.Devmode, DumpPFC: cfg.SeccompDump}); err != nil {
		fatal(logger, "install seccomp", err)
	}

	// Normal child death arrives here; the emergency signal path covers
	// only supervisor termination.
	deathCh := watchChildDeath()

	watcher := diskwatch.New("")
	watchErr := make(chan error, 1)
	go func() { watchErr <- watcher.Run() }()

	// The inner session: our bootstrap is the grain API, the app's is
	// its main view.
	appSession := rpc.NewSession(apiSock, grainAPI{})

	bootstrap := &supervisorCap{app: appSession, watcher: watcher}
	os.Remove(socketName) // clear stale socket, if any
	listener, err := net.Listen("unix", socketName)
	if err != nil {
		fatal(logger, "listen", err)
	}
	os.Stdout.WriteString("Listening...\n")

	acceptErr := make(chan error, 1)
	go acceptLoop(listener, bootstrap, logger, acceptErr)

	select {
	case err := <-acceptErr:
		fatal(logger, "accept loop", err)
	case err := <-watchErr:
		fatal(logger, "disk watcher", err)
	case death := <-deathCh:
		exitForChild(death)
	case <-appSession.Done():
		// The app dropped the API socket. It probably exited and the
		// signal just hasn't landed; give it a moment so the exit
		// status can be reported, then kill.
		select {
		case death := <-deathCh:
			exitForChild(death)
		case <-time.After(disconnectGrace):
			logger.Info("App disconnected API socket but didn't actually exit; killing it.")
			killChildAndExit(1)
		}
	}
}

func fatal(logger *slog.Logger, what string, err error) {
	logger.Error(what, "error", err)
	killChildAndExit(1)
}

// watchChildDeath reaps the child when SIGCHLD arrives and reports its
// exit status.
func watchChildDeath() <-chan childDeath {
	deathCh := make(chan childDeath, 1)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)
	go func() {
		for range sigCh {
			pid := childPid.Load()
			if pid == 0 {
				continue
			}
			var status unix.WaitStatus
			_, err := unix.Wait4(int(pid), &status, 0, nil)
			for err == unix.EINTR {
				_, err = unix.Wait4(int(pid), &status, 0, nil)
			}
			if err != nil {
				continue
			}
			childPid.Store(0)
			deathCh <- childDeath{status: status}
			return
		}
	}()
	return deathCh
}

// exitForChild surfaces the app's exit status as the supervisor's exit
// message and exits.
func exitForChild(death childDeath) {
	if death.status.Signaled() {
		sig := death.status.Signal()
		grainlog.Emergency(fmt.Sprintf("App exited due to signal %d (%s).", int(sig), unix.SignalName(sig)))
		os.Exit(1)
	}
	code := death.status.ExitStatus()
	grainlog.Emergency(fmt.Sprintf("App exited with status code: %d", code))
	if code == 0 {
		os.Exit(0)
	}
	os.Exit(1)
}

// acceptLoop serves each external connection until it disconnects.
// Connection failures are logged but do not take the supervisor down;
// only an accept failure does.
func acceptLoop(listener net.Listener, bootstrap rpc.Object, logger *slog.Logger, acceptErr chan<- error) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		sess := rpc.NewSession(conn, bootstrap)
		go func() {
			<-sess.Done()
			if err := sess.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Error("connection failed", "error", err)
			}
		}()
	}
}
