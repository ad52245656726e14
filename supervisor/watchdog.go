package supervisor

import (
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandstorm-dev/grain-supervisor/pkg/grainlog"
)

// The watchdog fires every 90 seconds; with the two-phase check that
// gives a keep-alive grace window of 90-180 seconds. Clients ping every
// minute, and a missed window is not the end of the world: the grain
// transparently starts back up on the next request.
const watchdogInterval = 90 * time.Second

// childPid is written only by the supervisor and read from termination
// paths; 0 means no child. keepAlive is set by the keepAlive RPC and
// cleared by the watchdog. Both are single word-sized stores.
var (
	childPid  atomic.Int64
	keepAlive atomic.Bool
)

// deathSignals are the signals whose default action is termination.
// SIGCHLD is absent: normal child death is observed by the serve loop,
// not the emergency path.
var deathSignals = []os.Signal{
	unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGILL, unix.SIGABRT,
	unix.SIGFPE, unix.SIGSEGV, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2,
	unix.SIGBUS, unix.SIGPOLL, unix.SIGPROF, unix.SIGSYS, unix.SIGTRAP,
	unix.SIGVTALRM, unix.SIGXCPU, unix.SIGXFSZ, unix.SIGSTKFLT, unix.SIGPWR,
}

// killChild SIGKILLs the child, if any. No waitpid: on supervisor exit
// the child is adopted by init, which reaps it.
func killChild() {
	if pid := childPid.Swap(0); pid != 0 {
		unix.Kill(int(pid), unix.SIGKILL)
	}
}

// killChildAndExit is the termination path shared by signals, the
// watchdog and the shutdown RPC.
func killChildAndExit(status int) {
	killChild()
	os.Exit(status)
}

// registerSignalHandlers routes the death signals to the emergency
// termination path.
func registerSignalHandlers() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, deathSignals...)
	go func() {
		for sig := range ch {
			switch sig {
			case unix.SIGINT, unix.SIGTERM:
				grainlog.Emergency("Grain supervisor terminated by signal.")
				killChildAndExit(0)
			default:
				grainlog.Emergency("Grain supervisor crashed due to signal.")
				killChildAndExit(1)
			}
		}
	}()
}

// startWatchdog arms the idle timer. Two-phase: the first expiry with no
// keep-alive only clears the flag; the second shuts the grain down.
func startWatchdog() {
	keepAlive.Store(true)
	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for range ticker.C {
			if keepAlive.Swap(false) {
				grainlog.Emergency("Grain still in use; staying up for now.")
				continue
			}
			grainlog.Emergency("Grain no longer in use; shutting down.")
			killChildAndExit(0)
		}
	}()
}
