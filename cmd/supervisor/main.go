// Command supervisor runs a grain supervisor for the grain <grain-id>,
// an instance of app <app-name>, executing <command> inside the grain
// sandbox.
package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/sandstorm-dev/grain-supervisor/supervisor"
	"github.com/sandstorm-dev/grain-supervisor/supervisor/sandbox"
)

// stage2Marker is appended to the argv of the re-exec'd process that is
// already inside the namespaces. It trails the command arguments so it
// can never collide with app flags.
const stage2Marker = "--internal-sandboxed"

func main() {
	// sandbox init stage hook; noop outside the sandbox
	sandbox.Init()

	cfg, sandboxed := parseFlags()
	if err := cfg.Validate(); err != nil {
		exitWithError(err)
	}

	if !sandboxed {
		code, err := supervisor.Relaunch(os.Args[1:], stage2Marker)
		if err != nil {
			exitWithError(err)
		}
		os.Exit(code)
	}

	if err := supervisor.Run(cfg); err != nil {
		exitWithError(err)
	}
}

func parseFlags() (*supervisor.Config, bool) {
	flags := flag.NewFlagSet("supervisor", flag.ExitOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"usage: supervisor [options] <app-name> <grain-id> <command> [<arg>...]\n\n%s",
			flags.FlagUsages())
	}

	cfg := &supervisor.Config{}
	flags.StringVar(&cfg.PkgPath, "pkg", "",
		"Set directory containing the app package. Defaults to '/var/sandstorm/apps/<app-name>'.")
	flags.StringVar(&cfg.VarPath, "var", "",
		"Set directory where grain's mutable persistent data will be stored. Defaults to '/var/sandstorm/grains/<grain-id>'.")
	flags.StringArrayVarP(&cfg.Environment, "env", "e", nil,
		"Set the environment variable <name> to <val> inside the sandbox. Note that *no* environment variables are set by default.")
	flags.BoolVar(&cfg.MountProc, "proc", false,
		"Mount procfs inside the sandbox. For security reasons, this is NOT RECOMMENDED during normal use, but it may be useful for debugging.")
	flags.BoolVar(&cfg.KeepStdio, "stdio", false,
		"Don't redirect the sandbox's stdio. Useful for debugging.")
	flags.BoolVar(&cfg.Devmode, "dev", false,
		"Allow some system calls useful for debugging which are blocked in production.")
	flags.BoolVar(&cfg.SeccompDump, "seccomp-dump-pfc", false,
		"Dump seccomp PFC output.")
	flags.BoolVarP(&cfg.IsNew, "new", "n", false,
		"Initializes a new grain. (Otherwise, runs an existing one.)")

	flags.Parse(os.Args[1:])

	args := flags.Args()
	sandboxed := false
	if n := len(args); n > 0 && args[n-1] == stage2Marker {
		args = args[:n-1]
		sandboxed = true
	}
	if len(args) < 3 {
		flags.Usage()
		os.Exit(1)
	}
	cfg.AppName = args[0]
	cfg.GrainID = args[1]
	cfg.Command = args[2:]

	if cfg.MountProc && !sandboxed {
		fmt.Fprintln(os.Stderr, "WARNING: --proc is dangerous. Only use it when debugging code you trust.")
	}
	return cfg, sandboxed
}

func exitWithError(err error) {
	var userErr *supervisor.UserError
	if errors.As(err, &userErr) {
		fmt.Fprintln(os.Stderr, userErr.Msg)
	} else {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
	}
	os.Exit(1)
}
