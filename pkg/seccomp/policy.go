// Package seccomp installs the sandbox syscall filter: default allow
// with targeted denials of syscall families the app has no business
// calling.
package seccomp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// MatchOp selects how a rule compares syscall argument zero.
type MatchOp int

// Argument comparison operators.
const (
	Equal MatchOp = iota + 1
	GreaterEqual
	MaskedEqual
)

// ArgMatch restricts a rule to calls whose first argument matches.
type ArgMatch struct {
	Op    MatchOp
	Value uint64
	Mask  uint64 // MaskedEqual only
}

// Rule denies one syscall, optionally conditioned on its first argument.
type Rule struct {
	Name  string
	Errno syscall.Errno
	Arg   *ArgMatch
}

// Policy describes the filter to install.
type Policy struct {
	// Devmode leaves most of ptrace usable for debugging, denying only
	// the requests that can rewrite the syscall number register and so
	// bypass the filter entirely.
	Devmode bool

	// DumpPFC writes the pseudo-filter-code rendering of the filter to
	// stdout before loading.
	DumpPFC bool
}

// Address families the app may not open sockets for. Everything above
// AF_NETLINK is also denied wholesale.
var blockedFamilies = []uint64{
	unix.AF_AX25,
	unix.AF_IPX,
	unix.AF_APPLETALK,
	unix.AF_NETROM,
	unix.AF_BRIDGE,
	unix.AF_ATMPVC,
	unix.AF_X25,
	unix.AF_ROSE,
	unix.AF_DECnet,
	unix.AF_NETBEUI,
	unix.AF_SECURITY,
	unix.AF_KEY,
}

// Syscalls that simply do not exist as far as the app is concerned.
var notImplemented = []string{
	// key management
	"add_key", "request_key", "keyctl",
	"syslog", "uselib", "personality", "acct",
	// 16-bit code is unnecessary in the sandbox, and modify_ldt is a
	// historic source of interesting information leaks
	"modify_ldt",
	// only useful for 32-bit programs; 64-bit programs use arch_prctl
	"set_thread_area",
	// nested sandboxing could be useful but the attack surface is large
	"unshare", "mount", "pivot_root", "quotactl",
	// AIO
	"io_setup", "io_destroy", "io_getevents", "io_submit", "io_cancel",
	"remap_file_pages", "mbind", "get_mempolicy", "set_mempolicy",
	"migrate_pages", "move_pages", "vmsplice",
	"set_robust_list", "get_robust_list",
	"perf_event_open",
}

// ptrace requests that can overwrite the syscall number register.
var ptraceWriteRequests = []uint64{
	unix.PTRACE_POKEUSR,
	unix.PTRACE_SETREGS,
	unix.PTRACE_SETFPREGS,
	unix.PTRACE_SETREGSET,
}

// Rules returns the denial table for the policy.
func (p Policy) Rules() []Rule {
	var rules []Rule

	if p.Devmode {
		for _, req := range ptraceWriteRequests {
			rules = append(rules, Rule{
				Name:  "ptrace",
				Errno: syscall.EPERM,
				Arg:   &ArgMatch{Op: Equal, Value: req},
			})
		}
	} else {
		rules = append(rules, Rule{Name: "ptrace", Errno: syscall.EPERM})
	}

	rules = append(rules, Rule{
		Name:  "socket",
		Errno: syscall.EAFNOSUPPORT,
		Arg:   &ArgMatch{Op: GreaterEqual, Value: unix.AF_NETLINK + 1},
	})
	for _, family := range blockedFamilies {
		rules = append(rules, Rule{
			Name:  "socket",
			Errno: syscall.EAFNOSUPPORT,
			Arg:   &ArgMatch{Op: Equal, Value: family},
		})
	}

	for _, name := range notImplemented {
		rules = append(rules, Rule{Name: name, Errno: syscall.ENOSYS})
	}

	rules = append(rules, Rule{
		Name:  "clone",
		Errno: syscall.EPERM,
		Arg:   &ArgMatch{Op: MaskedEqual, Value: unix.CLONE_NEWUSER, Mask: unix.CLONE_NEWUSER},
	})

	return rules
}
