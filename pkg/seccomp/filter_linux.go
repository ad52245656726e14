package seccomp

import (
	"fmt"
	"os"
	"syscall"

	libseccomp "github.com/seccomp/libseccomp-golang"
)

// Install builds the filter and loads it into the current process.
// Call after the supervisor is done with the syscalls it denies (the
// sandbox init stage uses unshare-at-clone and mount itself).
func Install(p Policy) error {
	filter, err := Build(p)
	if err != nil {
		return err
	}
	defer filter.Release()

	if p.DumpPFC {
		filter.ExportPFC(os.Stdout)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("seccomp load: %w", err)
	}
	return nil
}

// Build translates the policy into a libseccomp filter context. The
// caller releases it.
func Build(p Policy) (*libseccomp.ScmpFilter, error) {
	filter, err := libseccomp.NewFilter(libseccomp.ActAllow)
	if err != nil {
		return nil, fmt.Errorf("seccomp init: %w", err)
	}

	// It's easy to inadvertently issue an x32 syscall (e.g. syscall(-1)).
	// Such syscalls should fail, but there's no need to kill the issuer.
	if err := filter.SetBadArchAction(errnoAction(syscall.ENOSYS)); err != nil {
		filter.Release()
		return nil, fmt.Errorf("seccomp bad-arch action: %w", err)
	}

	for _, rule := range p.Rules() {
		if err := addRule(filter, rule); err != nil {
			filter.Release()
			return nil, fmt.Errorf("seccomp rule %s: %w", rule.Name, err)
		}
	}
	return filter, nil
}

func addRule(filter *libseccomp.ScmpFilter, rule Rule) error {
	id, err := libseccomp.GetSyscallFromName(rule.Name)
	if err != nil {
		return err
	}
	action := errnoAction(rule.Errno)
	if rule.Arg == nil {
		return filter.AddRule(id, action)
	}

	var cond libseccomp.ScmpCondition
	switch rule.Arg.Op {
	case Equal:
		cond, err = libseccomp.MakeCondition(0, libseccomp.CompareEqual, rule.Arg.Value)
	case GreaterEqual:
		cond, err = libseccomp.MakeCondition(0, libseccomp.CompareGreaterEqual, rule.Arg.Value)
	case MaskedEqual:
		cond, err = libseccomp.MakeCondition(0, libseccomp.CompareMaskedEqual, rule.Arg.Mask, rule.Arg.Value)
	default:
		return fmt.Errorf("unknown arg match op %d", rule.Arg.Op)
	}
	if err != nil {
		return err
	}
	return filter.AddRuleConditional(id, action, []libseccomp.ScmpCondition{cond})
}

func errnoAction(errno syscall.Errno) libseccomp.ScmpAction {
	return libseccomp.ActErrno.SetReturnCode(int16(errno))
}
