package forkexec

import (
	"syscall"
	_ "unsafe" // for go:linkname
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// prepareExec prepares execveat parameters
func prepareExec(args, env []string) ([]*byte, []*byte, error) {
	argv, err := syscall.SlicePtrFromStrings(args)
	if err != nil {
		return nil, nil, err
	}
	envp, err := syscall.SlicePtrFromStrings(env)
	if err != nil {
		return nil, nil, err
	}
	return argv, envp, nil
}
