package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

var empty = [...]byte{0}

// Start clones the child with SIGCHLD plus the configured namespace
// flags, remaps descriptors and re-execs the supervisor binary from the
// memfd. Returns the child pid.
func (r *Runner) Start() (int, error) {
	argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	// The child-side descriptor plan: fdTable[i] must land on
	// descriptor i. scratch is a descriptor number above everything in
	// the plan (and the exec fd), free for parking descriptors that
	// would otherwise be clobbered mid-shuffle. Both are fixed here, in
	// the parent, because the child may not allocate.
	fdTable := make([]int, len(r.Files))
	scratch := len(r.Files) + 1
	for i, f := range r.Files {
		fdTable[i] = int(f)
		if int(f) >= scratch {
			scratch = int(f) + 1
		}
	}
	if int(r.ExecFd) >= scratch {
		scratch = int(r.ExecFd) + 1
	}

	// socketpair p is used to report errors from the child before exec;
	// both ends are close_on_exec so a successful exec reads as EOF
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	pid, err1 := forkAndExecInChild(r, argv, env, fdTable, scratch, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(p, int(pid), err1)
}

func syncWithChild(p [2]int, pid int, err1 syscall.Errno) (int, error) {
	var err2 syscall.Errno

	unix.Close(p[1])

	// clone syscall failed
	if err1 != 0 {
		unix.Close(p[0])
		return 0, err1
	}

	// if the child wrote anything it failed before exec
	// (close_on_exec, so success reads as EOF)
	r1, _, errno := syscall.RawSyscall(syscall.SYS_READ, uintptr(p[0]), uintptr(unsafe.Pointer(&err2)), unsafe.Sizeof(err2))
	unix.Close(p[0])
	if r1 != 0 || errno != 0 {
		err := handlePipeError(r1, err2)
		handleChildFailed(pid)
		return 0, err
	}
	return pid, nil
}

// check pipe error
func handlePipeError(r1 uintptr, errno syscall.Errno) error {
	if r1 >= unsafe.Sizeof(errno) {
		return errno
	}
	return syscall.EPIPE
}

func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	// make sure not blocked
	syscall.Kill(pid, syscall.SIGKILL)
	// child failed; wait for it to exit, to make sure the zombies don't accumulate
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
