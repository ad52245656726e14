package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Reference to src/syscall/exec_linux.go
//
//go:norace
func forkAndExecInChild(r *Runner, argv, env []*byte, fdTable []int, scratch int, p [2]int) (r1 uintptr, err1 syscall.Errno) {
	pipe := p[1]
	execFd := r.ExecFd

	// Acquire the fork lock so that no other threads
	// create new fds that are not yet close-on-exec
	// before we fork.
	syscall.ForkLock.Lock()

	// About to call fork.
	// No more allocation or calls of non-assembly functions.
	beforeFork()

	// The new network namespace is activated by the clone flags
	r1, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD)|r.CloneFlags, 0, 0, 0, 0, 0)
	if err1 != 0 || r1 != 0 {
		// in parent process, immediate return
		return
	}

	// In child process
	afterForkInChild()
	// Notice: cannot call any GO functions beyond this point

	// Close parent end of the sync pipe
	if _, _, err1 = syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(p[0]), 0, 0); err1 != 0 {
		goto childerror
	}

	// Park the sync pipe and the exec fd in the scratch range so the
	// descriptor shuffle below cannot clobber them. The pipe may
	// already sit above the range; the exec fd is parked regardless.
	if pipe < scratch {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(pipe), uintptr(scratch), syscall.O_CLOEXEC)
		if err1 != 0 {
			goto childerror
		}
		pipe = scratch
		scratch++
	}
	for scratch == pipe {
		scratch++
	}
	_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, execFd, uintptr(scratch), syscall.O_CLOEXEC)
	if err1 != 0 {
		goto childerror
	}
	execFd = uintptr(scratch)
	scratch++

	// First move every descriptor that sits below its planned slot out
	// of the way, so laying the plan down in order cannot overwrite a
	// still-needed source.
	for i := 0; i < len(fdTable); i++ {
		if fdTable[i] < i {
			for scratch == pipe {
				scratch++
			}
			_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(fdTable[i]), uintptr(scratch), syscall.O_CLOEXEC)
			if err1 != 0 {
				goto childerror
			}
			fdTable[i] = scratch
			scratch++
		}
	}
	// Now fdTable[i] >= i everywhere; place each descriptor on its slot.
	for i := 0; i < len(fdTable); i++ {
		if fdTable[i] == i {
			// dup3(i, i) is an error; clear close-on-exec in place so
			// the descriptor survives the exec
			_, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(fdTable[i]), syscall.F_SETFD, 0)
			if err1 != 0 {
				goto childerror
			}
			continue
		}
		_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(fdTable[i]), uintptr(i), 0)
		if err1 != 0 {
			goto childerror
		}
	}

	// time to exec the supervisor binary from the sealed memfd
	_, _, err1 = syscall.RawSyscall6(unix.SYS_EXECVEAT, execFd,
		uintptr(unsafe.Pointer(&empty[0])),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&env[0])), unix.AT_EMPTY_PATH, 0)

childerror:
	// send error code on pipe
	syscall.RawSyscall(unix.SYS_WRITE, uintptr(pipe), uintptr(unsafe.Pointer(&err1)), unsafe.Sizeof(err1))
	for {
		syscall.RawSyscall(syscall.SYS_EXIT, uintptr(err1), 0, 0)
	}
	// cannot reach this point
}
