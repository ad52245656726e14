// Package unixsocket provides the stream socket pair connecting the
// supervisor to the sandboxed app.
package unixsocket

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Socket wraps one end of a connected unix stream socket pair.
type Socket struct {
	*net.UnixConn
}

// NewSocket creates a Socket from an existing unix socket fd and marks it
// close_on_exec (avoid fd leak). The fd is duplicated; the caller keeps
// ownership of the original.
func NewSocket(fd int) (*Socket, error) {
	dup, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), syscall.F_DUPFD_CLOEXEC, 0)
	if errno != 0 {
		return nil, fmt.Errorf("NewSocket: fd(%d) is not a valid fd", fd)
	}
	file := os.NewFile(dup, "unix-socket")
	defer file.Close()
	syscall.CloseOnExec(fd)
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("NewSocket: fd(%d) is not a unix socket", fd)
	}
	return &Socket{unixConn}, nil
}

// NewSocketPair creates a connected unix socket pair using SOCK_STREAM.
// Both ends are close_on_exec; the end handed to the sandboxed child is
// re-dup'd with the flag cleared at exec time.
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("NewSocketPair: socketpair %v", err)
	}
	ins, err := NewSocket(fd[0])
	syscall.Close(fd[0])
	if err != nil {
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("NewSocketPair: ins %v", err)
	}
	outs, err := NewSocket(fd[1])
	syscall.Close(fd[1])
	if err != nil {
		ins.Close()
		return nil, nil, fmt.Errorf("NewSocketPair: outs %v", err)
	}
	return ins, outs, nil
}

// File returns a dup'd os.File for the underlying fd, for handing the
// descriptor to a child process.
func (s *Socket) File() (*os.File, error) {
	return s.UnixConn.File()
}
