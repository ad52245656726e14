package supervisor

import (
	"net"
	"time"

	"github.com/sandstorm-dev/grain-supervisor/pkg/rpc"
)

// alreadyRunning attempts to connect to an existing supervisor at the
// well-known socket in the current directory and keep-alive it. True
// means another supervisor serves this grain and this process should
// exit quietly. Any failure means the socket is stale (or the other
// supervisor died mid-handshake) and startup proceeds.
func alreadyRunning() bool {
	conn, err := net.DialTimeout("unix", socketName, time.Second)
	if err != nil {
		return false
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	sess := rpc.NewSession(conn, nil)
	defer sess.Close()
	_, err = sess.Call(rpc.BootstrapID, "keepAlive", nil)
	return err == nil
}
