package sandbox

import (
	"fmt"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// DropPrivileges clears every process capability set. Performed in both
// the supervisor and the child, after fork: the clone into the new
// network namespace uses the supervisor's capabilities, and the child
// uses its own to configure that namespace and mount proc.
//
// Also sets the umask so grain data is private to user and group: a
// dedicated sandbox account can share a group with a real administrator
// who should see the data directly.
func DropPrivileges() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("read capabilities: %w", err)
	}
	caps.Clear(capability.CAPS)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("drop capabilities: %w", err)
	}
	unix.Umask(0007)
	return nil
}
