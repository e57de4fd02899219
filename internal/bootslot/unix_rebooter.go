//go:build linux

package bootslot

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// UnixRebooter triggers a real system reboot via the reboot(2) syscall,
// syncing buffered writes first so the just-armed config record survives.
type UnixRebooter struct{}

// Reboot syncs and issues LINUX_REBOOT_CMD_RESTART.
func (UnixRebooter) Reboot() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("bootslot: reboot: %w", err)
	}
	return nil
}
