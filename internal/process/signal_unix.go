//go:build !windows

package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to the process group led by pid, falling back to
// the single pid when the group is already gone. A process that no longer
// exists is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
