//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// signalGroup asks the child's console group to stop with CTRL_BREAK for a
// graceful signal and terminates the process for SIGKILL. A process that no
// longer exists is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if sig != syscall.SIGKILL {
		err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return err
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
