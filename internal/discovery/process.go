package discovery

import (
	"errors"
	"os"
	"syscall"
)

// isProcessAlive reports whether pid refers to a running process. A process
// owned by another user (EPERM) counts as alive.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
