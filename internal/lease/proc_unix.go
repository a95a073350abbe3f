//go:build !windows

package lease

import (
	"errors"
	"syscall"
)

func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	// EPERM means the process exists under another user.
	return err == nil || errors.Is(err, syscall.EPERM)
}
