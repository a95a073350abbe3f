//go:build windows

package lease

import "os"

func pidAlive(pid int) bool {
	// FindProcess opens a handle on Windows and fails for dead pids.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
