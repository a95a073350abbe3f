package lease

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Status classifies a lock file found under the lock root.
type Status string

const (
	StatusOK          Status = "ok"
	StatusStalePID    Status = "stale_pid"
	StatusStaleTTL    Status = "stale_ttl"
	StatusMissingMeta Status = "missing_meta"
	StatusError       Status = "error"
)

// LockInfo is one row of a lock inspection.
type LockInfo struct {
	Resource string        `json:"resource"`
	Owner    string        `json:"owner,omitempty"`
	Status   Status        `json:"status"`
	PID      int           `json:"pid,omitempty"`
	Age      time.Duration `json:"age"`
	Detail   string        `json:"detail,omitempty"`
	Removed  bool          `json:"removed,omitempty"`
}

// Inspect classifies every lock file without modifying anything. It reads
// the files directly so expired records are reported rather than reaped.
func (m *Manager) Inspect() ([]LockInfo, error) {
	resources, err := m.resources()
	if err != nil {
		return nil, err
	}
	now := m.nowUnix()
	infos := make([]LockInfo, 0, len(resources))
	for _, r := range resources {
		infos = append(infos, m.classify(r, now))
	}
	return infos, nil
}

func (m *Manager) classify(resource string, now float64) LockInfo {
	info := LockInfo{Resource: resource}
	leasePath, metaPath, err := m.paths(resource)
	if err != nil {
		info.Status, info.Detail = StatusError, err.Error()
		return info
	}

	l, err := readLease(leasePath)
	if err != nil {
		info.Status, info.Detail = StatusError, err.Error()
		return info
	}
	info.Owner = l.Owner
	info.Age = time.Duration((now - l.TS) * float64(time.Second))

	if !l.Live(now) {
		info.Status = StatusStaleTTL
		return info
	}

	meta, err := readMeta(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		info.Status = StatusMissingMeta
		return info
	}
	if err != nil {
		info.Status, info.Detail = StatusError, err.Error()
		return info
	}
	info.PID = meta.PID
	if meta.PID > 0 && !pidAlive(meta.PID) {
		info.Status = StatusStalePID
		return info
	}
	info.Status = StatusOK
	return info
}

// Prune removes stale locks (stale_pid, stale_ttl). With force, locks with
// missing or unreadable metadata are removed too. With dryRun nothing is
// deleted; the returned rows say what would have been.
func (m *Manager) Prune(dryRun, force bool) ([]LockInfo, error) {
	infos, err := m.Inspect()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range infos {
		if !prunable(infos[i].Status, force) {
			continue
		}
		if dryRun {
			continue
		}
		leasePath, metaPath, err := m.paths(infos[i].Resource)
		if err != nil {
			continue
		}
		if err := removeFiles(leasePath, metaPath); err != nil {
			return infos, fmt.Errorf("remove %s: %w", infos[i].Resource, err)
		}
		infos[i].Removed = true
	}
	return infos, nil
}

func prunable(st Status, force bool) bool {
	switch st {
	case StatusStalePID, StatusStaleTTL:
		return true
	case StatusMissingMeta, StatusError:
		return force
	}
	return false
}
