// Package lease provides short-TTL, file-backed mutual exclusion between
// operating modes.
//
// Each resource has one record at <root>/<resource>.json holding owner, ts
// and ttl, and a sidecar <root>/<resource>.meta.json with the writing
// process id and purpose for external stale-lock tooling. Records are
// replaced atomically through a temporary file and rename.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/reconpi/internal/models"
)

const (
	leaseExt = ".json"
	metaExt  = ".meta.json"
)

// ErrInvalidResource indicates a resource name that cannot be a file name.
var ErrInvalidResource = errors.New("invalid resource name")

// Meta is the diagnostic sidecar written next to a lease.
type Meta struct {
	Path      string  `json:"path"`
	PID       int     `json:"pid"`
	CreatedAt float64 `json:"created_at"`
	Hostname  string  `json:"hostname"`
	Purpose   string  `json:"purpose"`
}

// Manager grants and releases leases under a lock root directory.
type Manager struct {
	root string
	now  func() time.Time

	// mu serializes read-check-write within this process.
	mu sync.Mutex
}

// NewManager creates a Manager rooted at dir, creating it if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create lock root: %w", err)
	}
	return &Manager{root: root, now: time.Now}, nil
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Root returns the lock root directory.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) nowUnix() float64 {
	return float64(m.now().UnixNano()) / 1e9
}

func (m *Manager) paths(resource string) (string, string, error) {
	if resource == "" || strings.ContainsAny(resource, `/\`) || resource == "." || resource == ".." {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	base := filepath.Join(m.root, resource)
	return base + leaseExt, base + metaExt, nil
}

// Acquire grants resource to owner for ttl. It succeeds when no live lease
// exists or owner already holds it (renewal) and fails fast otherwise.
func (m *Manager) Acquire(resource, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leasePath, metaPath, err := m.paths(resource)
	if err != nil {
		return false, err
	}

	cur, err := m.current(resource, leasePath, metaPath)
	if err != nil {
		return false, err
	}
	if cur != nil && cur.Owner != owner {
		return false, nil
	}

	now := m.nowUnix()
	l := models.Lease{Resource: resource, Owner: owner, TS: now, TTL: ttl.Seconds()}
	if err := writeJSONAtomic(leasePath, l); err != nil {
		return false, fmt.Errorf("write lease: %w", err)
	}

	meta := Meta{Path: leasePath, PID: os.Getpid(), CreatedAt: now, Purpose: owner}
	meta.Hostname, _ = os.Hostname()
	if cur != nil {
		if prev, err := readMeta(metaPath); err == nil {
			meta.CreatedAt = prev.CreatedAt
		}
	}
	if err := writeJSONAtomic(metaPath, meta); err != nil {
		return false, fmt.Errorf("write lease meta: %w", err)
	}
	return true, nil
}

// Release drops owner's lease. Releasing an absent lease succeeds; a lease
// held by someone else is left in place and Release reports false.
func (m *Manager) Release(resource, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leasePath, metaPath, err := m.paths(resource)
	if err != nil {
		return false, err
	}
	cur, err := m.current(resource, leasePath, metaPath)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return true, nil
	}
	if cur.Owner != owner {
		return false, nil
	}
	if err := removeFiles(leasePath, metaPath); err != nil {
		return false, fmt.Errorf("remove lease: %w", err)
	}
	return true, nil
}

// Current returns the live lease on resource, or nil. Expired leases are
// removed as a side effect.
func (m *Manager) Current(resource string) (*models.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leasePath, metaPath, err := m.paths(resource)
	if err != nil {
		return nil, err
	}
	return m.current(resource, leasePath, metaPath)
}

func (m *Manager) current(resource, leasePath, metaPath string) (*models.Lease, error) {
	l, err := readLease(leasePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		// Unreadable records count as absent.
		_ = removeFiles(leasePath, metaPath)
		return nil, nil
	}
	if !l.Live(m.nowUnix()) {
		if err := removeFiles(leasePath, metaPath); err != nil {
			return nil, fmt.Errorf("expire lease %s: %w", resource, err)
		}
		return nil, nil
	}
	return l, nil
}

// Snapshot returns every live lease, sorted by resource.
func (m *Manager) Snapshot() ([]models.Lease, error) {
	resources, err := m.resources()
	if err != nil {
		return nil, err
	}
	var out []models.Lease
	for _, r := range resources {
		l, err := m.Current(r)
		if err != nil {
			return nil, err
		}
		if l != nil {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *Manager) resources() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read lock root: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaExt) || !strings.HasSuffix(name, leaseExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, leaseExt))
	}
	sort.Strings(out)
	return out, nil
}

func readLease(path string) (*models.Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l models.Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	return &l, nil
}

func readMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &meta, nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func removeFiles(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
