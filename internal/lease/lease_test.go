package lease

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.SetClock(clk.now)
	return m, clk
}

func TestAcquireExpiresAfterTTL(t *testing.T) {
	m, clk := newTestManager(t)

	ok, err := m.Acquire("wifi", "A", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Before ttl elapses a different owner is refused
	clk.advance(500 * time.Millisecond)
	ok, err = m.Acquire("wifi", "B", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// After ttl elapses it succeeds
	clk.advance(600 * time.Millisecond)
	ok, err = m.Acquire("wifi", "B", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	cur, err := m.Current("wifi")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "B", cur.Owner)
}

func TestAcquireRenewal(t *testing.T) {
	m, clk := newTestManager(t)

	ok, _ := m.Acquire("wifi", "A", 2*time.Second)
	require.True(t, ok)
	clk.advance(1500 * time.Millisecond)

	ok, err := m.Acquire("wifi", "A", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "same owner renews")

	// Renewal extended the lease past the original expiry
	clk.advance(time.Second)
	cur, _ := m.Current("wifi")
	require.NotNil(t, cur)
	assert.Equal(t, "A", cur.Owner)
}

func TestRelease(t *testing.T) {
	m, _ := newTestManager(t)

	ok, err := m.Release("wifi", "A")
	require.NoError(t, err)
	assert.True(t, ok, "releasing an absent lease is a no-op success")

	m.Acquire("wifi", "A", time.Minute)

	ok, err = m.Release("wifi", "B")
	require.NoError(t, err)
	assert.False(t, ok, "other owner cannot release")
	cur, _ := m.Current("wifi")
	require.NotNil(t, cur)

	ok, err = m.Release("wifi", "A")
	require.NoError(t, err)
	assert.True(t, ok)
	cur, _ = m.Current("wifi")
	assert.Nil(t, cur)

	_, err = os.Stat(filepath.Join(m.Root(), "wifi.meta.json"))
	assert.True(t, os.IsNotExist(err), "sidecar removed with lease")
}

func TestCurrentRemovesExpired(t *testing.T) {
	m, clk := newTestManager(t)

	m.Acquire("wifi", "A", time.Second)
	clk.advance(2 * time.Second)

	cur, err := m.Current("wifi")
	require.NoError(t, err)
	assert.Nil(t, cur)

	_, err = os.Stat(filepath.Join(m.Root(), "wifi.json"))
	assert.True(t, os.IsNotExist(err), "expired lease file is removed on read")
}

func TestCorruptRecordIsAbsent(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "wifi.json"), []byte("{not json"), 0o644))
	ok, err := m.Acquire("wifi", "A", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNoTempFilesLeft(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 5; i++ {
		m.Acquire("wifi", "A", time.Minute)
	}
	entries, err := os.ReadDir(m.Root())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"wifi.json", "wifi.meta.json"}, names)
}

func TestInvalidResource(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Acquire("../etc", "A", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidResource)
	_, err = m.Current("")
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestSnapshot(t *testing.T) {
	m, clk := newTestManager(t)

	m.Acquire("wifi", "core:WIFI_OBSERVE", time.Minute)
	m.Acquire("lan", "core:LAN_OPS", time.Second)
	clk.advance(2 * time.Second)

	leases, err := m.Snapshot()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "wifi", leases[0].Resource)
}

func TestInspectAndPrune(t *testing.T) {
	m, clk := newTestManager(t)

	m.Acquire("live", "A", time.Hour)
	m.Acquire("expired", "A", time.Second)
	m.Acquire("nometa", "A", time.Hour)
	require.NoError(t, os.Remove(filepath.Join(m.Root(), "nometa.meta.json")))
	clk.advance(2 * time.Second)

	infos, err := m.Inspect()
	require.NoError(t, err)
	byName := map[string]Status{}
	for _, info := range infos {
		byName[info.Resource] = info.Status
	}
	assert.Equal(t, StatusOK, byName["live"])
	assert.Equal(t, StatusStaleTTL, byName["expired"])
	assert.Equal(t, StatusMissingMeta, byName["nometa"])

	// Dry run removes nothing
	_, err = m.Prune(true, true)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(m.Root(), "expired.json"))
	require.NoError(t, err)

	infos, err = m.Prune(false, false)
	require.NoError(t, err)
	for _, info := range infos {
		assert.Equal(t, info.Resource == "expired", info.Removed, info.Resource)
	}

	_, err = m.Prune(false, true)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(m.Root(), "nometa.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(m.Root(), "live.json"))
	assert.NoError(t, err)
}
