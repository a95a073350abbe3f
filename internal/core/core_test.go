package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/reconpi/internal/lease"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/policy"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	name    string
	running bool
	starts  int
	stops   int
	ticks   int
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Start() {
	if !e.running {
		e.starts++
	}
	e.running = true
}

func (e *fakeEngine) Stop() {
	if e.running {
		e.stops++
	}
	e.running = false
}

func (e *fakeEngine) Tick(context.Context) { e.ticks++ }

func (e *fakeEngine) Health() models.EngineHealth {
	return models.EngineHealth{Name: e.name, OK: e.running}
}

type fixture struct {
	core   *Core
	store  *store.Store
	leases *lease.Manager
	wifi   *fakeEngine
	lan    *fakeEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	lm, err := lease.NewManager(filepath.Join(dir, "locks"))
	require.NoError(t, err)

	reg := NewEngineRegistry()
	wifi, lan := &fakeEngine{name: EngineWifi}, &fakeEngine{name: EngineLan}
	reg.Register(wifi)
	reg.Register(lan)

	pol := policy.NewFromConfig(policy.Config{AllowedTags: []string{"lab-approved"}})
	c := New(s, pol, lm, reg, DefaultConfig(), nil)
	require.NoError(t, c.Activate())
	return &fixture{core: c, store: s, leases: lm, wifi: wifi, lan: lan}
}

func (f *fixture) count(t *testing.T, topic string) int {
	t.Helper()
	evs, err := f.store.Tail(500, topic)
	require.NoError(t, err)
	n := 0
	for _, ev := range evs {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

func (f *fixture) handoff(t *testing.T, tag string) {
	t.Helper()
	_, err := f.store.Publish(TopicHandoffRequest, map[string]interface{}{"tag": tag})
	require.NoError(t, err)
}

func TestInitialState(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, models.StateWifiObserve, f.core.Status().State)
	assert.True(t, f.wifi.running)
	assert.False(t, f.lan.running)

	cur, err := f.leases.Current("wifi")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "core:WIFI_OBSERVE", cur.Owner)
}

func TestHandoffAllowed(t *testing.T) {
	f := newFixture(t)
	f.handoff(t, "lab-approved")

	require.NoError(t, f.core.Tick(context.Background()))
	assert.Equal(t, models.StateLanOps, f.core.Status().State)
	assert.False(t, f.wifi.running)
	assert.True(t, f.lan.running)
	assert.Equal(t, 2, f.count(t, "core.state.changed"))

	cur, err := f.leases.Current("wifi")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "core:LAN_OPS", cur.Owner)

	// already handled: a second tick changes nothing
	require.NoError(t, f.core.Tick(context.Background()))
	assert.Equal(t, 2, f.count(t, "core.state.changed"))
	assert.Equal(t, 0, f.count(t, "core.handoff.ignored"))
}

func TestHandoffBlocked(t *testing.T) {
	f := newFixture(t)
	f.handoff(t, "untrusted")

	require.NoError(t, f.core.Tick(context.Background()))
	assert.Equal(t, models.StateWifiObserve, f.core.Status().State)
	assert.Equal(t, 1, f.count(t, "policy.blocked"))
	assert.Equal(t, 0, f.count(t, "core.state.changed"))
}

func TestLanDoneReturnsToWifi(t *testing.T) {
	f := newFixture(t)
	f.handoff(t, "lab-approved")
	require.NoError(t, f.core.Tick(context.Background()))

	_, err := f.store.Publish(TopicLanDone, map[string]interface{}{})
	require.NoError(t, err)
	require.NoError(t, f.core.Tick(context.Background()))

	assert.Equal(t, models.StateWifiObserve, f.core.Status().State)
	assert.True(t, f.wifi.running)
	assert.False(t, f.lan.running)
	assert.Equal(t, 2, f.wifi.starts)
}

func TestLeaseDenied(t *testing.T) {
	f := newFixture(t)
	_, err := f.leases.Release("wifi", "core:WIFI_OBSERVE")
	require.NoError(t, err)
	ok, err := f.leases.Acquire("wifi", "intruder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.core.SetState(models.StateWifiObserve, "retry"))
	assert.False(t, f.wifi.running)
	assert.False(t, f.lan.running)
	assert.Contains(t, f.core.Status().Note, "denied")
	assert.Equal(t, 1, f.count(t, "core.resource.denied"))

	// still held: the next tick is denied again
	require.NoError(t, f.core.Tick(context.Background()))
	assert.False(t, f.wifi.running)

	_, err = f.leases.Release("wifi", "intruder")
	require.NoError(t, err)
	require.NoError(t, f.core.Tick(context.Background()))
	assert.True(t, f.wifi.running)
}

func TestPrimeSkipsHistory(t *testing.T) {
	f := newFixture(t)
	f.handoff(t, "lab-approved")
	require.NoError(t, f.core.Prime())

	require.NoError(t, f.core.Tick(context.Background()))
	assert.Equal(t, models.StateWifiObserve, f.core.Status().State)
}

func TestTickPublishesHealth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.core.Tick(context.Background()))
	assert.Equal(t, 1, f.wifi.ticks)
	assert.Equal(t, 1, f.lan.ticks)

	evs, err := f.store.Tail(1, "core.health")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "WIFI_OBSERVE", evs[0].Payload["state"])
	assert.Len(t, evs[0].Payload["engines"], 2)
}

func TestEngineRegistry(t *testing.T) {
	reg := NewEngineRegistry()
	reg.Register(&fakeEngine{name: "b"})
	reg.Register(&fakeEngine{name: "a"})
	assert.Nil(t, reg.Get("c"))

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name())

	now := time.Now()
	for _, h := range reg.HealthAll(now) {
		assert.Equal(t, now, h.TS)
	}
}
