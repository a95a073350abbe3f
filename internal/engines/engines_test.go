package engines

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/connectors"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/policy"
	"github.com/fentz26/reconpi/internal/stages"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noConnector struct{}

func (noConnector) Name() string { return "none" }

func (noConnector) IsAllowed(string, []string) bool { return false }

func (noConnector) Execute(context.Context, string, []string) (*connectors.ExecResult, error) {
	return nil, os.ErrPermission
}

func newRunner(t *testing.T) (*actions.Runner, *actions.Registry, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "engines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	pol := policy.NewFromConfig(policy.Config{AllowedScopes: []string{"10.0.10.0/24"}})
	reg := actions.NewRegistry()
	return actions.NewRunner(reg, s, s, pol, noConnector{}, nil), reg, s
}

func topics(t *testing.T, s *store.Store, prefix string) []string {
	t.Helper()
	evs, err := s.Tail(200, prefix)
	require.NoError(t, err)
	var out []string
	for _, ev := range evs {
		out = append(out, ev.Topic)
	}
	return out
}

func TestLanRunsJobsAndSignalsDone(t *testing.T) {
	runner, reg, s := newRunner(t)
	require.NoError(t, reg.Register(models.ActionSpec{ID: "net.host_discovery", Category: "network_scan", Driver: models.DriverExternalStub}))

	_, err := s.Enqueue(models.Job{ID: "ok", Kind: "lan.net.host_discovery", Scope: "10.0.10.0/24"})
	require.NoError(t, err)
	_, err = s.Enqueue(models.Job{ID: "out", Kind: "lan.net.host_discovery", Scope: "192.168.1.0/24"})
	require.NoError(t, err)
	_, err = s.Enqueue(models.Job{ID: "other", Kind: "ai_plan"})
	require.NoError(t, err)

	lan := NewLan(s, runner, DefaultLanConfig(), nil)
	lan.Tick(context.Background())
	assert.Empty(t, topics(t, s, "lan.job."), "stopped engine does nothing")

	lan.Start()
	lan.Tick(context.Background())
	lan.Tick(context.Background())
	lan.Tick(context.Background())

	done, err := s.GetJob("ok")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, done.Status)

	rejected, err := s.GetJob("out")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, rejected.Status)
	assert.Contains(t, rejected.Note, actions.ReasonScopeNotAllowed)

	untouched, err := s.GetJob("other")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, untouched.Status)

	assert.Len(t, topics(t, s, "lan.done"), 1)
	// idle ticks do not repeat lan.done
	lan.Tick(context.Background())
	assert.Len(t, topics(t, s, "lan.done"), 1)

	h := lan.Health()
	assert.True(t, h.OK)
	assert.Contains(t, h.Detail, "processed=2")

	lan.Stop()
	lan.Stop()
	assert.Len(t, topics(t, s, "lan.engine.stopped"), 1)
}

func TestLanStagesRiskyJobUntilApproved(t *testing.T) {
	runner, reg, s := newRunner(t)
	require.NoError(t, reg.Register(models.ActionSpec{
		ID: "vuln.assess_basic", Category: "vuln_assess", Driver: models.DriverExternalStub, Risk: models.RiskCaution,
	}))
	_, err := s.Enqueue(models.Job{ID: "vuln", Kind: "lan.vuln.assess_basic", Scope: "10.0.10.5"})
	require.NoError(t, err)

	book := stages.NewBook(s)
	lan := NewLan(s, runner, DefaultLanConfig(), nil)
	lan.SetStages(book)
	lan.Start()
	lan.Tick(context.Background())

	job, err := s.GetJob("vuln")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusBlocked, job.Status)

	entries, err := book.List(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	stage := entries[0].Request
	assert.Equal(t, "vuln", stage.JobID)
	assert.Equal(t, "vuln.assess_basic", stage.ActionID)
	assert.Equal(t, "10.0.10.5", stage.Scope)
	assert.Equal(t, stage.ID, stages.StageRequestID(job.Note))
	assert.Len(t, topics(t, s, "lan.job.blocked"), 1)

	// still parked until a human approves
	lan.Tick(context.Background())
	job, _ = s.GetJob("vuln")
	assert.Equal(t, models.JobStatusBlocked, job.Status)

	_, _, err = book.Approve(stage.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, s.MarkQueued("vuln", stages.ResumeNote(stage.StepIndex, stage.ID)))
	lan.Tick(context.Background())

	job, err = s.GetJob("vuln")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, job.Status)
	entries, _ = book.List(10)
	assert.Len(t, entries, 1, "resumed run does not stage again")
}

func TestLanWithoutStagesFailsRiskyJob(t *testing.T) {
	runner, reg, s := newRunner(t)
	require.NoError(t, reg.Register(models.ActionSpec{
		ID: "vuln.assess_basic", Category: "vuln_assess", Driver: models.DriverExternalStub, Risk: models.RiskDanger,
	}))
	_, err := s.Enqueue(models.Job{ID: "vuln", Kind: "lan.vuln.assess_basic", Scope: "10.0.10.5"})
	require.NoError(t, err)

	lan := NewLan(s, runner, DefaultLanConfig(), nil)
	lan.Start()
	lan.Tick(context.Background())

	job, err := s.GetJob("vuln")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Note, actions.ReasonStageRequired)
}

type flakyStore struct {
	*store.Store
	failPops int
}

func (f *flakyStore) PopNextKind(prefixes ...string) (*models.Job, error) {
	if f.failPops > 0 {
		f.failPops--
		return nil, errors.New("database is locked")
	}
	return f.Store.PopNextKind(prefixes...)
}

func TestLanHealthRecoversAfterError(t *testing.T) {
	runner, _, s := newRunner(t)
	flaky := &flakyStore{Store: s, failPops: 1}

	lan := NewLan(flaky, runner, DefaultLanConfig(), nil)
	lan.Start()

	lan.Tick(context.Background())
	h := lan.Health()
	assert.False(t, h.OK)
	assert.Contains(t, h.Detail, "database is locked")

	lan.Tick(context.Background())
	h = lan.Health()
	assert.True(t, h.OK)
	assert.Contains(t, h.Detail, "running")
}

func TestWifiScansOnInterval(t *testing.T) {
	runner, reg, s := newRunner(t)

	table := filepath.Join(t.TempDir(), "wireless")
	require.NoError(t, os.WriteFile(table, []byte(
		"Inter-| sta-|   Quality        |   Discarded packets               | Missed | WE\n"+
			" face | tus | link level noise |  nwid  crypt   frag  retry   misc | beacon | 22\n"+
			" wlan0: 0000   54.  -56.  -256        0      0      0      0      3        0\n"), 0o644))
	require.NoError(t, reg.Register(models.ActionSpec{ID: ActionWifiScan, Category: "wifi_observe", Driver: models.DriverBuiltin}))
	reg.RegisterBuiltin(ActionWifiScan, WifiScanBuiltin(table))

	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	wifi := NewWifi(s, runner, reg, WifiConfig{Enabled: true, ScanInterval: time.Minute}, nil)
	wifi.SetClock(func() time.Time { return clock })
	wifi.Start()

	wifi.Tick(context.Background())
	wifi.Tick(context.Background())
	assert.Len(t, topics(t, s, "wifi.scan.done"), 1)

	clock = clock.Add(2 * time.Minute)
	wifi.Tick(context.Background())
	assert.Len(t, topics(t, s, "wifi.engine.tick"), 2)
	assert.Contains(t, wifi.Health().Detail, "scans=2")
}

func TestReadWireless(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wireless")
	require.NoError(t, os.WriteFile(path, []byte(
		"header\nheader\n wlan0: 0000   70.  -40.  -256        0      0      0      0      0        7\n"+
			" wlan1: 0000   0   0   0\n"), 0o644))

	ifaces, err := ReadWireless(path)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "wlan0", ifaces[0].Name)
	assert.Equal(t, 70.0, ifaces[0].Link)
	assert.Equal(t, -40.0, ifaces[0].Level)
	assert.Equal(t, 7, ifaces[0].Missed)

	_, err = ReadWireless(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
