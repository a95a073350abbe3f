package engines

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/models"
)

// ActionWifiScan is run on each scan interval when registered.
const ActionWifiScan = "wifi.scan"

// WifiConfig configures the WiFi engine.
type WifiConfig struct {
	Enabled      bool
	SafeMode     bool
	ScanInterval time.Duration
}

// DefaultWifiConfig returns the default WiFi configuration.
func DefaultWifiConfig() WifiConfig {
	return WifiConfig{Enabled: true, SafeMode: true, ScanInterval: time.Minute}
}

// Wifi observes the radio environment while the core is in WIFI_OBSERVE.
type Wifi struct {
	bus     Publisher
	runner  ActionRunner
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cfg      WifiConfig
	running  bool
	lastScan time.Time
	scans    int
	lastErr  string
}

// NewWifi creates a stopped WiFi engine. runner and catalog may be nil, in
// which case the engine only reports ticks.
func NewWifi(bus Publisher, runner ActionRunner, catalog Catalog, cfg WifiConfig, logger *slog.Logger) *Wifi {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wifi{bus: bus, runner: runner, catalog: catalog, cfg: cfg, logger: logger, now: time.Now}
}

// Name implements core.Engine.
func (w *Wifi) Name() string { return "wifi" }

// SetClock overrides the time source.
func (w *Wifi) SetClock(now func() time.Time) { w.now = now }

// SetConfig swaps the configuration.
func (w *Wifi) SetConfig(cfg WifiConfig) {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
}

// Start is idempotent.
func (w *Wifi) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	safe := w.cfg.SafeMode
	w.mu.Unlock()
	w.publish("wifi.engine.started", map[string]interface{}{"safe_mode": safe})
}

// Stop is idempotent.
func (w *Wifi) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	w.publish("wifi.engine.stopped", map[string]interface{}{})
}

// Tick publishes wifi.engine.tick and runs wifi.scan once per interval.
func (w *Wifi) Tick(ctx context.Context) {
	now := w.now()
	w.mu.Lock()
	if !w.running || !w.cfg.Enabled || now.Sub(w.lastScan) < w.cfg.ScanInterval {
		w.mu.Unlock()
		return
	}
	w.lastScan = now
	safe := w.cfg.SafeMode
	w.mu.Unlock()

	scanned := false
	if w.runner != nil && w.catalog != nil && w.catalog.Has(ActionWifiScan) {
		mode := models.ModeManual
		if safe {
			mode = models.ModeAI
		}
		out, err := w.runner.Run(ctx, ActionWifiScan, actions.Request{Mode: mode})
		scanned = err == nil && out.Kind == actions.Executed && out.Result.OK

		w.mu.Lock()
		if scanned {
			w.scans++
			w.lastErr = ""
		} else {
			w.lastErr = fmt.Sprintf("scan failed: %s", out.Result.Reason())
		}
		w.mu.Unlock()
		if scanned {
			w.publish("wifi.scan.done", map[string]interface{}{"artifact_id": out.Result.ArtifactID, "summary": out.Result.Summary})
		}
	}
	w.publish("wifi.engine.tick", map[string]interface{}{"ts": float64(now.UnixNano()) / 1e9, "scanned": scanned})
}

// Health implements core.Engine.
func (w *Wifi) Health() models.EngineHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := models.EngineHealth{Name: w.Name(), TS: w.now().UTC()}
	switch {
	case !w.cfg.Enabled:
		h.OK, h.Detail = true, "disabled"
	case !w.running:
		h.OK, h.Detail = true, "stopped"
	case w.lastErr != "":
		h.OK, h.Detail = false, w.lastErr
	default:
		h.OK, h.Detail = true, fmt.Sprintf("running scans=%d", w.scans)
	}
	return h
}

func (w *Wifi) publish(topic string, payload map[string]interface{}) {
	if _, err := w.bus.Publish(topic, payload); err != nil {
		w.logger.Error("publish failed", "topic", topic, "error", err)
	}
}
