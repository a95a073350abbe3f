package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/audit"
	"github.com/fentz26/reconpi/internal/config"
	"github.com/fentz26/reconpi/internal/connectors/localexec"
	"github.com/fentz26/reconpi/internal/controlplane"
	"github.com/fentz26/reconpi/internal/core"
	"github.com/fentz26/reconpi/internal/engines"
	"github.com/fentz26/reconpi/internal/lease"
	"github.com/fentz26/reconpi/internal/metrics"
	"github.com/fentz26/reconpi/internal/planner"
	"github.com/fentz26/reconpi/internal/planrunner"
	"github.com/fentz26/reconpi/internal/policy"
	"github.com/fentz26/reconpi/internal/stages"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/fentz26/reconpi/internal/worker"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the reconpi daemon",
	Long: `Starts the core tick loop, the LAN and WiFi engines, the plan worker and the
local HTTP control plane. The config file is watched and policy changes apply live.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

// appliance holds every long-lived component of the daemon.
type appliance struct {
	store    *store.Store
	leases   *lease.Manager
	registry *actions.Registry
	runner   *actions.Runner
	exec     *localexec.LocalExec
	metrics  *metrics.Metrics
	core     *core.Core
	daemon   *core.Daemon
	watchdog *core.JobWatchdog
	worker   *worker.Worker
	lan      *engines.Lan
	wifi     *engines.Wifi
	service  *controlplane.Service
	server   *controlplane.Server
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting reconpi daemon...")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(configPath, cfg); err != nil {
			log.Printf("Warning: could not write default config: %v", err)
		} else {
			log.Printf("Wrote default config to %s", configPath)
		}
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	app, err := buildAppliance(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.core.Prime(); err != nil {
		app.store.Close()
		return err
	}
	if err := app.core.Activate(); err != nil {
		log.Printf("Warning: initial state not applied: %v", err)
	}
	daemonDone := make(chan struct{})
	go func() {
		app.daemon.Run(ctx)
		close(daemonDone)
	}()

	app.worker.Start()

	watcher, err := config.NewWatcher(configPath, config.DefaultDebounce, app.reload, slog.Default())
	if err != nil {
		log.Printf("Warning: config hot reload disabled: %v", err)
	} else if err := watcher.Start(ctx); err != nil {
		log.Printf("Warning: config hot reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := app.server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			cancel()
			<-daemonDone
			app.worker.Stop()
			app.store.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping engines...")
	cancel()
	<-daemonDone
	app.worker.Stop()
	app.lan.Stop()
	app.wifi.Stop()

	log.Println("Closing database connection...")
	if err := app.store.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// buildAppliance wires the store, gate, planner, engines and control plane.
func buildAppliance(cfg *config.Config, logger *slog.Logger) (*appliance, error) {
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	leases, err := lease.NewManager(cfg.LockRoot)
	if err != nil {
		s.Close()
		return nil, err
	}

	pdr := audit.NewPDRWriter(s)
	pol := policy.NewFromConfig(cfg.Policy)
	m := metrics.New(s)

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	connector := localexec.New(workDir, cfg.Policy.AllowedTools)

	registry, err := loadRegistry(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	registry.RegisterBuiltin(engines.ActionWifiScan, engines.WifiScanBuiltin(engines.WirelessPath))
	log.Printf("Action registry initialized with %d actions", registry.Len())

	runner := actions.NewRunner(registry, s, s, pol, connector, logger)
	runner.SetAuditor(pdr)
	runner.SetObserver(m)

	plans := planner.New(registry, s, s, cfg.Planner)
	prunner := planrunner.New(runner, s, s, logger)

	w := worker.New(s, plans, prunner, cfg.WorkerOptions(), logger)
	w.SetObserver(m)

	lan := engines.NewLan(s, runner, cfg.LanOptions(), logger)
	lan.SetStages(stages.NewBook(s))
	wifi := engines.NewWifi(s, runner, registry, cfg.WifiOptions(), logger)
	reg := core.NewEngineRegistry()
	reg.Register(wifi)
	reg.Register(lan)

	c := core.New(s, pol, leases, reg, cfg.CoreOptions(), logger)
	c.SetObserver(m)

	wd := core.NewJobWatchdog(s, s, cfg.WatchdogOptions(), logger)
	wd.SetObserver(m)
	d := core.NewDaemon(c, wd, s, cfg.DaemonOptions(), logger)

	service := controlplane.NewService(s, pdr)
	service.SetCore(c)
	service.SetLeases(leases)
	service.SetRegistry(registry)
	server := controlplane.NewServer(service, s, cfg.Listen)
	server.SetMetrics(m.Handler())

	return &appliance{
		store:    s,
		leases:   leases,
		registry: registry,
		runner:   runner,
		exec:     connector,
		metrics:  m,
		core:     c,
		daemon:   d,
		watchdog: wd,
		worker:   w,
		lan:      lan,
		wifi:     wifi,
		service:  service,
		server:   server,
	}, nil
}

// loadRegistry registers the built-in pack, then the configured packs on top.
func loadRegistry(cfg *config.Config, logger *slog.Logger) (*actions.Registry, error) {
	registry := actions.NewRegistry()
	if _, err := registry.LoadDefaultPack(); err != nil {
		return nil, err
	}
	if _, err := registry.LoadPacks(cfg.ActionPacks, logger); err != nil {
		return nil, err
	}
	return registry, nil
}

// reload applies a changed config file. Storage paths and the listen address
// need a restart.
func (a *appliance) reload(cfg *config.Config) {
	pol := policy.NewFromConfig(cfg.Policy)
	a.runner.SetPolicy(pol)
	a.core.SetPolicy(pol)
	a.exec.SetAllowed(cfg.Policy.AllowedTools)
	a.worker.SetConfig(cfg.WorkerOptions())
	a.watchdog.SetConfig(cfg.WatchdogOptions())
	a.lan.SetConfig(cfg.LanOptions())
	a.wifi.SetConfig(cfg.WifiOptions())
	log.Printf("Config reloaded from %s", filepath.Base(configPath))
}
