package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vrmoded/internal/binder"
	"vrmoded/internal/component"
	"vrmoded/internal/config"
	"vrmoded/internal/grants"
	"vrmoded/internal/health"
	"vrmoded/internal/ipc"
	"vrmoded/internal/logging"
	"vrmoded/internal/metrics"
	"vrmoded/internal/registry"
	"vrmoded/internal/signals"
	"vrmoded/internal/store"
	"vrmoded/internal/vrmode"
)

const shutdownTimeout = 10 * time.Second

// daemon holds the long-lived parts of a running vrmoded.
type daemon struct {
	cfg    *config.Config
	loader *config.Loader
	log    *logging.Logger
	logger *slog.Logger
	audit  *logging.AuditLogger
	crash  *logging.CrashHandler

	metrics *metrics.Metrics
	store   *store.Store
	reg     *registry.Registry
	grants  *grants.Manager
	binder  *binder.Binder
	coord   *vrmode.Coordinator
	ipc     *ipc.Server
	health  *health.Checker

	// levelOverride pins the log level given on the command line.
	levelOverride string
}

func run(ctx context.Context, path, levelOverride string) error {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if levelOverride != "" {
		cfg.Logging.Level = levelOverride
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	d := &daemon{cfg: cfg, loader: loader, levelOverride: levelOverride}
	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.log.Close()
	defer d.crash.Recover(map[string]any{"goroutine": "main"})

	if err := d.setup(); err != nil {
		d.logger.Error("startup failed", "error", err)
		d.teardown("startup failed")
		return err
	}

	err = d.serve(ctx)
	reason := "signal"
	if err != nil {
		reason = err.Error()
	}
	d.teardown(reason)
	return err
}

func (d *daemon) setupLogging() error {
	lc := d.cfg.Logging
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return err
	}
	d.log, err = logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    lc.MaxSizeMB,
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "vrmoded",
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(d.log)
	d.logger = d.log.Logger

	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Version: Version,
		OnCrash: func(r logging.CrashReport) {
			d.logger.Error("panic recovered", "panic", r.PanicValue)
		},
	})

	if d.cfg.Audit.Enabled {
		d.audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   d.cfg.Audit.FilePath,
			MaxSize:    d.cfg.Audit.MaxSizeMB,
			MaxAge:     d.cfg.Audit.MaxAgeDays,
			MaxBackups: d.cfg.Audit.MaxBackups,
			Compress:   true,
			Component:  "vrmoded",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) setup() error {
	cfg := d.cfg
	d.metrics = metrics.New()

	var err error
	d.store, err = store.Open(cfg.Grants.DatabasePath)
	if err != nil {
		return fmt.Errorf("open grant store: %w", err)
	}

	d.reg, err = registry.New(registry.Config{
		Dir:      cfg.Registry.ManifestDir,
		Trusted:  cfg.Registry.TrustedPackages,
		Debounce: cfg.RegistryDebounce(),
		Logger:   d.log.WithComponent("registry").Logger,
		Metrics:  d.metrics,
	})
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	gcfg := grants.Config{
		Permissions: d.store,
		Trust:       d.reg,
		Logger:      d.log.WithComponent("grants").Logger,
		Metrics:     d.metrics,
	}
	var coordAudit vrmode.Auditor
	if d.audit != nil {
		gcfg.Auditor = d.audit
		coordAudit = transitionAuditor{d.audit}
	}
	d.grants = grants.NewManager(gcfg)
	if n := d.grants.RevokeStale(); n > 0 {
		d.logger.Info("revoked grants left by a previous run", "count", n)
	}

	d.binder, err = binder.New(binder.Config{
		Resolver: d.reg,
		Version:  Version,
		Logger:   d.logger,
	})
	if err != nil {
		return err
	}

	d.coord, err = vrmode.New(vrmode.Config{
		Registry:        d.reg,
		Binder:          d.binder,
		Grants:          d.grants,
		Logger:          d.log.WithComponent("coordinator").Logger,
		Metrics:         d.metrics,
		Auditor:         coordAudit,
		DebounceDelay:   cfg.DebounceDelay(),
		LogCapacity:     cfg.Coordinator.LogCapacity,
		ObserverTimeout: cfg.ObserverTimeout(),
		Scope:           component.ScopeID(cfg.Coordinator.Scope),
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	d.reg.OnChange(d.coord.OnRegistryChanged)
	d.grants.ReconcileEnabledSet(component.ScopeID(cfg.Coordinator.Scope),
		d.reg.EnabledCandidates(component.ScopeID(cfg.Coordinator.Scope)))

	if cfg.IPC.Enabled {
		if err := d.setupIPC(); err != nil {
			return err
		}
	}

	d.health = health.NewChecker(nil)
	d.health.Add(health.Probe{Name: "coordinator", Critical: true, Func: health.CoordinatorProbe(d.coord.Status)})
	d.health.Add(health.Probe{Name: "registry", Func: health.RegistryProbe(d.reg.LastError)})
	d.health.Add(health.Probe{Name: "store", Critical: true, Func: health.StoreProbe(d.store.Ping)})

	d.loader.OnChange(d.applyConfig)
	return nil
}

func (d *daemon) setupIPC() error {
	mode, err := d.cfg.SocketMode()
	if err != nil {
		return err
	}

	var srv *ipc.Server
	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Coordinator: d.coord,
		AllowList:   d.grants,
		Store:       d.store,
		Version:     Version,
		Clients:     func() int { return srv.ClientCount() },
		Logger:      d.log.WithComponent("ipc").Logger,
	})

	scfg := ipc.ServerConfig{
		SocketPath:     d.cfg.IPC.SocketPath,
		Version:        Version,
		Permissions:    mode,
		ReadTimeout:    d.cfg.IPCTimeout(),
		MaxConnections: d.cfg.IPC.MaxConnections,
		AllowedUIDs:    d.cfg.IPC.AllowedUIDs,
		RateLimit:      d.cfg.IPC.RateLimit,
		RateBurst:      d.cfg.IPC.RateBurst,
		Logger:         d.log.WithComponent("ipc").Logger,
		Metrics:        d.metrics,
	}
	if d.audit != nil {
		scfg.Auditor = d.audit
	}
	srv, err = ipc.NewServer(scfg, handler)
	if err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}
	d.ipc = srv
	d.coord.RegisterObserver(ipc.NewEventRelay(srv))
	return nil
}

func (d *daemon) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.ipc != nil {
		if err := d.ipc.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			defer d.crash.Recover(map[string]any{"goroutine": "ipc"})
			<-ctx.Done()
			return d.ipc.Stop()
		})
	}

	if d.cfg.Registry.Watch {
		g.Go(func() error {
			defer d.crash.Recover(map[string]any{"goroutine": "registry"})
			return d.reg.Run(ctx)
		})
	}

	if d.cfg.Signals.Enabled {
		src := signals.New(signals.Config{
			Sleep:  d.cfg.Signals.Sleep,
			Screen: d.cfg.Signals.Screen,
			Logger: d.logger,
		}, d.coord)
		g.Go(func() error {
			defer d.crash.Recover(map[string]any{"goroutine": "signals"})
			return src.Run(ctx)
		})
	}

	if d.cfg.HTTP.Listen != "" {
		promReg, err := metrics.NewRegistry(d.metrics)
		if err != nil {
			return err
		}
		hs := health.NewServer(d.cfg.HTTP.Listen, health.NewRouter(d.health, metrics.Handler(promReg)), d.logger)
		g.Go(func() error { return hs.Serve(ctx) })
	}

	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config hot reload unavailable", "error", err)
	}
	g.Go(func() error { return d.handleHangup(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-d.loader.Errors():
				d.logger.Error("config reload failed", "error", err)
				d.audit.LogConfigChange(ctx, d.loader.Path(), err)
			}
		}
	})

	d.health.SetReady(true)
	d.audit.LogStartup(ctx, Version, map[string]any{
		"config": d.loader.Path(),
		"scope":  d.cfg.Coordinator.Scope,
	})
	d.logger.Info("vrmoded started", "version", Version, "config", d.loader.Path())

	err := g.Wait()
	d.health.SetReady(false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleHangup reopens log files and reloads the configuration on SIGHUP.
func (d *daemon) handleHangup(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			d.logger.Info("SIGHUP received")
			if err := d.log.Rotate(); err != nil {
				d.logger.Warn("log rotation failed", "error", err)
			}
			if err := d.loader.Reload(); err != nil {
				d.logger.Error("config reload failed", "error", err)
				d.audit.LogConfigChange(ctx, d.loader.Path(), err)
			}
		}
	}
}

// applyConfig applies the settings that can change without a restart.
func (d *daemon) applyConfig(old, cur *config.Config) {
	if d.levelOverride == "" && old.Logging.Level != cur.Logging.Level {
		if level, err := logging.ParseLevel(cur.Logging.Level); err == nil {
			d.log.SetLevel(level)
			d.logger.Info("log level changed", "level", cur.Logging.Level)
		}
	}
	if !slices.Equal(old.Registry.TrustedPackages, cur.Registry.TrustedPackages) {
		d.reg.SetTrusted(cur.Registry.TrustedPackages)
		d.logger.Info("trusted packages changed", "count", len(cur.Registry.TrustedPackages))
	}
	if restartOnly(old, cur) {
		d.logger.Warn("some configuration changes take effect after a restart")
	}

	d.audit.LogConfigChange(context.Background(), d.loader.Path(), nil)
	if d.ipc != nil {
		if ev, err := ipc.NewEvent(ipc.EventConfigChanged, "", time.Now(), nil); err == nil {
			d.ipc.Broadcast(ev)
		}
	}
}

// restartOnly reports whether a section that is only read at startup
// changed.
func restartOnly(old, cur *config.Config) bool {
	return old.Coordinator != cur.Coordinator ||
		old.Grants != cur.Grants ||
		old.IPC.SocketPath != cur.IPC.SocketPath ||
		old.IPC.RateLimit != cur.IPC.RateLimit ||
		old.IPC.RateBurst != cur.IPC.RateBurst ||
		old.Signals != cur.Signals ||
		old.HTTP != cur.HTTP
}

func (d *daemon) teardown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.loader.Close()
	if d.coord != nil {
		if err := d.coord.Close(ctx); err != nil {
			d.logger.Warn("coordinator shutdown", "error", err)
		}
	}
	if d.binder != nil {
		d.binder.Close()
	}
	if d.ipc != nil {
		d.ipc.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing grant store", "error", err)
		}
	}
	d.audit.LogShutdown(ctx, reason)
	d.audit.Close()
	d.logger.Info("vrmoded stopped", "reason", reason)
}

// transitionAuditor records coordinator transitions in the audit trail.
type transitionAuditor struct {
	audit *logging.AuditLogger
}

func (a transitionAuditor) AuditTransition(rec vrmode.TransitionRecord) {
	a.audit.LogModeChange(context.Background(), logging.ModeChange{
		ID:            rec.ID,
		Enabled:       rec.Enabled,
		Listener:      rec.Bound.String(),
		Caller:        rec.Caller.String(),
		Scope:         int(rec.Scope),
		GrantsApplied: rec.GrantsApplied,
		At:            rec.Timestamp,
	})
}
