// Package app wires the daemon together: config, logging, the scheduling
// core, the event bus, and the history recorder.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobforge/internal/config"
	"jobforge/internal/eventbus"
	"jobforge/internal/history"
	rtsup "jobforge/internal/runtime/supervisor"
	"jobforge/internal/sched"
	logx "jobforge/pkg/logx"
)

type App struct {
	cfgPath string
	cfgMgr  *config.Manager

	logSvc *logx.Service
	log    logx.Logger

	bus  eventbus.Bus
	core *sched.Core
	rec  *history.Recorder

	sup *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	// Durations were validated by Load; parse errors cannot happen here.
	tick, _ := config.ParseDurationOrDefault("engine.tick", cfg.Engine.Tick, 100*time.Millisecond)
	defTimeout, _ := config.ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)

	core := sched.New(sched.Config{
		Workers:        cfg.Engine.Workers,
		Tick:           tick,
		DefaultTimeout: defTimeout,
	}, log.With(logx.String("comp", "engine")), bus)

	var rec *history.Recorder
	if h := cfg.History; h != nil {
		busy, _ := config.ParseDurationField("history.busy_timeout", h.BusyTimeout)
		rec, err = history.Open(history.Config{
			Enabled:     h.Enabled,
			Path:        h.Path,
			RatePerSec:  h.RatePerSec,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "history")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
	}

	a := &App{
		cfgPath: cfgPath,
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		bus:     bus,
		core:    core,
		rec:     rec,
	}
	if err := a.registerJobs(cfg); err != nil {
		_ = rec.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

// Engine exposes the scheduling core for embedding and tests.
func (a *App) Engine() *sched.Core { return a.core }

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))

	a.core.Start(ctx)

	if a.rec != nil {
		a.sup.GoRestart("history", func(ctx context.Context) error {
			return a.rec.Run(ctx, a.bus)
		})
	}
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})
	a.sup.Go0("config.apply", a.applyConfigUpdates)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd-notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd-notify ready sent")
	}

	a.log.Info("daemon started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.core.Stop(ctx)
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
		a.sup = nil
	}
	if err := a.rec.Close(); err != nil {
		a.log.Warn("history close failed", logx.Err(err))
	}
	a.log.Info("daemon stopped")
	a.logSvc.Close()
	return nil
}

// applyConfigUpdates reacts to hot reloads. Only logging changes apply
// live; engine and job changes need a restart since submitted jobs own
// their runtime state.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("config reloaded; logging applied",
				logx.String("level", cfg.Logging.Level),
			)
			a.log.Warn("engine and job changes require a restart")
		}
	}
}
