// Package app wires the host together: config, logging, persisted settings,
// notifications, the governor and the cron scheduler.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"taskgate/internal/config"
	"taskgate/internal/configstore"
	"taskgate/internal/eventbus"
	"taskgate/internal/governor"
	"taskgate/internal/notify"
	"taskgate/internal/scheduler"
	"taskgate/internal/workqueue"
	logx "taskgate/pkg/logx"
)

type App struct {
	manager *config.Manager
	logSvc  *logx.Service
	log     logx.Logger

	store    configstore.Store
	notifier *notify.Service
	bus      eventbus.Bus
	gov      *governor.Governor
	sched    *scheduler.Service

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New loads the config file and constructs every component. Nothing runs yet;
// call Start.
func New(cfgPath string) (*App, error) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	manager.SetLogger(log.With(logx.String("comp", "config")))

	store, err := configstore.Open(storeConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open config store: %w", err)
	}

	sender, err := buildSender(cfg, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	notifier := notify.New(notifyConfig(cfg), sender, log.With(logx.String("comp", "notify")))

	bus := eventbus.New()
	gov := governor.New(
		governor.Config{CronConcurrency: cfg.Governor.CronConcurrency},
		store, notifier, log.With(logx.String("comp", "governor")), bus,
	)

	sched := scheduler.New(
		scheduler.Config{Jobs: cfg.Jobs, HistoryPath: cfg.RunHistoryPath},
		gov, log.With(logx.String("comp", "scheduler")),
	)

	return &App{
		manager:  manager,
		logSvc:   logSvc,
		log:      log,
		store:    store,
		notifier: notifier,
		bus:      bus,
		gov:      gov,
		sched:    sched,
	}, nil
}

func (a *App) Governor() *governor.Governor { return a.gov }
func (a *App) Bus() eventbus.Bus            { return a.bus }

func (a *App) Start(ctx context.Context) error {
	cfg := a.manager.Get()

	a.notifier.Start(ctx)

	// Ceiling precedence: an explicit file override supersedes the persisted
	// store value; otherwise the store is the source of truth. A failed store
	// read aborts startup rather than running with a wrong ceiling.
	if cfg.Governor.CronConcurrency <= 0 {
		if err := a.gov.Reconfigure(ctx); err != nil {
			return err
		}
	}

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(rctx)
	a.group = g

	g.Go(func() error { return a.manager.Watch(gctx) })
	g.Go(func() error { a.reloadLoop(gctx); return nil })
	g.Go(func() error { a.watchdogLoop(gctx); return nil })
	g.Go(func() error { a.eventLoop(gctx); return nil })

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("taskgate started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		_ = a.group.Wait()
	}
	a.sched.Stop(ctx)
	a.notifier.Stop(ctx)
	_ = a.store.Close()
	a.log.Info("taskgate stopped")
	return a.logSvc.Close()
}

// reloadLoop applies committed config changes to the running components.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.manager.Subscribe(4)
	defer a.manager.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg))
	a.notifier.Apply(notifyConfig(cfg))

	if cfg.Governor.CronConcurrency > 0 {
		a.gov.SetCeiling(cfg.Governor.CronConcurrency)
	} else if err := a.gov.Reconfigure(ctx); err != nil {
		a.log.Warn("reconfigure from store failed; ceilings unchanged", logx.Err(err))
	}

	if err := a.sched.Apply(scheduler.Config{Jobs: cfg.Jobs, HistoryPath: cfg.RunHistoryPath}); err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
	}

	snap := a.gov.Snapshot()
	a.log.Info("config applied",
		logx.Int("ceiling", snap.Ceiling),
		logx.Int("jobs", len(cfg.Jobs)),
		logx.Int("scheduled_active", snap.ScheduledActive),
		logx.Int("scheduled_pending", snap.ScheduledPending),
	)
}

// watchdogLoop pings systemd when watchdog supervision is enabled.
func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// eventLoop surfaces queue drain transitions at debug level. Diagnostic only.
func (a *App) eventLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != workqueue.EventDrained {
				continue
			}
			if qe, ok := ev.Data.(workqueue.QueueEvent); ok {
				a.log.Debug("queue drained", logx.String("queue", qe.Queue))
			}
		}
	}
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storeConfig(cfg *config.Config) configstore.Config {
	busy, _ := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	return configstore.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
	}
}

func notifyConfig(cfg *config.Config) notify.Config {
	base, _ := config.ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	maxDelay, _ := config.ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	return notify.Config{
		Enabled:       cfg.Notify.IsEnabled(),
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}
}

func buildSender(cfg *config.Config, log logx.Logger) (notify.Sender, error) {
	if tg := cfg.Notify.Telegram; tg != nil {
		s, err := notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID})
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		return s, nil
	}
	return notify.NewLogSender(log.With(logx.String("comp", "notify"))), nil
}
