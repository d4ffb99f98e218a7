// Package app wires the daemon together: configuration, logging, storage,
// the Telegram adapter, the relay engine and the maintenance jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport/telegram"
	"relaybot/pkg/logx"
)

// Option customizes the wiring, mainly so embedding programs can plug in
// their own feed reader and content transform.
type Option func(*App)

// WithSource sets the feed reader the engine fetches items from. The Bot
// API cannot read arbitrary channel history, so this always comes from the
// embedding program (an MTProto client, an export reader, a test fake).
func WithSource(src relay.Source) Option { return func(a *App) { a.source = src } }

// WithProcessor sets the per-item transform applied before delivery.
func WithProcessor(p relay.Processor) Option { return func(a *App) { a.processor = p } }

// WithSink overrides the delivery sink. Without it the Telegram adapter is
// used.
func WithSink(s relay.Sink) Option { return func(a *App) { a.sink = s } }

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	adapter *telegram.Adapter
	store   storage.Store
	bus     eventbus.Bus
	engine  *relay.Service
	cron    *cron.Cron
	sup     *supervisor.Supervisor

	source    relay.Source
	processor relay.Processor
	sink      relay.Sink
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	a.cfgMgr = config.NewManager(cfgPath)
	a.cfgMgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := schedulerConfig(cfg)
		return err
	})
	cfg, err := a.cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.Telegram.Token != "" {
		boot := logx.NewConsole(cfg.Logging.Level)
		a.adapter, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token}, boot)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	var sender logx.TextSender
	if a.adapter != nil {
		sender = a.adapter
	}
	a.logSvc, a.log = logx.New(loggingConfig(cfg), sender)
	a.cfgMgr.SetLogger(a.log)

	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		if err != nil {
			return nil, err
		}
		a.store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	if a.sink == nil {
		if a.adapter == nil {
			return nil, errors.New("app: no sink available, set telegram.token or use WithSink")
		}
		a.sink = a.adapter
	}
	if a.source == nil {
		a.source = unavailableSource{}
	}

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.bus = eventbus.New()
	a.engine = relay.NewService(schedCfg, relay.Deps{
		Source:    a.source,
		Sink:      a.sink,
		Processor: a.processor,
		Store:     a.store,
		Bus:       a.bus,
		Log:       a.log,
	})
	return a, nil
}

// Engine exposes the relay engine for admission and status calls.
func (a *App) Engine() *relay.Service { return a.engine }

// Bus exposes the task lifecycle events for embedding programs.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if n, err := a.engine.Restore(ctx); err != nil {
		a.log.Warn("checkpoint restore failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("tasks waiting for resume", logx.Int("tasks", n))
	}

	if err := a.startMaintenance(); err != nil {
		return err
	}

	a.sup.GoRestart("config-watch", a.cfgMgr.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go0("config-apply", a.applyLoop)
	a.sup.Go0("event-log", a.eventLoop)

	a.log.Info("relaybot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Stop(ctx))
	}
	if a.sup != nil {
		a.sup.Cancel()
		errs = append(errs, a.sup.Wait(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	a.log.Info("relaybot stopped")
	if a.logSvc != nil {
		errs = append(errs, a.logSvc.Close())
	}
	return errors.Join(errs...)
}

// applyLoop pushes config reloads into the running services. Admission caps
// and per-task defaults take effect for new admissions; running tasks keep
// the config they started with.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logSvc.Apply(loggingConfig(cfg))
			schedCfg, err := schedulerConfig(cfg)
			if err != nil {
				a.log.Warn("config reload rejected", logx.Err(err))
				continue
			}
			a.engine.Apply(schedCfg)
			a.log.Info("config applied")
		case <-ctx.Done():
			return
		}
	}
}

// eventLoop mirrors task lifecycle events into the log, including the
// Telegram mirror when enabled.
func (a *App) eventLoop(ctx context.Context) {
	events, cancel := a.bus.Subscribe(32)
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			snap, ok := ev.Data.(relay.TaskSnapshot)
			if !ok {
				continue
			}
			a.log.Info(ev.Type,
				logx.String("task", snap.ID),
				logx.String("status", string(snap.Status)),
				logx.Int64("last_id", snap.LastID),
				logx.Int64("processed", snap.Processed),
				logx.Int64("failed", snap.Failed))
		case <-ctx.Done():
			return
		}
	}
}

const (
	defaultFlushSpec  = "@every 1m"
	defaultSweepSpec  = "@every 1h"
	defaultSweepAfter = 24 * time.Hour
)

// startMaintenance schedules the background jobs: a periodic checkpoint
// flush as a safety net on top of the per-task cadence, and a sweep of
// terminal checkpoints out of the store.
func (a *App) startMaintenance() error {
	if a.store == nil {
		return nil
	}
	mc := config.MaintenanceConfig{}
	if cfg := a.cfgMgr.Get(); cfg != nil && cfg.Maintenance != nil {
		mc = *cfg.Maintenance
	}
	flushSpec := mc.CheckpointFlushSpec
	if flushSpec == "" {
		flushSpec = defaultFlushSpec
	}
	sweepSpec := mc.SweepSpec
	if sweepSpec == "" {
		sweepSpec = defaultSweepSpec
	}
	sweepAfter, err := config.ParseDurationOrDefault("maintenance.sweep_after", mc.SweepAfter, defaultSweepAfter)
	if err != nil {
		return err
	}

	a.cron = cron.New()
	_, err = a.cron.AddFunc(flushSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.engine.FlushCheckpoints(ctx); err != nil {
			a.log.Warn("checkpoint flush failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance: flush spec: %w", err)
	}
	_, err = a.cron.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.engine.SweepStore(ctx, sweepAfter)
		if err != nil {
			a.log.Warn("checkpoint sweep failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("swept terminal checkpoints", logx.Int("checkpoints", n))
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance: sweep spec: %w", err)
	}
	a.cron.Start()
	return nil
}

// unavailableSource fails every fetch fatally: without a configured reader
// no task can make progress, and retrying will not change that.
type unavailableSource struct{}

func (unavailableSource) FetchItems(context.Context, relay.FeedRef, []int64) ([]*relay.Item, error) {
	return nil, relay.WrapFatal(errors.New("no feed source configured"))
}
