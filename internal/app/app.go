// Package app wires configuration, storage, delivery and the orchestrator
// into one running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/announce"
	"github.com/koorzenb/announcement-scheduler/internal/clock"
	"github.com/koorzenb/announcement-scheduler/internal/config"
	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	"github.com/koorzenb/announcement-scheduler/internal/eventbus"
	"github.com/koorzenb/announcement-scheduler/internal/metrics"
	"github.com/koorzenb/announcement-scheduler/internal/runtime/supervisor"
	"github.com/koorzenb/announcement-scheduler/internal/storage"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

const defaultMetricsAddr = "127.0.0.1:9464"

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	clk    clock.Clock
	store  storage.Store
	timers *delivery.Timers
	bus    eventbus.Bus
	svc    *announce.Service

	eventLog atomic.Bool

	mu  sync.Mutex
	cfg *config.Config
	sup *supervisor.Supervisor
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	clk, err := clock.Load(cfg.Zone())
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	sender, gate, err := buildSender(cfg, root)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("delivery: %w", err)
	}
	if err := checkPermission(ctx, gate); err != nil {
		_ = logs.Close()
		return nil, err
	}

	sc, err := storageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	topts, err := timersOptions(cfg)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	timers := delivery.NewTimers(clk, sender, root.With(logx.String("comp", "delivery")), topts...)

	bus := eventbus.New()
	svc, err := announce.New(announce.Deps{
		Store:    store,
		Delivery: timers,
		Clock:    clk,
		Bus:      bus,
		Log:      root,
	}, announce.WithRetainFired(cfg.Retain()))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		logs:   logs,
		log:    log,
		clk:    clk,
		store:  store,
		timers: timers,
		bus:    bus,
		svc:    svc,
		cfg:    cfg,
	}
	a.eventLog.Store(cfg.Events.Log)
	log.Info("app built",
		logx.String("timezone", cfg.Zone()),
		logx.String("storage", sc.Driver),
		logx.String("sink", cfg.Sink()),
	)
	return a, nil
}

// Service exposes the orchestrator.
func (a *App) Service() *announce.Service { return a.svc }

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Done is closed when the app stops or a supervised task fails fatally.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return make(chan struct{})
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal task error, if any.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start restores the schedule, reconciles declared announcements and starts
// every background task.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup = sup
	cfg := a.cfg
	a.mu.Unlock()

	// Subscribe before anything can publish.
	m := metrics.New(a.bus, sup)
	sup.Go("metrics.collect", m.Run)
	events, unsub := a.bus.Subscribe(max(cfg.Events.Buffer, 64))
	sup.Go("events.log", func(c context.Context) error {
		defer unsub()
		return a.logEvents(c, events)
	})

	sup.GoRestart("delivery.timers", a.timers.Run, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	if err := a.svc.Start(sup.Context()); err != nil {
		sup.Cancel()
		return err
	}
	if err := a.syncDeclared(sup.Context(), cfg); err != nil {
		a.log.Warn("declared announcements partially applied", logx.Err(err))
	}

	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = defaultMetricsAddr
		}
		mlog := a.log.With(logx.String("comp", "metrics"))
		sup.GoRestart("metrics.http", func(c context.Context) error {
			return metrics.Serve(c, addr, m.Handler(), mlog)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	updates := a.cfgm.Subscribe(1)
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return c.Err()
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				a.apply(c, next)
			}
		}
	})

	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) error {
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !a.eventLog.Load() {
				continue
			}
			if ev.Kind == eventbus.Error {
				log.Warn(ev.String(), logx.Int64("id", ev.ID))
				continue
			}
			log.Info(ev.String(), logx.Int64("id", ev.ID))
		}
	}
}

func (a *App) syncDeclared(ctx context.Context, cfg *config.Config) error {
	plans, err := cfg.Plans(a.clk.Location())
	if err != nil {
		return err
	}
	res, err := syncAnnouncements(ctx, a.svc, plans, a.clk.Now(), a.log)
	a.log.Info("declared announcements synced",
		logx.Int("kept", res.Kept),
		logx.Int("scheduled", res.Scheduled),
		logx.Int("cancelled", res.Cancelled),
		logx.Int("expired", len(res.Expired)),
	)
	return err
}

// apply hot-applies a reloaded config. Sections that need new components are
// logged and picked up on the next restart.
func (a *App) apply(ctx context.Context, next *config.Config) {
	prev := a.config()
	ch := config.Diff(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload has no effective changes")
		return
	}

	if ch.Has("logging") {
		a.logs.Apply(logConfig(next))
	}
	if ch.Has("retain_fired") {
		a.svc.SetRetainFired(next.Retain())
	}
	if ch.Has("events") {
		a.eventLog.Store(next.Events.Log)
	}
	if ch.Has("announcements") {
		if err := a.syncDeclared(ctx, next); err != nil {
			a.log.Warn("declared announcements partially applied", logx.Err(err))
		}
	}
	if r := ch.NeedsRestart(); len(r) > 0 {
		a.log.Warn("config sections change on restart only", logx.Any("sections", r))
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	a.log.Info("config applied", append([]logx.Field{logx.Any("sections", ch.Sections)}, ch.Fields...)...)
}

// Snapshot restores the schedule and returns the reconciled view without
// starting delivery. Used by one-shot listing.
func (a *App) Snapshot(ctx context.Context) ([]announce.ViewEntry, error) {
	if err := a.svc.Start(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = a.svc.Stop(context.WithoutCancel(ctx)) }()
	return a.svc.ListScheduled(ctx)
}

// Stop shuts down in dependency order. Each step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	a.log.Info("stopping")
	if sup != nil {
		sup.Cancel()
	}

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(c)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
		case <-c.Done():
			a.log.Warn("stop step deadline reached; continuing", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("%s: %w", name, c.Err()))
		}
	}

	step("announce", 2*time.Second, a.svc.Stop)
	if sup != nil {
		step("supervisor", 3*time.Second, sup.Wait)
	}
	step("delivery", time.Second, func(context.Context) error { a.timers.Close(); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	err := errors.Join(errs...)
	if err != nil {
		a.log.Warn("stopped with errors", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	_ = a.logs.Close()
	return err
}
