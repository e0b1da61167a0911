package announce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	"github.com/koorzenb/announcement-scheduler/internal/eventbus"
	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
	"github.com/koorzenb/announcement-scheduler/internal/runtime/supervisor"
	"github.com/koorzenb/announcement-scheduler/internal/storage"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// Start re-arms persisted entries with delivery and starts the fired
// handler. Future one-time entries are re-registered; recurring entries are
// advanced past now when stale and re-registered; elapsed one-time entries
// are left for ListScheduled to report inactive.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return nil
	}

	restored, err := s.restore(ctx)
	if err != nil {
		return err
	}
	s.log.Info("schedule restored", logx.Int("armed", restored))

	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	s.sup.GoRestart("announce.fired", s.consumeFired, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	return nil
}

// Stop stops the fired handler and waits for it to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) restore(ctx context.Context) (int, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return 0, s.fail("restore", 0, ErrStore, err)
	}
	s.sweepStrays(ctx, entries)
	armed := 0
	for _, e := range entries {
		ok, err := s.restoreOne(ctx, e.ID)
		if err != nil {
			continue
		}
		if ok {
			armed++
		}
	}
	return armed, nil
}

// sweepStrays deregisters delivery registrations with no stored entry. They
// are orphans whose purge was pending when the process last stopped.
func (s *Service) sweepStrays(ctx context.Context, entries []storage.Entry) {
	live, err := s.delivery.Active(ctx)
	if err != nil {
		s.log.Warn("stray sweep skipped", logx.Err(err))
		return
	}
	stored := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		stored[e.ID] = struct{}{}
	}
	for id := range live {
		if _, ok := stored[id]; ok {
			continue
		}
		if err := s.purgeOrphan(ctx, id); err != nil {
			s.log.Warn("stray registration kept", logx.Int64("id", id), logx.Err(err))
			s.addOrphan(id)
		}
	}
}

func (s *Service) restoreOne(ctx context.Context, id int64) (bool, error) {
	const op = "restore"
	unlock := s.locks.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(op, id, ErrStore, err)
	}
	now := s.clk.Now()

	if !e.Rule.IsRecurring() {
		if !e.ScheduledAt.After(now) {
			return false, nil
		}
	} else if !e.ScheduledAt.After(now) {
		if e.TimeOfDay == nil {
			return false, s.fail(op, id, recurrence.ErrInvalidTime, errors.New("recurring entry has no time of day"))
		}
		next, err := recurrence.NextOccurrence(e.Rule, *e.TimeOfDay, s.clk.Location(), now)
		if err != nil {
			return false, s.fail(op, id, recurrence.ErrInvalidRule, err)
		}
		e.ScheduledAt = next
		if err := s.store.Put(ctx, e); err != nil {
			return false, s.fail(op, id, ErrStore, err)
		}
	}

	if err := s.delivery.Register(ctx, id, e.ScheduledAt, payloadOf(e)); err != nil {
		return false, s.fail(op, id, ErrExternal, err)
	}
	return true, nil
}

func (s *Service) consumeFired(ctx context.Context) error {
	ch := s.delivery.Fired()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleFired(ctx, f)
		}
	}
}

// handleFired applies one delivery notification through the same lock and
// store path as direct calls.
func (s *Service) handleFired(ctx context.Context, f delivery.Fired) {
	const op = "fired"
	unlock := s.locks.lock(f.ID)
	defer unlock()

	e, err := s.store.Get(ctx, f.ID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("fired without entry", logx.Int64("id", f.ID))
		return
	}
	if err != nil {
		_ = s.fail(op, f.ID, ErrStore, err)
		return
	}

	if f.Err != nil {
		_ = s.fail(op, f.ID, ErrExternal, fmt.Errorf("delivery: %w", f.Err))
	} else {
		s.log.Info("announcement fired", logx.Int64("id", f.ID), logx.Time("at", f.At))
		s.emit(f.ID, eventbus.Fired, s.format(f.At))
	}

	if !e.Rule.IsRecurring() {
		if s.retainFired.Load() {
			return
		}
		if err := s.store.Delete(ctx, f.ID); err != nil {
			_ = s.fail(op, f.ID, ErrStore, err)
		}
		return
	}

	s.rearm(ctx, e, f)
}

func (s *Service) rearm(ctx context.Context, e storage.Entry, f delivery.Fired) {
	const op = "rearm"
	base := s.clk.Now()
	if f.At.After(base) {
		base = f.At
	}
	if !e.ScheduledAt.After(base) {
		if e.TimeOfDay == nil {
			_ = s.fail(op, e.ID, recurrence.ErrInvalidTime, errors.New("recurring entry has no time of day"))
			return
		}
		next, err := recurrence.NextOccurrence(e.Rule, *e.TimeOfDay, s.clk.Location(), base)
		if err != nil {
			kind := recurrence.ErrInvalidRule
			if errors.Is(err, recurrence.ErrInvalidTime) {
				kind = recurrence.ErrInvalidTime
			}
			_ = s.fail(op, e.ID, kind, err)
			return
		}
		e.ScheduledAt = next
	}
	if err := s.store.Put(ctx, e); err != nil {
		_ = s.fail(op, e.ID, ErrStore, err)
		return
	}
	if err := s.delivery.Register(ctx, e.ID, e.ScheduledAt, payloadOf(e)); err != nil {
		_ = s.fail(op, e.ID, ErrExternal, err)
		return
	}
	s.log.Debug("recurring entry re-armed", logx.Int64("id", e.ID), logx.Time("at", e.ScheduledAt))
}
