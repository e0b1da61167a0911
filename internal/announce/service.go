// Package announce schedules announcements, keeps their persisted fire times
// current and reconciles them with the delivery subsystem.
package announce

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/clock"
	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	"github.com/koorzenb/announcement-scheduler/internal/eventbus"
	"github.com/koorzenb/announcement-scheduler/internal/ident"
	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
	"github.com/koorzenb/announcement-scheduler/internal/runtime/supervisor"
	"github.com/koorzenb/announcement-scheduler/internal/storage"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// Deps are the collaborators a Service is built from. Store, Delivery and
// Clock are required.
type Deps struct {
	Store    storage.Store
	Delivery delivery.Subsystem
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Option func(*Service)

// WithRetainFired controls whether delivered one-time entries stay in the
// store (reported inactive) or are deleted. Default true.
func WithRetainFired(retain bool) Option {
	return func(s *Service) { s.retainFired.Store(retain) }
}

// Service is the scheduling orchestrator and query layer.
type Service struct {
	store    storage.Store
	delivery delivery.Subsystem
	clk      clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
	ids      *ident.Allocator

	locks       keyedMutex
	retainFired atomic.Bool

	// orphans are ids whose delivery registration may still be live without
	// a store record; ListScheduled retries their removal.
	orphanMu sync.Mutex
	orphans  map[int64]struct{}

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(d Deps, opts ...Option) (*Service, error) {
	if d.Store == nil || d.Delivery == nil || d.Clock == nil {
		return nil, errors.New("announce: store, delivery and clock are required")
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	s := &Service{
		store:    d.Store,
		delivery: d.Delivery,
		clk:      d.Clock,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "announce")),
		ids:      ident.New(d.Store),
		orphans:  map[int64]struct{}{},
	}
	s.retainFired.Store(true)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Events returns the status event bus.
func (s *Service) Events() eventbus.Bus { return s.bus }

// SetRetainFired changes the fired one-time entry policy at runtime.
func (s *Service) SetRetainFired(retain bool) { s.retainFired.Store(retain) }

// ScheduleOnce schedules content for the absolute instant at, which must be
// strictly after now.
func (s *Service) ScheduleOnce(ctx context.Context, content string, at time.Time, metadata map[string]any) (int64, error) {
	const op = "schedule_once"
	now := s.clk.Now()
	if !at.After(now) {
		return 0, s.fail(op, 0, ErrInvalidSchedule, fmt.Errorf("instant %s is not after %s", s.format(at), s.format(now)))
	}
	id, err := s.ids.Allocate(ctx)
	if err != nil {
		return 0, s.fail(op, 0, ErrStore, err)
	}
	e := storage.Entry{
		ID:          id,
		Content:     content,
		Rule:        recurrence.None(),
		ScheduledAt: at.In(s.clk.Location()),
		Metadata:    maps.Clone(metadata),
		CreatedAt:   now,
	}
	return id, s.commit(ctx, op, e)
}

// ScheduleRecurring schedules content at tod on every day rule allows. The
// first occurrence is computed from the current time.
func (s *Service) ScheduleRecurring(ctx context.Context, content string, tod recurrence.TimeOfDay, rule recurrence.Rule, metadata map[string]any) (int64, error) {
	const op = "schedule_recurring"
	if err := rule.Validate(); err != nil {
		return 0, s.fail(op, 0, recurrence.ErrInvalidRule, err)
	}
	if !rule.IsRecurring() {
		return 0, s.fail(op, 0, recurrence.ErrInvalidRule, errors.New("use ScheduleOnce for one-time announcements"))
	}
	if err := tod.Validate(); err != nil {
		return 0, s.fail(op, 0, recurrence.ErrInvalidTime, err)
	}
	rule = rule.Normalize()
	now := s.clk.Now()
	at, err := recurrence.NextOccurrence(rule, tod, s.clk.Location(), now)
	if err != nil {
		return 0, s.fail(op, 0, recurrence.ErrInvalidRule, err)
	}
	id, err := s.ids.Allocate(ctx)
	if err != nil {
		return 0, s.fail(op, 0, ErrStore, err)
	}
	e := storage.Entry{
		ID:          id,
		Content:     content,
		Rule:        rule,
		TimeOfDay:   &tod,
		ScheduledAt: at,
		Metadata:    maps.Clone(metadata),
		CreatedAt:   now,
	}
	return id, s.commit(ctx, op, e)
}

// commit registers e with delivery and persists it. A store failure after
// registration is compensated by deregistering.
func (s *Service) commit(ctx context.Context, op string, e storage.Entry) error {
	unlock := s.locks.lock(e.ID)
	defer unlock()

	if err := s.delivery.Register(ctx, e.ID, e.ScheduledAt, payloadOf(e)); err != nil {
		return s.fail(op, e.ID, ErrExternal, err)
	}
	if err := s.store.Put(ctx, e); err != nil {
		derr := s.delivery.Deregister(context.WithoutCancel(ctx), e.ID)
		if derr != nil {
			s.addOrphan(e.ID)
			return s.fail(op, e.ID, ErrStore, errors.Join(err, fmt.Errorf("compensating deregister: %w", derr)))
		}
		return s.fail(op, e.ID, ErrStore, err)
	}

	s.log.Info("announcement scheduled",
		logx.Int64("id", e.ID),
		logx.String("rule", e.Rule.String()),
		logx.Time("at", e.ScheduledAt),
	)
	s.emit(e.ID, eventbus.Scheduled, fmt.Sprintf("%s at %s", e.Rule, s.format(e.ScheduledAt)))
	return nil
}

// Cancel removes id from delivery and the store. Unknown ids are a no-op.
// Cancellation of ctx does not interrupt it.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	return s.cancel(context.WithoutCancel(ctx), "cancel", id, "")
}

func (s *Service) cancel(ctx context.Context, op string, id int64, detail string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.store.Get(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return s.fail(op, id, ErrStore, err)
	}
	if err := s.delivery.Deregister(ctx, id); err != nil {
		return s.fail(op, id, ErrExternal, err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return s.fail(op, id, ErrStore, err)
	}
	s.log.Info("announcement cancelled", logx.Int64("id", id), logx.String("detail", detail))
	s.emit(id, eventbus.Cancelled, detail)
	return nil
}

// CancelAll cancels every stored entry. A failure for one entry never stops
// the rest; failures are collected in the report and those entries remain
// stored. The returned error is non-nil only when the store cannot be listed.
func (s *Service) CancelAll(ctx context.Context) (CancelReport, error) {
	ctx = context.WithoutCancel(ctx)
	var rep CancelReport
	entries, err := s.store.List(ctx)
	if err != nil {
		return rep, s.fail("cancel_all", 0, ErrStore, err)
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := s.cancel(ctx, "cancel_all", id, ""); err != nil {
			rep.Failed = append(rep.Failed, CancelFailure{ID: id, Err: err})
			continue
		}
		rep.Cancelled = append(rep.Cancelled, id)
	}
	if len(rep.Failed) > 0 {
		s.log.Warn("cancel all incomplete", logx.Int("cancelled", len(rep.Cancelled)), logx.Int("failed", len(rep.Failed)))
	}
	return rep, nil
}

func (s *Service) fail(op string, id int64, kind, err error) error {
	e := &Error{Op: op, ID: id, Kind: kind, Err: err}
	s.log.Warn("operation failed", logx.String("op", op), logx.Int64("id", id), logx.Err(e))
	s.emit(id, eventbus.Error, e.Error())
	return e
}

func (s *Service) emit(id int64, kind eventbus.Kind, detail string) {
	s.bus.Publish(eventbus.Event{ID: id, Kind: kind, Detail: detail, Time: s.clk.Now()})
}

func (s *Service) format(t time.Time) string {
	return t.In(s.clk.Location()).Format(time.RFC3339)
}

func (s *Service) addOrphan(id int64) {
	s.orphanMu.Lock()
	s.orphans[id] = struct{}{}
	s.orphanMu.Unlock()
}

func payloadOf(e storage.Entry) delivery.Payload {
	return delivery.Payload{Content: e.Content, Metadata: maps.Clone(e.Metadata)}
}
