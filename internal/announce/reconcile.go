package announce

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
	"github.com/koorzenb/announcement-scheduler/internal/storage"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// ViewEntry is one row of the reconciled schedule.
type ViewEntry struct {
	ID            int64                 `json:"id"`
	Content       string                `json:"content"`
	ScheduledTime time.Time             `json:"scheduled_time"`
	Rule          recurrence.Rule       `json:"rule"`
	TimeOfDay     *recurrence.TimeOfDay `json:"time_of_day,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	RRule         string                `json:"rrule,omitempty"`
	IsActive      bool                  `json:"is_active"`
}

// ListScheduled returns every stored entry with its next fire time in the
// configured zone, sorted by time then id.
//
// Recurring entries whose stored instant is not in the future are advanced,
// persisted and re-armed before being reported. One-time entries in the past
// and entries without a live delivery registration are reported inactive.
func (s *Service) ListScheduled(ctx context.Context) ([]ViewEntry, error) {
	const op = "list"
	s.retryOrphans(ctx)

	active, err := s.delivery.Active(ctx)
	if err != nil {
		return nil, s.fail(op, 0, ErrExternal, err)
	}
	if active == nil {
		active = map[int64]time.Time{}
	}
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, s.fail(op, 0, ErrStore, err)
	}

	loc := s.clk.Location()
	out := make([]ViewEntry, 0, len(entries))
	for _, e := range entries {
		now := s.clk.Now()
		if e.Rule.IsRecurring() && !e.ScheduledAt.After(now) {
			fresh, armed, ok, err := s.advance(ctx, e.ID, now)
			if err != nil {
				return nil, s.fail(op, e.ID, ErrStore, err)
			}
			if !ok {
				continue
			}
			e = fresh
			if armed {
				active[e.ID] = e.ScheduledAt
			}
		}
		_, live := active[e.ID]
		isActive := live
		if !e.Rule.IsRecurring() && !e.ScheduledAt.After(now) {
			isActive = false
		}
		v := ViewEntry{
			ID:            e.ID,
			Content:       e.Content,
			ScheduledTime: e.ScheduledAt.In(loc),
			Rule:          e.Rule,
			TimeOfDay:     e.TimeOfDay,
			Metadata:      e.Metadata,
			IsActive:      isActive,
		}
		if e.TimeOfDay != nil {
			v.RRule = e.Rule.RRule(*e.TimeOfDay)
		}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// advance recomputes a stale recurring entry under its lock. It returns the
// current entry, whether it is armed with delivery, and false when the entry
// vanished meanwhile. Only a failed reload is returned as an error; an entry
// that cannot be advanced is kept unarmed and reported on the bus.
func (s *Service) advance(ctx context.Context, id int64, now time.Time) (storage.Entry, bool, bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Entry{}, false, false, nil
	}
	if err != nil {
		return storage.Entry{}, false, false, err
	}
	if e.ScheduledAt.After(now) {
		// Another caller already advanced it.
		live, err := s.delivery.Active(ctx)
		if err != nil {
			return e, false, true, nil
		}
		_, armed := live[id]
		return e, armed, true, nil
	}
	if e.TimeOfDay == nil {
		_ = s.fail("reconcile", id, recurrence.ErrInvalidTime, errors.New("recurring entry has no time of day"))
		return e, false, true, nil
	}
	next, err := recurrence.NextOccurrence(e.Rule, *e.TimeOfDay, s.clk.Location(), now)
	if err != nil {
		kind := recurrence.ErrInvalidRule
		if errors.Is(err, recurrence.ErrInvalidTime) {
			kind = recurrence.ErrInvalidTime
		}
		_ = s.fail("reconcile", id, kind, err)
		return e, false, true, nil
	}
	e.ScheduledAt = next
	if err := s.store.Put(ctx, e); err != nil {
		_ = s.fail("reconcile", id, ErrStore, err)
		return e, false, true, nil
	}
	if err := s.delivery.Register(ctx, id, next, payloadOf(e)); err != nil {
		_ = s.fail("reconcile", id, ErrExternal, err)
		return e, false, true, nil
	}
	s.log.Debug("recurring entry advanced", logx.Int64("id", id), logx.Time("at", next))
	return e, true, true, nil
}

// PurgeInactive deletes every entry ListScheduled reports inactive and
// returns their ids.
func (s *Service) PurgeInactive(ctx context.Context) ([]int64, error) {
	ctx = context.WithoutCancel(ctx)
	view, err := s.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}
	var (
		purged []int64
		errs   []error
	)
	for _, v := range view {
		if v.IsActive {
			continue
		}
		if err := s.cancel(ctx, "purge", v.ID, "purged"); err != nil {
			errs = append(errs, err)
			continue
		}
		purged = append(purged, v.ID)
	}
	return purged, errors.Join(errs...)
}

// retryOrphans finishes compensations that failed during scheduling.
func (s *Service) retryOrphans(ctx context.Context) {
	s.orphanMu.Lock()
	ids := make([]int64, 0, len(s.orphans))
	for id := range maps.Keys(s.orphans) {
		ids = append(ids, id)
	}
	s.orphanMu.Unlock()

	for _, id := range ids {
		if err := s.purgeOrphan(ctx, id); err != nil {
			s.log.Warn("orphan purge failed", logx.Int64("id", id), logx.Err(err))
			continue
		}
		s.orphanMu.Lock()
		delete(s.orphans, id)
		s.orphanMu.Unlock()
	}
}

func (s *Service) purgeOrphan(ctx context.Context, id int64) error {
	unlock := s.locks.lock(id)
	defer unlock()
	if err := s.delivery.Deregister(ctx, id); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	s.log.Info("orphaned registration purged", logx.Int64("id", id))
	return nil
}
