package announce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	"github.com/koorzenb/announcement-scheduler/internal/eventbus"
	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
	"github.com/koorzenb/announcement-scheduler/internal/storage"
)

func start(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
}

func waitEvent(t *testing.T, h *harness, kind eventbus.Kind) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return eventbus.Event{}
		}
	}
}

func TestFiredRecurringEntryIsReArmed(t *testing.T) {
	h := newHarness(t)
	h.clk.Set(h.at(11, 7, 0))
	ctx := context.Background()
	start(t, h)

	id, err := h.svc.ScheduleRecurring(ctx, "standup", recurrence.TimeOfDay{Hour: 8}, recurrence.Daily(), nil)
	require.NoError(t, err)
	h.drain()

	h.clk.Set(h.at(11, 8, 0))
	h.del.drop(id)
	h.del.fired <- delivery.Fired{ID: id, At: h.at(11, 8, 0), FiredAt: h.clk.Now()}

	ev := waitEvent(t, h, eventbus.Fired)
	assert.Equal(t, id, ev.ID)

	want := h.at(12, 8, 0)
	require.Eventually(t, func() bool {
		e, err := h.store.Get(ctx, id)
		return err == nil && e.ScheduledAt.Equal(want)
	}, 2*time.Second, 10*time.Millisecond)

	at, ok := h.del.registered(id)
	require.True(t, ok)
	assert.True(t, at.Equal(want))
}

func TestFiredEarlyStillAdvancesPastRegisteredInstant(t *testing.T) {
	h := newHarness(t)
	h.clk.Set(h.at(11, 7, 0))
	ctx := context.Background()
	start(t, h)

	id, err := h.svc.ScheduleRecurring(ctx, "standup", recurrence.TimeOfDay{Hour: 8}, recurrence.Daily(), nil)
	require.NoError(t, err)

	// Delivery fired a few seconds before the local clock reached 08:00.
	h.clk.Set(h.at(11, 8, 0).Add(-3 * time.Second))
	h.del.fired <- delivery.Fired{ID: id, At: h.at(11, 8, 0), FiredAt: h.clk.Now()}

	want := h.at(12, 8, 0)
	require.Eventually(t, func() bool {
		e, err := h.store.Get(ctx, id)
		return err == nil && e.ScheduledAt.Equal(want)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFiredDeliveryErrorEmitsErrorAndAdvances(t *testing.T) {
	h := newHarness(t)
	h.clk.Set(h.at(11, 7, 0))
	ctx := context.Background()
	start(t, h)

	id, err := h.svc.ScheduleRecurring(ctx, "standup", recurrence.TimeOfDay{Hour: 8}, recurrence.Daily(), nil)
	require.NoError(t, err)
	h.drain()

	h.clk.Set(h.at(11, 8, 0))
	h.del.fired <- delivery.Fired{ID: id, At: h.at(11, 8, 0), Err: errors.New("chat gone")}

	ev := waitEvent(t, h, eventbus.Error)
	assert.Equal(t, id, ev.ID)
	assert.Contains(t, ev.Detail, "chat gone")

	require.Eventually(t, func() bool {
		e, err := h.store.Get(ctx, id)
		return err == nil && e.ScheduledAt.Equal(h.at(12, 8, 0))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFiredOneTimeEntryRetainedAsInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start(t, h)

	id, err := h.svc.ScheduleOnce(ctx, "lunch", h.at(11, 12, 0), nil)
	require.NoError(t, err)

	h.clk.Set(h.at(11, 12, 0))
	h.del.drop(id)
	h.del.fired <- delivery.Fired{ID: id, At: h.at(11, 12, 0)}
	waitEvent(t, h, eventbus.Fired)

	view, err := h.svc.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.False(t, view[0].IsActive)
}

func TestFiredOneTimeEntryDeletedWhenNotRetained(t *testing.T) {
	h := newHarness(t, WithRetainFired(false))
	ctx := context.Background()
	start(t, h)

	id, err := h.svc.ScheduleOnce(ctx, "lunch", h.at(11, 12, 0), nil)
	require.NoError(t, err)

	h.clk.Set(h.at(11, 12, 0))
	h.del.drop(id)
	h.del.fired <- delivery.Fired{ID: id, At: h.at(11, 12, 0)}
	waitEvent(t, h, eventbus.Fired)

	require.Eventually(t, func() bool {
		_, err := h.store.Get(ctx, id)
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFiredForCancelledEntryIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start(t, h)

	h.del.fired <- delivery.Fired{ID: 99, At: h.clk.Now()}
	id, err := h.svc.ScheduleOnce(ctx, "after", h.at(11, 12, 0), nil)
	require.NoError(t, err)

	ev := waitEvent(t, h, eventbus.Scheduled)
	assert.Equal(t, id, ev.ID)
	assert.Empty(t, h.drain())
}

func TestStartRestoresRegistrations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tod := recurrence.TimeOfDay{Hour: 8}

	entries := []storage.Entry{
		{ID: 1, Content: "future once", Rule: recurrence.None(), ScheduledAt: h.at(11, 12, 0)},
		{ID: 2, Content: "past once", Rule: recurrence.None(), ScheduledAt: h.at(10, 12, 0)},
		{ID: 3, Content: "stale daily", Rule: recurrence.Daily(), TimeOfDay: &tod, ScheduledAt: h.at(9, 8, 0)},
	}
	for _, e := range entries {
		require.NoError(t, h.store.Put(ctx, e))
	}

	start(t, h)

	at, ok := h.del.registered(1)
	require.True(t, ok)
	assert.True(t, at.Equal(h.at(11, 12, 0)))

	_, ok = h.del.registered(2)
	assert.False(t, ok)

	at, ok = h.del.registered(3)
	require.True(t, ok)
	assert.True(t, at.Equal(h.at(12, 8, 0)))
	e, err := h.store.Get(ctx, 3)
	require.NoError(t, err)
	assert.True(t, e.ScheduledAt.Equal(h.at(12, 8, 0)))

	// New identifiers never collide with restored ones.
	id, err := h.svc.ScheduleOnce(ctx, "new", h.at(11, 18, 0), nil)
	require.NoError(t, err)
	assert.Greater(t, id, int64(3))

	// Start twice is harmless.
	require.NoError(t, h.svc.Start(ctx))
}

func TestFiredReArmPersistsBeforeRegistering(t *testing.T) {
	h := newHarness(t)
	h.clk.Set(h.at(11, 7, 0))
	ctx := context.Background()
	start(t, h)

	id, err := h.svc.ScheduleRecurring(ctx, "standup", recurrence.TimeOfDay{Hour: 8}, recurrence.Daily(), nil)
	require.NoError(t, err)
	h.drain()

	h.clk.Set(h.at(11, 8, 0))
	h.del.drop(id)
	h.store.setPutErr(errors.New("disk full"))
	h.del.fired <- delivery.Fired{ID: id, At: h.at(11, 8, 0), FiredAt: h.clk.Now()}

	ev := waitEvent(t, h, eventbus.Error)
	assert.Equal(t, id, ev.ID)
	assert.Contains(t, ev.Detail, "disk full")

	_, armed := h.del.registered(id)
	assert.False(t, armed)
	e, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.ScheduledAt.Equal(h.at(11, 8, 0)))
}

func TestFiredInRepeatedHourReArmsForNextDay(t *testing.T) {
	h := newHarness(t)
	loc := h.clk.Location()
	h.clk.Set(h.at(1, 12, 0))
	ctx := context.Background()
	start(t, h)

	tod := recurrence.TimeOfDay{Hour: 1, Minute: 30}
	id, err := h.svc.ScheduleRecurring(ctx, "night shift", tod, recurrence.Daily(), nil)
	require.NoError(t, err)
	first, err := recurrence.NextOccurrence(recurrence.Daily(), tod, loc, h.at(1, 12, 0))
	require.NoError(t, err)
	h.drain()

	// 01:30 happens twice on 2025-11-02; only the first counts.
	h.clk.Set(first)
	h.del.drop(id)
	h.del.fired <- delivery.Fired{ID: id, At: first, FiredAt: first}
	waitEvent(t, h, eventbus.Fired)

	want := h.at(3, 1, 30)
	require.Eventually(t, func() bool {
		e, err := h.store.Get(ctx, id)
		return err == nil && e.ScheduledAt.Equal(want)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartDeregistersStrayRegistrations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.svc.ScheduleOnce(ctx, "lunch", h.at(11, 12, 0), nil)
	require.NoError(t, err)

	// Left behind by a purge that never ran before the last shutdown.
	require.NoError(t, h.del.Register(ctx, 77, h.at(11, 13, 0), delivery.Payload{Content: "ghost"}))
	start(t, h)

	_, ok := h.del.registered(77)
	assert.False(t, ok)
	_, ok = h.del.registered(id)
	assert.True(t, ok)
}
