package delivery

import (
	"container/heap"
	"context"
	"maps"
	"sync"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/clock"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

const (
	defaultMaxSleep    = 60 * time.Second
	defaultFiredBuffer = 64
)

// Timers is an in-process Subsystem. A single loop sleeps until the earliest
// registration, hands it to the Sender and reports it on Fired.
//
// Sleeps are capped so wall-clock steps and host suspend are noticed.
type Timers struct {
	clk      clock.Clock
	sender   Sender
	log      logx.Logger
	maxSleep time.Duration

	mu     sync.Mutex
	queue  timerQueue
	byID   map[int64]*registration
	closed bool

	wake  chan struct{}
	fired chan Fired
}

type TimersOption func(*Timers)

// WithMaxSleep bounds how long the loop sleeps before re-reading the clock.
func WithMaxSleep(d time.Duration) TimersOption {
	return func(t *Timers) {
		if d > 0 {
			t.maxSleep = d
		}
	}
}

// WithFiredBuffer sets the capacity of the Fired channel.
func WithFiredBuffer(n int) TimersOption {
	return func(t *Timers) {
		if n > 0 {
			t.fired = make(chan Fired, n)
		}
	}
}

func NewTimers(clk clock.Clock, sender Sender, log logx.Logger, opts ...TimersOption) *Timers {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Timers{
		clk:      clk,
		sender:   sender,
		log:      log,
		maxSleep: defaultMaxSleep,
		byID:     map[int64]*registration{},
		wake:     make(chan struct{}, 1),
		fired:    make(chan Fired, defaultFiredBuffer),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Timers) Register(ctx context.Context, id int64, at time.Time, p Payload) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrStopped
	}
	if r, ok := t.byID[id]; ok {
		r.at = at
		r.payload = p
		heap.Fix(&t.queue, r.index)
	} else {
		r := &registration{id: id, at: at, payload: p}
		heap.Push(&t.queue, r)
		t.byID[id] = r
	}
	t.mu.Unlock()
	t.Kick()
	return nil
}

func (t *Timers) Deregister(ctx context.Context, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrStopped
	}
	if r, ok := t.byID[id]; ok {
		t.queue.remove(r)
		delete(t.byID, id)
	}
	return nil
}

func (t *Timers) Active(ctx context.Context) (map[int64]time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]time.Time, len(t.byID))
	for id, r := range t.byID {
		out[id] = r.at
	}
	return out, nil
}

func (t *Timers) Fired() <-chan Fired { return t.fired }

// Kick makes the loop re-read the clock now.
func (t *Timers) Kick() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Close rejects further registrations. Pending ones are dropped.
func (t *Timers) Close() {
	t.mu.Lock()
	t.closed = true
	t.queue = nil
	clear(t.byID)
	t.mu.Unlock()
	t.Kick()
}

// Run drives the timer loop until ctx is done.
func (t *Timers) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		var timerCh <-chan time.Time
		if d, ok := t.nextWait(); ok {
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}

		if err := t.fireDue(ctx); err != nil {
			return err
		}
	}
}

func (t *Timers) nextWait() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return 0, false
	}
	d := t.queue[0].at.Sub(t.clk.Now())
	if d < 0 {
		d = 0
	}
	if d > t.maxSleep {
		d = t.maxSleep
	}
	return d, true
}

func (t *Timers) popDue(now time.Time) []*registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []*registration
	for len(t.queue) > 0 && !t.queue[0].at.After(now) {
		r := heap.Pop(&t.queue).(*registration)
		delete(t.byID, r.id)
		due = append(due, r)
	}
	return due
}

func (t *Timers) fireDue(ctx context.Context) error {
	for _, r := range t.popDue(t.clk.Now()) {
		var err error
		if t.sender != nil {
			err = t.sender.Send(ctx, r.id, Payload{Content: r.payload.Content, Metadata: maps.Clone(r.payload.Metadata)})
		}
		if err != nil {
			t.log.Warn("delivery failed", logx.Int64("id", r.id), logx.Err(err))
		}
		ev := Fired{ID: r.id, At: r.at, FiredAt: t.clk.Now(), Err: err}
		select {
		case t.fired <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
