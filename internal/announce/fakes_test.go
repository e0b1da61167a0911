package announce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koorzenb/announcement-scheduler/internal/clock"
	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	"github.com/koorzenb/announcement-scheduler/internal/eventbus"
	"github.com/koorzenb/announcement-scheduler/internal/storage"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

var errRejected = errors.New("rejected by delivery")

// fakeDelivery records registrations and lets tests inject failures and
// fired notifications.
type fakeDelivery struct {
	mu             sync.Mutex
	regs           map[int64]time.Time
	failRegister   error
	failDeregister map[int64]error
	fired          chan delivery.Fired
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{
		regs:           map[int64]time.Time{},
		failDeregister: map[int64]error{},
		fired:          make(chan delivery.Fired, 16),
	}
}

func (d *fakeDelivery) Register(ctx context.Context, id int64, at time.Time, p delivery.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRegister != nil {
		return d.failRegister
	}
	d.regs[id] = at
	return nil
}

func (d *fakeDelivery) Deregister(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failDeregister[id]; err != nil {
		return err
	}
	delete(d.regs, id)
	return nil
}

func (d *fakeDelivery) Active(ctx context.Context) (map[int64]time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int64]time.Time, len(d.regs))
	for k, v := range d.regs {
		out[k] = v
	}
	return out, nil
}

func (d *fakeDelivery) Fired() <-chan delivery.Fired { return d.fired }

func (d *fakeDelivery) registered(id int64) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.regs[id]
	return at, ok
}

func (d *fakeDelivery) drop(id int64) {
	d.mu.Lock()
	delete(d.regs, id)
	d.mu.Unlock()
}

func (d *fakeDelivery) setFailDeregister(id int64, err error) {
	d.mu.Lock()
	if err == nil {
		delete(d.failDeregister, id)
	} else {
		d.failDeregister[id] = err
	}
	d.mu.Unlock()
}

// flakyStore fails Put while putErr is set and Get while getErr is set.
type flakyStore struct {
	storage.Store
	mu     sync.Mutex
	putErr error
	getErr error
}

func (s *flakyStore) Get(ctx context.Context, id int64) (storage.Entry, error) {
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return storage.Entry{}, err
	}
	return s.Store.Get(ctx, id)
}

func (s *flakyStore) setGetErr(err error) {
	s.mu.Lock()
	s.getErr = err
	s.mu.Unlock()
}

func (s *flakyStore) Put(ctx context.Context, e storage.Entry) error {
	s.mu.Lock()
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, e)
}

func (s *flakyStore) setPutErr(err error) {
	s.mu.Lock()
	s.putErr = err
	s.mu.Unlock()
}

type harness struct {
	svc    *Service
	store  *flakyStore
	del    *fakeDelivery
	clk    *clock.Manual
	events <-chan eventbus.Event
}

func halifax(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Halifax")
	require.NoError(t, err)
	return loc
}

// newHarness builds a service whose clock reads 2025-11-11 10:00 Halifax.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	loc := halifax(t)
	h := &harness{
		store: &flakyStore{Store: storage.NewMemory()},
		del:   newFakeDelivery(),
		clk:   clock.NewManual(time.Date(2025, 11, 11, 10, 0, 0, 0, loc), loc),
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(256)
	t.Cleanup(unsub)
	h.events = ch

	svc, err := New(Deps{Store: h.store, Delivery: h.del, Clock: h.clk, Bus: bus, Log: logx.Nop()}, opts...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) at(d int, hour, min int) time.Time {
	return time.Date(2025, 11, d, hour, min, 0, 0, h.clk.Location())
}

// drain returns the events published so far.
func (h *harness) drain() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []eventbus.Event) []eventbus.Kind {
	out := make([]eventbus.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}
