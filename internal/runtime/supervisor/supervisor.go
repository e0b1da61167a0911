// Package supervisor owns the announcer's long-lived goroutines. Each task
// runs under a shared context with panic recovery; restartable tasks are
// retried with jittered exponential backoff until they return nil.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// TaskStats is a point-in-time view of the goroutines started under one name.
type TaskStats struct {
	Name      string    `json:"name"`
	Running   int64     `json:"running"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at"`
}

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg   sync.WaitGroup
	done chan struct{}
	wait sync.Once

	mu    sync.Mutex
	err   error
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first task failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  make(map[string]*TaskStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first task failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns one entry per task name, ordered by name.
func (s *Supervisor) Stats() []TaskStats {
	s.mu.Lock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b TaskStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Supervisor) update(name string, fn func(*TaskStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		st = &TaskStats{Name: name}
		s.tasks[name] = st
	}
	fn(st)
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// failed reports whether err should count against the task.
func (s *Supervisor) failed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && s.ctx.Err() == nil
}

func (s *Supervisor) call(name string, fn func(context.Context) error) (err error) {
	s.update(name, func(st *TaskStats) { st.Running++ })
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.log.Error("task panicked",
				logx.String("task", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
		s.update(name, func(st *TaskStats) {
			st.Running--
			if panicked {
				st.Panics++
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				st.LastErr = err.Error()
				st.LastErrAt = time.Now()
			}
		})
	}()
	return fn(s.ctx)
}

// Go runs fn once. An error or panic becomes the supervisor error unless
// the context was already cancelled.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.call(name, fn); s.failed(err) {
			s.record(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

type restartPolicy struct {
	min, max time.Duration
	limit    int
}

// RestartOption tunes GoRestart.
type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
// Zero or less retries forever.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.limit = n }
}

// healthyRun resets the backoff when a task survived at least this long.
const healthyRun = 30 * time.Second

func (p restartPolicy) jitter(d time.Duration) time.Duration {
	if span := int64(d / 5); span > 0 {
		d += time.Duration(rand.Int64N(span + 1))
	}
	return d
}

// GoRestart runs fn until it returns nil or the supervisor stops, restarting
// it after every error or panic.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.max = max(p.max, p.min)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := p.min
		for n := 1; ; n++ {
			began := time.Now()
			err := s.call(name, fn)
			if !s.failed(err) {
				return
			}
			if p.limit > 0 && n > p.limit {
				s.log.Error("task exhausted restarts", logx.String("task", name), logx.Int("restarts", p.limit), logx.Err(err))
				s.record(fmt.Errorf("%s: %w", name, err))
				return
			}
			s.update(name, func(st *TaskStats) { st.Restarts++ })

			if time.Since(began) >= healthyRun {
				delay = p.min
			}
			pause := p.jitter(delay)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", pause), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(pause):
			}
			delay = min(delay*2, p.max)
		}
	}()
}

// Stop cancels the shared context and waits for every task.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all tasks return or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.wait.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
