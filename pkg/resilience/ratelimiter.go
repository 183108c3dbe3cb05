package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charsearch/charsearch/pkg/fn"
)

// ErrCancelled is returned by Acquire when the caller gives up before a slot
// was granted. No slot is consumed in that case.
var ErrCancelled = errors.New("cancelled")

// Clock abstracts time for the limiter.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Acquirer is anything that can hand out rate-limited slots.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// WindowOpts configures a Window limiter.
type WindowOpts struct {
	// Limit is the maximum number of acquisitions per Period.
	Limit int
	// Period is the rolling window length.
	Period time.Duration
	// Name labels wait-time observations.
	Name string
	// OnWait, if set, is called with the time each successful Acquire spent blocked.
	OnWait func(name string, d time.Duration)
	// Clock defaults to the wall clock.
	Clock Clock
}

// Window bounds acquisitions to at most Limit completions in any rolling
// window of length Period, across all callers. Windows are half-open
// [t, t+Period): a completion exactly Period after another falls in the next
// window, so completions Limit apart are at least Period apart. Callers are admitted in FIFO
// order: one goroutine at a time holds the turn and waits for the oldest
// recorded completion to leave the window.
type Window struct {
	opts WindowOpts
	turn chan struct{}

	mu    sync.Mutex
	ring  []time.Time // last Limit completion times
	head  int         // index of the oldest entry once full
	count int
}

// NewWindow creates a sliding-window limiter.
func NewWindow(opts WindowOpts) *Window {
	if opts.Limit <= 0 {
		opts.Limit = 1
	}
	if opts.Period <= 0 {
		opts.Period = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Window{
		opts: opts,
		turn: make(chan struct{}, 1),
		ring: make([]time.Time, opts.Limit),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (w *Window) Acquire(ctx context.Context) error {
	start := w.opts.Clock.Now()

	select {
	case w.turn <- struct{}{}:
	case <-ctx.Done():
		return cancelled(ctx)
	}
	defer func() { <-w.turn }()

	for {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		now := w.opts.Clock.Now()
		wait := w.delay(now)
		if wait <= 0 {
			w.record(now)
			if w.opts.OnWait != nil {
				w.opts.OnWait(w.opts.Name, now.Sub(start))
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return cancelled(ctx)
		case <-w.opts.Clock.After(wait):
		}
	}
}

// delay returns how long until a completion at now would respect the bound.
func (w *Window) delay(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count < w.opts.Limit {
		return 0
	}
	return w.ring[w.head].Add(w.opts.Period).Sub(now)
}

func (w *Window) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count < w.opts.Limit {
		w.ring[(w.head+w.count)%w.opts.Limit] = now
		w.count++
		return
	}
	w.ring[w.head] = now
	w.head = (w.head + 1) % w.opts.Limit
}

// InFlight returns how many completions fall inside the window ending now.
func (w *Window) InFlight() int {
	now := w.opts.Clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for i := 0; i < w.count; i++ {
		if now.Sub(w.ring[(w.head+i)%w.opts.Limit]) < w.opts.Period {
			n++
		}
	}
	return n
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// Gate wraps an fn.Stage so every invocation first acquires a slot.
func Gate[In, Out any](a Acquirer, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := a.Acquire(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
