package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/charsearch/charsearch/pkg/fn"
)

// fakeClock jumps forward instead of sleeping. Only the turn holder calls
// After, so time stays monotonic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWindowBurstThenBlocks(t *testing.T) {
	clock := newFakeClock()
	w := NewWindow(WindowOpts{Limit: 3, Period: 10 * time.Second, Clock: clock})
	ctx := context.Background()
	start := clock.Now()

	for i := 0; i < 3; i++ {
		if err := w.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clock.Now() != start {
		t.Fatal("first Limit acquisitions must not wait")
	}
	if err := w.Acquire(ctx); err != nil {
		t.Fatalf("acquire 4: %v", err)
	}
	if got := clock.Now().Sub(start); got != 10*time.Second {
		t.Fatalf("4th acquisition should wait a full period, waited %v", got)
	}
}

func TestWindowSpacedCallsDoNotWait(t *testing.T) {
	clock := newFakeClock()
	w := NewWindow(WindowOpts{Limit: 2, Period: time.Second, Clock: clock})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		before := clock.Now()
		if err := w.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
		if clock.Now() != before {
			t.Fatalf("call %d waited although spaced", i)
		}
		clock.Advance(600 * time.Millisecond)
	}
}

func TestWindowBoundaryIsHalfOpen(t *testing.T) {
	clock := newFakeClock()
	w := NewWindow(WindowOpts{Limit: 1, Period: time.Second, Clock: clock})
	ctx := context.Background()
	start := clock.Now()

	if err := w.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second - time.Nanosecond)
	if got := w.InFlight(); got != 1 {
		t.Fatalf("completion should still count just before Period, got %d", got)
	}
	clock.Advance(time.Nanosecond)
	if got := w.InFlight(); got != 0 {
		t.Fatalf("completion should leave the window at exactly Period, got %d", got)
	}
	if err := w.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if got := clock.Now().Sub(start); got != time.Second {
		t.Fatalf("second completion at %v, want exactly one Period", got)
	}
}

func TestWindowBoundUnderConcurrency(t *testing.T) {
	const (
		limit   = 45
		period  = 45 * time.Second
		callers = 20
		total   = 100
	)
	clock := newFakeClock()
	var mu sync.Mutex
	var stamps []time.Time
	// OnWait runs while the turn is held, so clock.Now is the completion time.
	w := NewWindow(WindowOpts{
		Limit: limit, Period: period, Clock: clock,
		OnWait: func(string, time.Duration) {
			now := clock.Now()
			mu.Lock()
			stamps = append(stamps, now)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/callers; i++ {
				if err := w.Acquire(ctx); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(stamps) != total {
		t.Fatalf("expected %d completions, got %d", total, len(stamps))
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	// Half-open windows: completion i and i+limit may be exactly period apart.
	for i := 0; i+limit < len(stamps); i++ {
		if stamps[i+limit].Sub(stamps[i]) < period {
			t.Fatalf("window starting at completion %d holds more than %d completions", i, limit)
		}
	}
}

func TestWindowCancelledDoesNotConsumeSlot(t *testing.T) {
	w := NewWindow(WindowOpts{Limit: 1, Period: time.Hour})
	if err := w.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Acquire(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error, got %v", err)
	}
	if n := w.InFlight(); n != 1 {
		t.Fatalf("cancelled acquire consumed a slot: in flight = %d", n)
	}
}

func TestWindowRealClock(t *testing.T) {
	w := NewWindow(WindowOpts{Limit: 2, Period: 50 * time.Millisecond})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := w.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("4 acquisitions at 2/50ms finished in %v", elapsed)
	}
}

func TestWindowOnWait(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	waits := map[string]time.Duration{}
	w := NewWindow(WindowOpts{
		Limit: 1, Period: time.Second, Name: "catalog", Clock: clock,
		OnWait: func(name string, d time.Duration) {
			mu.Lock()
			waits[name] += d
			mu.Unlock()
		},
	})
	_ = w.Acquire(context.Background())
	_ = w.Acquire(context.Background())
	if waits["catalog"] != time.Second {
		t.Fatalf("expected 1s recorded wait, got %v", waits["catalog"])
	}
}

func TestGate(t *testing.T) {
	w := NewWindow(WindowOpts{Limit: 1, Period: time.Hour})
	calls := 0
	stage := Gate(w, func(_ context.Context, v int) fn.Result[int] {
		calls++
		return fn.Ok(v * 2)
	})

	if r := stage(context.Background(), 2); r.Must() != 4 {
		t.Fatal("gated stage should pass through")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := stage(ctx, 3)
	if r.IsOk() {
		t.Fatal("expected cancellation")
	}
	if calls != 1 {
		t.Fatalf("stage must not run without a slot, calls = %d", calls)
	}
}
