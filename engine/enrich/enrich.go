// Package enrich decorates search hits with character records from the
// external lookup service. Lookups run concurrently under their own rate
// limit and circuit breaker; any failure leaves the hit undecorated.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/pkg/fn"
	"github.com/charsearch/charsearch/pkg/metrics"
	"github.com/charsearch/charsearch/pkg/resilience"
)

// Lookup outcomes, used as metric labels.
const (
	StatusFound       = "found"
	StatusNotFound    = "not_found"
	StatusError       = "error"
	StatusBreakerOpen = "breaker_open"
	StatusCancelled   = "cancelled"
)

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Lookup  Lookup
	Limiter resilience.Acquirer
	Breaker *resilience.Breaker // optional
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Orchestrator runs one lookup per hit with bounded concurrency.
type Orchestrator struct {
	deps    Deps
	workers int
	log     *zap.Logger
}

// New creates an Orchestrator with the given worker count.
func New(deps Deps, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{deps: deps, workers: workers, log: log}
}

// NewBreaker returns the lookup breaker. Cancellations and 4xx answers do not
// count as failures; state changes are exported to m.
func NewBreaker(m *metrics.Metrics, failThreshold int, timeout time.Duration) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerOpts{
		Name:          "lookup",
		FailThreshold: failThreshold,
		Timeout:       timeout,
		IsFailure: func(err error) bool {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			var se *domain.ServiceError
			if errors.As(err, &se) && se.Status != 0 {
				return se.Temporary()
			}
			return true
		},
		OnStateChange: func(name string, _, to resilience.State) {
			m.Breaker(name, int(to))
		},
	})
}

// Enrich returns one EnrichedHit per hit, in the same order. Hits whose
// lookup failed or found nothing keep a nil External. If ctx ends first the
// unfinished hits stay undecorated and ErrCancelled is returned with the
// slice.
func (o *Orchestrator) Enrich(ctx context.Context, hits []domain.SearchHit) ([]domain.EnrichedHit, error) {
	out := make([]domain.EnrichedHit, len(hits))
	for i, h := range hits {
		out[i] = domain.EnrichedHit{SearchHit: h}
	}
	if len(hits) == 0 {
		return out, nil
	}

	lookup := fn.TracedStage("enrich.lookup", o.lookupOne)
	results := fn.ParMapCtx(ctx, hits, o.workers, lookup)
	for i, r := range results {
		if rec, err := r.Unwrap(); err == nil {
			out[i].External = rec
		}
	}

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("enrich: %w", domain.Cancelled(err))
	}
	return out, nil
}

// lookupOne resolves a single hit. Only cancellation is reported as an
// error; every other failure degrades to a nil record. The breaker admits the
// call before a rate slot is taken, so rejected calls never spend one.
func (o *Orchestrator) lookupOne(ctx context.Context, hit domain.SearchHit) fn.Result[*domain.ExternalRecord] {
	var rec *domain.ExternalRecord
	find := func(ctx context.Context) error {
		if err := o.deps.Limiter.Acquire(ctx); err != nil {
			return err
		}
		var err error
		rec, err = o.deps.Lookup.Find(ctx, hit.Document)
		return err
	}
	var err error
	if o.deps.Breaker != nil {
		err = o.deps.Breaker.Call(ctx, find)
	} else {
		err = find(ctx)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		o.deps.Metrics.Lookup(StatusCancelled)
		return fn.Err[*domain.ExternalRecord](domain.Cancelled(ctx.Err()))
	case errors.Is(err, resilience.ErrCircuitOpen):
		o.deps.Metrics.Lookup(StatusBreakerOpen)
		return fn.Ok[*domain.ExternalRecord](nil)
	case err != nil:
		o.deps.Metrics.Lookup(StatusError)
		o.log.Warn("lookup failed", zap.String("id", hit.ID), zap.Error(err))
		return fn.Ok[*domain.ExternalRecord](nil)
	case rec == nil:
		o.deps.Metrics.Lookup(StatusNotFound)
		return fn.Ok[*domain.ExternalRecord](nil)
	}
	o.deps.Metrics.Lookup(StatusFound)
	return fn.Ok(rec)
}
