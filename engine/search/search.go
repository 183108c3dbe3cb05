// Package search answers similarity queries against the vector index, by
// text description or by example image.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/engine/index"
	"github.com/charsearch/charsearch/pkg/metrics"
)

// Encoder embeds queries into the index's vector space.
type Encoder interface {
	EncodeText(ctx context.Context, text string) (domain.Vector, error)
	EncodeImage(ctx context.Context, data []byte) (domain.Vector, error)
}

// Searcher is the subset of index.Index used for queries.
type Searcher interface {
	Query(ctx context.Context, q domain.Vector, k int) ([]domain.Neighbor, error)
}

var _ Searcher = (index.Index)(nil)

// Query kinds, used as metric labels.
const (
	KindText  = "text"
	KindImage = "image"
)

// Engine runs encode, query, score and filter.
type Engine struct {
	enc     Encoder
	idx     Searcher
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a query engine.
func New(enc Encoder, idx Searcher, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{enc: enc, idx: idx, metrics: m, logger: logger}
}

// SearchText returns the hits for a text description. Blank text is
// rejected with domain.ErrInvalidQuery.
func (e *Engine) SearchText(ctx context.Context, text string, topK int, threshold float64) ([]domain.SearchHit, error) {
	if err := domain.ValidateQueryText(text); err != nil {
		e.metrics.Search(KindText, "invalid", 0)
		return nil, fmt.Errorf("search: %w", err)
	}
	return e.run(ctx, KindText, topK, threshold, func(ctx context.Context) (domain.Vector, error) {
		return e.enc.EncodeText(ctx, text)
	})
}

// SearchImage returns the hits for an example image.
func (e *Engine) SearchImage(ctx context.Context, data []byte, topK int, threshold float64) ([]domain.SearchHit, error) {
	return e.run(ctx, KindImage, topK, threshold, func(ctx context.Context) (domain.Vector, error) {
		return e.enc.EncodeImage(ctx, data)
	})
}

// run returns hits nearest first, keeping only score >= threshold. topK <= 0
// or threshold > 1 can match nothing and return an empty slice without
// touching the model or the index. threshold <= 0 disables filtering.
func (e *Engine) run(ctx context.Context, kind string, topK int, threshold float64, encode func(context.Context) (domain.Vector, error)) ([]domain.SearchHit, error) {
	if topK <= 0 || threshold > 1 {
		e.metrics.Search(kind, "empty", 0)
		return []domain.SearchHit{}, nil
	}
	start := time.Now()

	vec, err := encode(ctx)
	if err != nil {
		err = domain.Cancelled(err)
		e.observe(kind, start, err)
		return nil, fmt.Errorf("search: encode %s query: %w", kind, err)
	}

	neighbors, err := e.idx.Query(ctx, vec, topK)
	if err != nil {
		err = domain.Cancelled(err)
		e.observe(kind, start, err)
		return nil, fmt.Errorf("search: query index: %w", err)
	}

	hits := make([]domain.SearchHit, 0, len(neighbors))
	for _, n := range neighbors {
		score := index.Score(n.Distance)
		if threshold > 0 && score < threshold {
			continue
		}
		hits = append(hits, domain.SearchHit{
			ID:       n.ID,
			Document: n.Document,
			Score:    score,
			Metadata: n.Metadata,
		})
	}

	e.observe(kind, start, nil)
	e.logger.Debug("search done",
		zap.String("kind", kind),
		zap.Int("top_k", topK),
		zap.Float64("threshold", threshold),
		zap.Int("neighbors", len(neighbors)),
		zap.Int("hits", len(hits)),
		zap.Duration("elapsed", time.Since(start)))
	return hits, nil
}

func (e *Engine) observe(kind string, start time.Time, err error) {
	e.metrics.Search(kind, Status(err), time.Since(start))
	if err != nil && !errors.Is(err, domain.ErrCancelled) {
		e.logger.Warn("search failed", zap.String("kind", kind), zap.Error(err))
	}
}

// Status is the metric label for a search outcome.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrCancelled):
		return "cancelled"
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrDecode):
		return "invalid"
	case errors.Is(err, domain.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, domain.ErrIndexUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
