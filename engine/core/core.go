// Package core is the query-facing facade. It builds the embedding client,
// vector index, query engine and enrichment orchestrator from configuration
// and exposes SearchText, SearchByImage and Enrich.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/engine/embedding"
	"github.com/charsearch/charsearch/engine/enrich"
	"github.com/charsearch/charsearch/engine/index"
	"github.com/charsearch/charsearch/engine/ingest"
	"github.com/charsearch/charsearch/engine/search"
	"github.com/charsearch/charsearch/pkg/clipserver"
	"github.com/charsearch/charsearch/pkg/config"
	"github.com/charsearch/charsearch/pkg/metrics"
	"github.com/charsearch/charsearch/pkg/openai"
	"github.com/charsearch/charsearch/pkg/resilience"
)

// Lookup breaker settings.
const (
	breakerFailThreshold = 5
	breakerTimeout       = 30 * time.Second
)

// Deps lets callers supply prebuilt collaborators. Nil fields are built
// from configuration.
type Deps struct {
	Model  embedding.Model
	Index  index.Index
	Lookup enrich.Lookup
}

// Core owns the long-lived engine components.
type Core struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	encoder  *embedding.Client
	index    index.Index
	engine   *search.Engine
	enricher *enrich.Orchestrator

	closers []func() error
}

// New builds a Core. The embedding model is probed once; failure is fatal
// and reported as domain.ErrModelUnavailable.
func New(ctx context.Context, cfg config.Config, deps Deps, logger *zap.Logger, m *metrics.Metrics) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Core{cfg: cfg, logger: logger, metrics: m}

	model := deps.Model
	if model == nil {
		built, closer, err := NewModel(cfg.Embedding, m, logger)
		if err != nil {
			return nil, err
		}
		model = built
		c.onClose(closer)
	}

	enc, err := embedding.New(ctx, model, logger.Named("embedding"))
	if err != nil {
		c.Close()
		return nil, err
	}
	c.encoder = enc

	idx := deps.Index
	if idx == nil {
		idx, err = OpenIndex(ctx, cfg.Index, enc.Dims(), logger.Named("index"))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.onClose(idx.Close)
	}
	if idx.Dims() != enc.Dims() {
		c.Close()
		return nil, fmt.Errorf("core: index %q: %w", cfg.Index.Collection, &domain.DimensionError{Want: idx.Dims(), Got: enc.Dims()})
	}
	c.index = idx

	c.engine = search.New(enc, idx, m, logger.Named("search"))

	lookup := deps.Lookup
	if lookup == nil {
		lookup = enrich.NewJikan(cfg.Enrich.LookupURL, cfg.Harvest.UserAgent, config.Seconds(cfg.Enrich.TimeoutSec))
	}
	c.enricher = enrich.New(enrich.Deps{
		Lookup: lookup,
		Limiter: resilience.NewWindow(resilience.WindowOpts{
			Name:   "lookup",
			Limit:  cfg.Enrich.RateLimit,
			Period: config.Seconds(cfg.Enrich.RateWindowSec),
			OnWait: m.Wait,
		}),
		Breaker: enrich.NewBreaker(m, breakerFailThreshold, breakerTimeout),
		Metrics: m,
		Logger:  logger.Named("enrich"),
	}, cfg.Enrich.Workers)

	return c, nil
}

// NewModel builds the configured model transport, wrapped in the Redis text
// cache when cache addresses are set. The returned closer is never nil.
func NewModel(cfg config.EmbeddingConfig, m *metrics.Metrics, logger *zap.Logger) (embedding.Model, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Seconds(cfg.TimeoutSec)
	var model embedding.Model
	switch cfg.Provider {
	case "clipserver", "":
		model = clipserver.New(cfg.BaseURL, cfg.Model, timeout)
	case "openai":
		model = openai.NewEmbedder(&openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: timeout,
			Logger:  logger.Named("openai"),
		})
	default:
		return nil, nil, fmt.Errorf("core: %w: unknown provider %q", domain.ErrModelUnavailable, cfg.Provider)
	}

	if len(cfg.Cache.Addrs) == 0 {
		return model, func() error { return nil }, nil
	}
	store, err := embedding.NewRedisStore(cfg.Cache.Addrs, cfg.Cache.Password)
	if err != nil {
		// The cache is an optimisation; run uncached.
		logger.Warn("embedding cache disabled", zap.Strings("addrs", cfg.Cache.Addrs), zap.Error(err))
		return model, func() error { return nil }, nil
	}
	cached := embedding.NewCachedModel(model, store, config.Seconds(cfg.Cache.TTLSec), m, logger.Named("cache"))
	return cached, func() error { store.Close(); return nil }, nil
}

// OpenIndex opens the configured backend with dimensionality dims.
func OpenIndex(ctx context.Context, cfg config.IndexConfig, dims int, logger *zap.Logger) (index.Index, error) {
	switch cfg.Backend {
	case "bolt", "":
		return index.OpenBolt(index.BoltOptions{Path: cfg.Path, Collection: cfg.Collection, Dims: dims, Logger: logger})
	case "qdrant":
		return index.OpenQdrant(ctx, cfg.QdrantAddr, cfg.Collection, dims, logger)
	}
	return nil, fmt.Errorf("core: %w: unknown backend %q", domain.ErrIndexUnavailable, cfg.Backend)
}

func (c *Core) onClose(f func() error) {
	c.closers = append(c.closers, f)
}

// SearchText runs a text query.
func (c *Core) SearchText(ctx context.Context, text string, topK int, threshold float64) ([]domain.SearchHit, error) {
	return c.engine.SearchText(ctx, text, topK, threshold)
}

// SearchByImage runs an example-image query.
func (c *Core) SearchByImage(ctx context.Context, data []byte, topK int, threshold float64) ([]domain.SearchHit, error) {
	return c.engine.SearchImage(ctx, data, topK, threshold)
}

// Enrich decorates hits with external records.
func (c *Core) Enrich(ctx context.Context, hits []domain.SearchHit) ([]domain.EnrichedHit, error) {
	return c.enricher.Enrich(ctx, hits)
}

// Count returns the number of indexed entries.
func (c *Core) Count(ctx context.Context) (int, error) {
	return c.index.Count(ctx)
}

// Defaults returns the configured topK and threshold.
func (c *Core) Defaults() (int, float64) {
	return c.cfg.Search.TopK, c.cfg.Search.Threshold
}

// ModelName returns the embedding model in use.
func (c *Core) ModelName() string { return c.encoder.ModelName() }

// IngestPipeline returns an ingestion pipeline writing to this core's index.
func (c *Core) IngestPipeline(onProgress func(done, total int)) *ingest.Pipeline {
	return ingest.NewPipeline(ingest.Options{
		Root:       c.cfg.Harvest.CorpusDir,
		Patterns:   c.cfg.Ingest.Patterns,
		BatchSize:  c.cfg.Ingest.BatchSize,
		Workers:    c.cfg.Ingest.Workers,
		OnProgress: onProgress,
	}, ingest.Deps{
		Encoder: c.encoder,
		Index:   c.index,
		Metrics: c.metrics,
		Logger:  c.logger.Named("ingest"),
	})
}

// Close releases every component opened by New, in reverse order.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
