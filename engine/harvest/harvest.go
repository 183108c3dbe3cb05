// Package harvest crawls the character catalog through a shared rate limiter
// and downloads the portraits it finds into the local image corpus.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/pkg/fn"
	"github.com/charsearch/charsearch/pkg/metrics"
	"github.com/charsearch/charsearch/pkg/natsutil"
	"github.com/charsearch/charsearch/pkg/resilience"
)

// StoredSubject is the NATS subject announcing a newly stored corpus image.
const StoredSubject = "corpus.image.stored"

// StoredImage describes one image written to the corpus.
type StoredImage struct {
	ID   string             `json:"id"`
	Path string             `json:"path"`
	Item domain.HarvestItem `json:"item"`
}

// Notifier is told about every stored image.
type Notifier interface {
	ImageStored(ctx context.Context, img StoredImage) error
}

// NATSNotifier publishes StoredImage events.
type NATSNotifier struct {
	pub natsutil.Publisher
}

// NewNATSNotifier creates a notifier publishing on StoredSubject.
func NewNATSNotifier(pub natsutil.Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

// ImageStored publishes img.
func (n *NATSNotifier) ImageStored(ctx context.Context, img StoredImage) error {
	return natsutil.Publish(ctx, n.pub, StoredSubject, img)
}

// Options configures a harvest run.
type Options struct {
	FirstPage       int
	LastPage        int
	CatalogWorkers  int
	DownloadWorkers int
	// Retry applies to catalog pages. Only temporary failures are retried.
	Retry fn.RetryOpts
}

// Deps holds the collaborators of a Pipeline.
type Deps struct {
	Catalog    PageFetcher
	Limiter    resilience.Acquirer
	Downloader ImageFetcher
	Notifier   Notifier // optional
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Stats summarises a harvest run.
type Stats struct {
	PagesFetched   int `json:"pages_fetched"`
	PagesFailed    int `json:"pages_failed"`
	Items          int `json:"items"`
	Unique         int `json:"unique"`
	Downloaded     int `json:"downloaded"`
	DownloadFailed int `json:"download_failed"`
}

// Pipeline runs the catalog stage then the download stage. Each stage has
// its own worker pool; the catalog stage shares one rate limiter.
type Pipeline struct {
	opts Options
	deps Deps
	log  *zap.Logger
}

// NewPipeline creates a harvest pipeline.
func NewPipeline(opts Options, deps Deps) *Pipeline {
	if opts.CatalogWorkers <= 0 {
		opts.CatalogWorkers = 1
	}
	if opts.DownloadWorkers <= 0 {
		opts.DownloadWorkers = 1
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = domain.IsTemporary
	}
	if opts.Retry.Delay == nil {
		opts.Retry.Delay = domain.RetryAfter
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Debug("catalog page retry", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}
	}
	return &Pipeline{opts: opts, deps: deps, log: log}
}

// Pages returns the page ids of the run, in order.
func (p *Pipeline) Pages() []int {
	if p.opts.LastPage < p.opts.FirstPage {
		return nil
	}
	pages := make([]int, 0, p.opts.LastPage-p.opts.FirstPage+1)
	for id := p.opts.FirstPage; id <= p.opts.LastPage; id++ {
		pages = append(pages, id)
	}
	return pages
}

// Run harvests every page. Failed pages and failed downloads are logged and
// skipped. The only error is ErrCancelled when ctx ends the run early; the
// stats gathered so far are returned with it.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	start := time.Now()

	fetch := fn.TracedStage("harvest.page",
		fn.RetryStage(p.opts.Retry,
			resilience.Gate(p.deps.Limiter, p.deps.Catalog.FetchPage)))

	pages := p.Pages()
	results := fn.ParMapCtx(ctx, pages, p.opts.CatalogWorkers, fetch)

	var items []domain.HarvestItem
	for i, r := range results {
		found, err := r.Unwrap()
		if err != nil {
			stats.PagesFailed++
			p.deps.Metrics.Page(false)
			if ctx.Err() == nil {
				p.log.Warn("catalog page skipped", zap.Int("page", pages[i]), zap.Error(err))
			}
			continue
		}
		stats.PagesFetched++
		p.deps.Metrics.Page(true)
		items = append(items, found...)
	}
	stats.Items = len(items)
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("harvest: catalog stage: %w", domain.Cancelled(err))
	}

	unique := fn.LastBy(items, func(it domain.HarvestItem) string { return it.DerivedName })
	stats.Unique = len(unique)
	p.log.Info("catalog stage done",
		zap.Int("pages", stats.PagesFetched),
		zap.Int("failed", stats.PagesFailed),
		zap.Int("items", stats.Items),
		zap.Int("unique", stats.Unique))

	download := fn.TracedStage("harvest.download", p.deps.Downloader.Download)
	stored := fn.ParMapCtx(ctx, unique, p.opts.DownloadWorkers, download)
	for i, r := range stored {
		path, err := r.Unwrap()
		if err != nil {
			stats.DownloadFailed++
			p.deps.Metrics.Download(false)
			if ctx.Err() == nil {
				p.log.Warn("download skipped", zap.String("id", unique[i].DerivedName), zap.Error(err))
			}
			continue
		}
		stats.Downloaded++
		p.deps.Metrics.Download(true)
		p.notify(ctx, StoredImage{ID: unique[i].DerivedName, Path: path, Item: unique[i]})
	}

	p.log.Info("harvest finished",
		zap.Int("downloaded", stats.Downloaded),
		zap.Int("download_failed", stats.DownloadFailed),
		zap.Duration("elapsed", time.Since(start)))
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("harvest: download stage: %w", domain.Cancelled(err))
	}
	return stats, nil
}

func (p *Pipeline) notify(ctx context.Context, img StoredImage) {
	if p.deps.Notifier == nil {
		return
	}
	if err := p.deps.Notifier.ImageStored(ctx, img); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("stored-image event not published", zap.String("id", img.ID), zap.Error(err))
	}
}
