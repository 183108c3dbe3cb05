package core

import (
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/engine/harvest"
	"github.com/charsearch/charsearch/pkg/config"
	"github.com/charsearch/charsearch/pkg/fn"
	"github.com/charsearch/charsearch/pkg/metrics"
	"github.com/charsearch/charsearch/pkg/resilience"
)

// NewHarvest builds the harvest pipeline from configuration. It needs no
// embedding model. notifier may be nil.
func NewHarvest(cfg config.HarvestConfig, notifier harvest.Notifier, m *metrics.Metrics, logger *zap.Logger) (*harvest.Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Seconds(cfg.TimeoutSec)
	dl, err := harvest.NewDownloader(harvest.DownloaderOptions{
		Dir:       cfg.CorpusDir,
		RPS:       cfg.DownloadRPS,
		MaxBytes:  cfg.MaxImageBytes,
		UserAgent: cfg.UserAgent,
		Timeout:   timeout,
	})
	if err != nil {
		return nil, err
	}

	deps := harvest.Deps{
		Catalog: harvest.NewCatalog(cfg.CatalogURL, cfg.UserAgent, timeout),
		Limiter: resilience.NewWindow(resilience.WindowOpts{
			Name:   "catalog",
			Limit:  cfg.RateLimit,
			Period: config.Seconds(cfg.RateWindowSec),
			OnWait: m.Wait,
		}),
		Downloader: dl,
		Notifier:   notifier,
		Metrics:    m,
		Logger:     logger.Named("harvest"),
	}

	return harvest.NewPipeline(harvest.Options{
		FirstPage:       cfg.FirstPage,
		LastPage:        cfg.LastPage,
		CatalogWorkers:  cfg.CatalogWorkers,
		DownloadWorkers: cfg.DownloadWorkers,
		Retry: fn.RetryOpts{
			MaxAttempts: cfg.Retries,
			InitialWait: fn.DefaultRetry.InitialWait,
			MaxWait:     fn.DefaultRetry.MaxWait,
			Jitter:      true,
			Retryable:   domain.IsTemporary,
		},
	}, deps), nil
}
