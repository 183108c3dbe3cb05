// Package ingest embeds the image corpus in batches and writes it to the
// vector index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/engine/harvest"
	"github.com/charsearch/charsearch/engine/index"
	"github.com/charsearch/charsearch/pkg/fn"
	"github.com/charsearch/charsearch/pkg/metrics"
)

// DefaultBatchSize is the number of files embedded before each index write.
const DefaultBatchSize = 32

// ImageEncoder turns image bytes into a unit-norm vector.
type ImageEncoder interface {
	EncodeImage(ctx context.Context, data []byte) (domain.Vector, error)
}

// Options configures a Pipeline.
type Options struct {
	Root      string
	Patterns  []string
	BatchSize int
	Workers   int
	// OnProgress is called after every batch with the files handled so far.
	OnProgress func(done, total int)
}

// Deps holds the collaborators of a Pipeline.
type Deps struct {
	Encoder ImageEncoder
	Index   index.Index
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Stats summarises an ingestion run.
type Stats struct {
	Files    int `json:"files"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
	Batches  int `json:"batches"`
}

// Pipeline walks the corpus, embeds every image and upserts one batch at a
// time. Re-running over an unchanged corpus leaves the index unchanged.
type Pipeline struct {
	opts   Options
	deps   Deps
	walker *Walker
	log    *zap.Logger
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(opts Options, deps Deps) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = min(runtime.GOMAXPROCS(0), 4)
	}
	if abs, err := filepath.Abs(opts.Root); err == nil {
		opts.Root = abs
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{opts: opts, deps: deps, walker: NewWalker(opts.Patterns), log: log}
}

// Run ingests every matching file under the corpus root. Index errors abort
// the run. Cancellation stops between batches; a batch is either written
// whole or not at all.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	files, err := p.walker.Walk(p.opts.Root)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: walk corpus: %w", err)
	}
	p.log.Info("corpus scanned", zap.String("root", p.opts.Root), zap.Int("files", len(files)))
	return p.IngestFiles(ctx, files)
}

// IngestFiles embeds and upserts the given files.
func (p *Pipeline) IngestFiles(ctx context.Context, files []string) (Stats, error) {
	stats := Stats{Files: len(files)}
	start := time.Now()
	done := 0
	for _, batch := range fn.Chunk(files, p.opts.BatchSize) {
		embedded, failures, err := p.runBatch(ctx, batch)
		if err != nil {
			return stats, err
		}
		stats.Embedded += embedded
		stats.Failed += len(failures)
		if embedded > 0 {
			stats.Batches++
		}
		done += len(batch)
		if p.opts.OnProgress != nil {
			p.opts.OnProgress(done, len(files))
		}
	}
	p.log.Info("ingest finished",
		zap.Int("files", stats.Files),
		zap.Int("embedded", stats.Embedded),
		zap.Int("failed", stats.Failed),
		zap.Int("batches", stats.Batches),
		zap.Duration("elapsed", time.Since(start)))
	return stats, nil
}

// runBatch encodes batch with bounded concurrency, waits for every file and
// writes the successes in a single upsert. Per-file failures are returned,
// not raised.
func (p *Pipeline) runBatch(ctx context.Context, batch []string) (int, []error, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, fmt.Errorf("ingest: %w", domain.Cancelled(err))
	}
	start := time.Now()
	encode := fn.TracedStage("ingest.encode", p.encode)
	results := fn.ParMapCtx(ctx, batch, p.opts.Workers, func(ctx context.Context, path string) fn.Result[domain.Entry] {
		return fn.Try(func() fn.Result[domain.Entry] { return encode(ctx, path) })
	})
	if err := ctx.Err(); err != nil {
		return 0, nil, fmt.Errorf("ingest: %w", domain.Cancelled(err))
	}

	var (
		entries  []domain.Entry
		failures []error
	)
	for i, r := range results {
		e, err := r.Unwrap()
		if err != nil {
			failures = append(failures, err)
			p.deps.Metrics.IngestFile(false)
			p.log.Warn("file skipped", zap.String("path", batch[i]), zap.Error(err))
			continue
		}
		p.deps.Metrics.IngestFile(true)
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return 0, failures, nil
	}

	if err := p.deps.Index.Upsert(ctx, entries); err != nil {
		return 0, failures, fmt.Errorf("ingest: upsert batch: %w", domain.Cancelled(err))
	}
	p.deps.Metrics.Batch(time.Since(start))
	p.log.Debug("batch written", zap.Int("entries", len(entries)), zap.Duration("elapsed", time.Since(start)))
	return len(entries), failures, nil
}

// IngestOne embeds and upserts a single file. Unlike IngestFiles it returns
// the per-file failure.
func (p *Pipeline) IngestOne(ctx context.Context, path string) error {
	_, failures, err := p.runBatch(ctx, []string{path})
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return failures[0]
	}
	return nil
}

// encode builds the index entry for one corpus file.
func (p *Pipeline) encode(ctx context.Context, path string) fn.Result[domain.Entry] {
	id := domain.IDFromPath(path)
	if id == "" {
		return fn.Err[domain.Entry](fmt.Errorf("ingest: %s: empty id", path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fn.Err[domain.Entry](fmt.Errorf("ingest: read %s: %w", path, err))
	}
	vec, err := p.deps.Encoder.EncodeImage(ctx, data)
	if err != nil {
		return fn.Err[domain.Entry](fmt.Errorf("ingest: encode %s: %w", path, err))
	}
	return fn.Ok(domain.Entry{
		ID:       id,
		Vector:   vec,
		Document: domain.DocumentFromID(id),
		Metadata: p.metadata(path),
	})
}

func (p *Pipeline) metadata(path string) domain.Metadata {
	rel, err := filepath.Rel(p.opts.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = path
	}
	meta := domain.Metadata{domain.MetaFilePath: filepath.ToSlash(rel)}
	if sc, ok := harvest.ReadSidecar(path); ok {
		if sc.SourceURL != "" {
			meta[domain.MetaSourceURL] = sc.SourceURL
		}
		if sc.Name != "" {
			meta[domain.MetaDisplayName] = sc.Name
		}
		if sc.CatalogPage != 0 {
			meta[domain.MetaCatalogPage] = sc.CatalogPage
		}
	}
	return meta
}

// permanent reports failures that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrDecode) || errors.Is(err, os.ErrNotExist) || errors.Is(err, domain.ErrDimensionMismatch)
}
