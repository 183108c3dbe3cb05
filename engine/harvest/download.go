package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/pkg/fn"
)

// ImageExt is the extension of stored corpus images.
const ImageExt = ".jpg"

// SidecarExt is appended to the id for the metadata file next to each image.
const SidecarExt = ".meta.json"

// Sidecar is the JSON metadata stored next to a downloaded image.
type Sidecar struct {
	Name        string `json:"name"`
	SourceURL   string `json:"source_url"`
	CatalogPage int    `json:"catalog_page"`
}

// ReadSidecar loads the sidecar for an image path, if one exists.
func ReadSidecar(imagePath string) (Sidecar, bool) {
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	data, err := os.ReadFile(base + SidecarExt)
	if err != nil {
		return Sidecar{}, false
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, false
	}
	return sc, true
}

// ImageFetcher stores the image of one harvest item and returns its path.
type ImageFetcher interface {
	Download(ctx context.Context, item domain.HarvestItem) fn.Result[string]
}

// DownloaderOptions configures a Downloader.
type DownloaderOptions struct {
	Dir       string
	RPS       float64 // requests per second across all workers
	MaxBytes  int64
	UserAgent string
	Timeout   time.Duration
}

// Downloader fetches images into the corpus directory, paced by a token bucket.
type Downloader struct {
	opts       DownloaderOptions
	pacer      *rate.Limiter
	httpClient *http.Client
}

// NewDownloader creates the corpus directory if needed.
func NewDownloader(opts DownloaderOptions) (*Downloader, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("harvest: create corpus dir: %w", err)
	}
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	burst := int(opts.RPS)
	if burst < 1 {
		burst = 1
	}
	return &Downloader{
		opts:  opts,
		pacer: rate.NewLimiter(rate.Limit(opts.RPS), burst),
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Path returns where the image for id is stored.
func (d *Downloader) Path(id string) string {
	return filepath.Join(d.opts.Dir, id+ImageExt)
}

// Download fetches item.SourceImageURL, checks that the payload is an image
// within the size cap, and atomically stores it as <id>.jpg together with
// its sidecar. A later download of the same id replaces the earlier one.
func (d *Downloader) Download(ctx context.Context, item domain.HarvestItem) fn.Result[string] {
	if err := d.pacer.Wait(ctx); err != nil {
		return fn.Err[string](fmt.Errorf("harvest: download %s: %w", item.DerivedName, domain.Cancelled(err)))
	}
	data, err := d.fetch(ctx, item.SourceImageURL)
	if err != nil {
		return fn.Err[string](fmt.Errorf("harvest: download %s: %w", item.DerivedName, err))
	}

	sidecar, _ := json.Marshal(Sidecar{
		Name:        item.DisplayName,
		SourceURL:   item.SourceImageURL,
		CatalogPage: item.CatalogPage,
	})
	if err := writeAtomic(d.opts.Dir, filepath.Join(d.opts.Dir, item.DerivedName+SidecarExt), sidecar); err != nil {
		return fn.Err[string](fmt.Errorf("harvest: store %s: %w", item.DerivedName, err))
	}
	path := d.Path(item.DerivedName)
	if err := writeAtomic(d.opts.Dir, path, data); err != nil {
		return fn.Err[string](fmt.Errorf("harvest: store %s: %w", item.DerivedName, err))
	}
	return fn.Ok(path)
}

func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.opts.UserAgent != "" {
		req.Header.Set("User-Agent", d.opts.UserAgent)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewServiceError("image host", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewServiceError("image host", resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxBytes+1))
	if err != nil {
		return nil, domain.NewServiceError("image host", 0, err)
	}
	if int64(len(data)) > d.opts.MaxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", d.opts.MaxBytes)
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: payload sniffed as %s", domain.ErrDecode, ct)
	}
	return data, nil
}

// writeAtomic writes data to a temp file in dir and renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
