package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/pkg/fn"
)

// PageFetcher lists the character images of one catalog page.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) fn.Result[[]domain.HarvestItem]
}

// Catalog is a Jikan v4 client for /anime/{id}/characters.
type Catalog struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewCatalog creates a catalog client.
func NewCatalog(baseURL, userAgent string, timeout time.Duration) *Catalog {
	return &Catalog{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// charactersResponse is the Jikan /anime/{id}/characters response.
type charactersResponse struct {
	Data []struct {
		Character struct {
			MalID  int64  `json:"mal_id"`
			Name   string `json:"name"`
			Images struct {
				JPG struct {
					ImageURL string `json:"image_url"`
				} `json:"jpg"`
			} `json:"images"`
		} `json:"character"`
	} `json:"data"`
}

// FetchPage issues one GET for the page. Entries without an image URL or a
// usable name are dropped.
func (c *Catalog) FetchPage(ctx context.Context, page int) fn.Result[[]domain.HarvestItem] {
	url := fmt.Sprintf("%s/anime/%d/characters", c.baseURL, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fn.Err[[]domain.HarvestItem](fmt.Errorf("harvest: page %d: %w", page, err))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fn.Err[[]domain.HarvestItem](fmt.Errorf("harvest: page %d: %w", page, domain.NewServiceError("catalog", 0, err)))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		se := domain.NewServiceError("catalog", resp.StatusCode, nil)
		se.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		return fn.Err[[]domain.HarvestItem](fmt.Errorf("harvest: page %d: %w", page, se))
	}

	var cr charactersResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fn.Err[[]domain.HarvestItem](fmt.Errorf("harvest: page %d: %w: malformed body: %w", page, domain.ErrExternalService, err))
	}

	items := make([]domain.HarvestItem, 0, len(cr.Data))
	for _, d := range cr.Data {
		name := strings.TrimSpace(d.Character.Name)
		derived := domain.SanitizeName(name)
		imgURL := d.Character.Images.JPG.ImageURL
		if derived == "" || imgURL == "" {
			continue
		}
		items = append(items, domain.HarvestItem{
			SourceImageURL: imgURL,
			DerivedName:    derived,
			DisplayName:    name,
			CatalogPage:    page,
		})
	}
	return fn.Ok(items)
}

// retryAfter parses a Retry-After header given in seconds. HTTP dates are
// not used by the catalog and yield zero.
func retryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
