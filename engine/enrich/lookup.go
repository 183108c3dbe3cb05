package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/charsearch/charsearch/engine/domain"
)

// Lookup finds the external record for a character name. A nil record with
// a nil error means nothing matched.
type Lookup interface {
	Find(ctx context.Context, name string) (*domain.ExternalRecord, error)
}

// Jikan is a Lookup backed by the Jikan v4 /characters search.
type Jikan struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	now        func() time.Time
}

// NewJikan creates a Jikan lookup client.
func NewJikan(baseURL, userAgent string, timeout time.Duration) *Jikan {
	return &Jikan{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

type characterSearchResponse struct {
	Data []struct {
		MalID  int64  `json:"mal_id"`
		Name   string `json:"name"`
		URL    string `json:"url"`
		Images struct {
			JPG struct {
				ImageURL string `json:"image_url"`
			} `json:"jpg"`
		} `json:"images"`
	} `json:"data"`
}

// Find returns the first search result for name.
func (j *Jikan) Find(ctx context.Context, name string) (*domain.ExternalRecord, error) {
	q := url.Values{}
	q.Set("q", name)
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"/characters?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("enrich: lookup %q: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")
	if j.userAgent != "" {
		req.Header.Set("User-Agent", j.userAgent)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrich: lookup %q: %w", name, domain.NewServiceError("lookup", 0, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("enrich: lookup %q: %w", name, domain.NewServiceError("lookup", resp.StatusCode, nil))
	}

	var sr characterSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("enrich: lookup %q: %w: malformed body: %w", name, domain.ErrExternalService, err)
	}
	if len(sr.Data) == 0 {
		return nil, nil
	}
	d := sr.Data[0]
	return &domain.ExternalRecord{
		ExternalID:    d.MalID,
		CanonicalName: d.Name,
		ProfileURL:    d.URL,
		ImageURL:      d.Images.JPG.ImageURL,
		FetchedAt:     j.now().UTC(),
	}, nil
}
