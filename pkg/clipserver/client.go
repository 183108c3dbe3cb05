// Package clipserver is an HTTP client for a CLIP inference server exposing
// JSON text and image embedding endpoints.
package clipserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("clipserver %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Client calls a CLIP server.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// New creates a CLIP server client. A zero timeout means no client timeout.
func New(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name returns the configured model name.
func (c *Client) Name() string { return c.model }

type textReq struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

type imageReq struct {
	Model string `json:"model,omitempty"`
	Image string `json:"image"` // base64
	MIME  string `json:"mime,omitempty"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// EmbedText returns the raw (unnormalized) embedding of text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.post(ctx, "/embed/text", textReq{Model: c.model, Text: text})
}

// EmbedImage returns the raw embedding of an encoded image.
func (c *Client) EmbedImage(ctx context.Context, data []byte, mime string) ([]float32, error) {
	return c.post(ctx, "/embed/image", imageReq{
		Model: c.model,
		Image: base64.StdEncoding.EncodeToString(data),
		MIME:  mime,
	})
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]float32, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("clipserver %s: marshal: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("clipserver %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clipserver %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Endpoint: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("clipserver %s: decode: %w", endpoint, err)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
