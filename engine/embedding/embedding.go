// Package embedding turns text and images into unit-length vectors in one
// shared space. It wraps an opaque Model, checks image bytes before
// inference, and normalizes every raw vector it receives.
package embedding

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
)

// Model is the inference collaborator: given text or encoded image bytes,
// produce a raw fixed-length vector.
type Model interface {
	Name() string
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, data []byte, mime string) ([]float32, error)
}

// probeText is embedded once at startup to learn the model's dimensionality.
const probeText = "a portrait of a character"

// Client is the Embedding Client. Safe for concurrent use.
type Client struct {
	model  Model
	dims   int
	logger *zap.Logger
}

// New probes the model once and learns its dimensionality. Any probe failure
// is reported as domain.ErrModelUnavailable.
func New(ctx context.Context, m Model, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		return nil, fmt.Errorf("embedding: %w: no model configured", domain.ErrModelUnavailable)
	}
	raw, err := m.EmbedText(ctx, probeText)
	if err != nil {
		return nil, fmt.Errorf("embedding: probe %s: %w: %w", m.Name(), domain.ErrModelUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("embedding: probe %s: %w: empty vector", m.Name(), domain.ErrModelUnavailable)
	}
	logger.Info("embedding model ready", zap.String("model", m.Name()), zap.Int("dims", len(raw)))
	return &Client{model: m, dims: len(raw), logger: logger}, nil
}

// Dims returns the vector dimensionality D.
func (c *Client) Dims() int { return c.dims }

// ModelName returns the underlying model name.
func (c *Client) ModelName() string { return c.model.Name() }

// EncodeText embeds a text query.
func (c *Client) EncodeText(ctx context.Context, text string) (domain.Vector, error) {
	raw, err := c.model.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: encode text: %w", domain.Cancelled(err))
	}
	return c.finish(raw)
}

// EncodeImage embeds encoded image bytes. Bytes that are not a JPEG, PNG,
// GIF or WebP raster fail with domain.ErrDecode before inference.
func (c *Client) EncodeImage(ctx context.Context, data []byte) (domain.Vector, error) {
	mime, err := DetectImage(data)
	if err != nil {
		return nil, fmt.Errorf("embedding: encode image: %w", err)
	}
	raw, err := c.model.EmbedImage(ctx, data, mime)
	if err != nil {
		return nil, fmt.Errorf("embedding: encode image: %w", domain.Cancelled(err))
	}
	return c.finish(raw)
}

func (c *Client) finish(raw []float32) (domain.Vector, error) {
	if err := domain.CheckDims(raw, c.dims); err != nil {
		return nil, fmt.Errorf("embedding: model output: %w", err)
	}
	v, err := Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("embedding: model output: %w", err)
	}
	return v, nil
}

// Normalize returns a unit-length copy of raw. A zero or non-finite norm is an error.
func Normalize(raw []float32) (domain.Vector, error) {
	var sum float64
	for _, x := range raw {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("vector norm is %v", norm)
	}
	out := make(domain.Vector, len(raw))
	for i, x := range raw {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}
