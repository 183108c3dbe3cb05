package embedding

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"

	"github.com/charsearch/charsearch/engine/domain"
)

// fakeModel returns canned raw vectors keyed by input.
type fakeModel struct {
	mu         sync.Mutex
	dims       int
	text       map[string][]float32
	textCalls  int
	imageCalls int
	err        error
}

func (m *fakeModel) Name() string { return "fake-clip" }

func (m *fakeModel) EmbedText(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textCalls++
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.text[text]; ok {
		return v, nil
	}
	v := make([]float32, m.dims)
	for i := range v {
		v[i] = float32(len(text) + i)
	}
	return v, nil
}

func (m *fakeModel) EmbedImage(_ context.Context, data []byte, _ string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageCalls++
	v := make([]float32, m.dims)
	for i := range v {
		v[i] = float32(data[i%len(data)]) + 1
	}
	return v, nil
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func norm(v domain.Vector) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestNewLearnsDims(t *testing.T) {
	c, err := New(context.Background(), &fakeModel{dims: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Dims() != 8 || c.ModelName() != "fake-clip" {
		t.Fatalf("dims=%d name=%s", c.Dims(), c.ModelName())
	}
}

func TestNewModelUnavailable(t *testing.T) {
	_, err := New(context.Background(), &fakeModel{dims: 8, err: errors.New("connection refused")}, nil)
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if _, err := New(context.Background(), nil, nil); !errors.Is(err, domain.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable for nil model, got %v", err)
	}
}

func TestOutputsHaveUnitNorm(t *testing.T) {
	c, err := New(context.Background(), &fakeModel{dims: 16}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"goku", "a girl with long blue hair", "x"} {
		v, err := c.EncodeText(context.Background(), text)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(norm(v)-1) > 1e-5 {
			t.Fatalf("text %q: norm %v", text, norm(v))
		}
	}
	for _, col := range []color.Color{color.White, color.RGBA{200, 10, 10, 255}} {
		v, err := c.EncodeImage(context.Background(), pngBytes(t, col))
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(norm(v)-1) > 1e-5 {
			t.Fatalf("image norm %v", norm(v))
		}
	}
}

func TestEncodeImageDecodeError(t *testing.T) {
	m := &fakeModel{dims: 4}
	c, _ := New(context.Background(), m, nil)
	truncated := pngBytes(t, color.White)[:40]
	for _, data := range [][]byte{nil, []byte("not an image"), []byte{0x89, 'P', 'N', 'G', 0, 0}, truncated} {
		if _, err := c.EncodeImage(context.Background(), data); !errors.Is(err, domain.ErrDecode) {
			t.Fatalf("expected ErrDecode for %q, got %v", data, err)
		}
	}
	if m.imageCalls != 0 {
		t.Fatal("undecodable bytes must not reach the model")
	}
}

func TestEncodeRejectsBadModelOutput(t *testing.T) {
	m := &fakeModel{dims: 4, text: map[string][]float32{
		"short": {1, 2},
		"zero":  {0, 0, 0, 0},
	}}
	c, _ := New(context.Background(), m, nil)

	if _, err := c.EncodeText(context.Background(), "short"); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := c.EncodeText(context.Background(), "zero"); err == nil {
		t.Fatal("expected error for zero-norm vector")
	}
}

func TestEncodeTextCancelled(t *testing.T) {
	m := &fakeModel{dims: 4}
	c, _ := New(context.Background(), m, nil)
	m.err = context.Canceled
	if _, err := c.EncodeText(context.Background(), "x"); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestDetectImage(t *testing.T) {
	mime, err := DetectImage(pngBytes(t, color.Black))
	if err != nil || mime != "image/png" {
		t.Fatalf("mime=%q err=%v", mime, err)
	}

	// Header and IHDR intact, pixel data cut off.
	if _, err := DetectImage(pngBytes(t, color.Black)[:40]); !errors.Is(err, domain.ErrDecode) {
		t.Fatalf("expected ErrDecode for a truncated image, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	v, err := Normalize([]float32{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("got %v", v)
	}
	if _, err := Normalize([]float32{0, 0}); err == nil {
		t.Fatal("expected error for zero vector")
	}
}
