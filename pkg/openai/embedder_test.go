package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Data   []embeddingData `json:"data"`
	Model  string          `json:"model"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

func newServer(t *testing.T, check func(embeddingRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		check(req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingResponse{
			Object: "list",
			Model:  req.Model,
			Data:   []embeddingData{{Object: "embedding", Embedding: []float32{0.6, 0.8}}},
		})
	}))
}

func TestEmbedText(t *testing.T) {
	srv := newServer(t, func(req embeddingRequest) {
		if len(req.Input) != 1 || req.Input[0] != "blue hair" || req.Model != "clip-vit" {
			t.Errorf("unexpected request %+v", req)
		}
	})
	defer srv.Close()

	e := NewEmbedder(&Config{APIKey: "test-key", BaseURL: srv.URL, Model: "clip-vit", Timeout: time.Second})
	v, err := e.EmbedText(context.Background(), "blue hair")
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 2 || v[1] != 0.8 {
		t.Fatalf("got %v", v)
	}
	if e.Name() != "clip-vit" {
		t.Fatalf("name = %q", e.Name())
	}
}

func TestEmbedImageUsesDataURI(t *testing.T) {
	srv := newServer(t, func(req embeddingRequest) {
		if len(req.Input) != 1 || !strings.HasPrefix(req.Input[0], "data:image/jpeg;base64,") {
			t.Errorf("expected data URI, got %v", req.Input)
		}
	})
	defer srv.Close()

	e := NewEmbedder(&Config{APIKey: "test-key", BaseURL: srv.URL, Model: "clip-vit"})
	if _, err := e.EmbedImage(context.Background(), []byte{0xff, 0xd8}, "image/jpeg"); err != nil {
		t.Fatal(err)
	}
}

func TestAPIErrorWrapsProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"model not found"}`))
	}))
	defer srv.Close()

	e := NewEmbedder(&Config{APIKey: "test-key", BaseURL: srv.URL, Model: "missing"})
	_, err := e.EmbedText(context.Background(), "x")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}
