package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Son Goku":         "Son_Goku",
		"Kurosaki, Ichigo": "Kurosaki,_Ichigo",
		"AC/DC":            "AC_DC",
		`back\slash`:       "back_slash",
		"  trimmed  ":      "trimmed",
		"":                 "",
		"..":               "",
		" / ":              "",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIDAndDocument(t *testing.T) {
	id := IDFromPath("/corpus/nested/Son_Goku.jpg")
	if id != "Son_Goku" {
		t.Fatalf("IDFromPath = %q", id)
	}
	if doc := DocumentFromID(id); doc != "Son Goku" {
		t.Fatalf("DocumentFromID = %q", doc)
	}
	if IDFromPath("noext") != "noext" {
		t.Fatal("IDFromPath without extension")
	}
}

func TestValidateEntry(t *testing.T) {
	ok := Entry{ID: "a", Vector: Vector{1, 0}, Metadata: Metadata{"file_path": "a.jpg", "catalog_page": 20001}}
	if err := ValidateEntry(ok, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateEntry(Entry{Vector: Vector{1, 0}}, 2); err == nil {
		t.Fatal("expected error for empty id")
	}
	err := ValidateEntry(Entry{ID: "a", Vector: Vector{1}}, 2)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	var de *DimensionError
	if !errors.As(err, &de) || de.Want != 2 || de.Got != 1 {
		t.Fatalf("expected DimensionError{2,1}, got %v", err)
	}
	bad := Entry{ID: "a", Vector: Vector{1, 0}, Metadata: Metadata{"tags": []string{"x"}}}
	if err := ValidateEntry(bad, 2); err == nil {
		t.Fatal("expected error for slice metadata")
	}
}

func TestValidateQueryText(t *testing.T) {
	if err := ValidateQueryText("red hair boy with goggles"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateQueryText("   "); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestServiceError(t *testing.T) {
	err := NewServiceError("catalog", 503, nil)
	if !errors.Is(err, ErrExternalService) {
		t.Fatal("ServiceError should unwrap to ErrExternalService")
	}
	if !IsTemporary(err) {
		t.Fatal("503 should be temporary")
	}
	if IsTemporary(NewServiceError("catalog", 404, nil)) {
		t.Fatal("404 should not be temporary")
	}
	if !IsTemporary(NewServiceError("lookup", 429, nil)) {
		t.Fatal("429 should be temporary")
	}

	if !IsTemporary(NewServiceError("catalog", 0, errors.New("connection reset"))) {
		t.Fatal("transport errors should be temporary")
	}
	if IsTemporary(NewServiceError("catalog", 0, context.DeadlineExceeded)) {
		t.Fatal("deadline should not be temporary")
	}

	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("fetch page: %w", NewServiceError("catalog", 0, cause))
	if !errors.Is(wrapped, cause) || !errors.Is(wrapped, ErrExternalService) {
		t.Fatalf("wrapped ServiceError lost its chain: %v", wrapped)
	}
}

func TestCancelled(t *testing.T) {
	if Cancelled(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	err := Cancelled(context.DeadlineExceeded)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected: %v", err)
	}
	other := errors.New("boom")
	if Cancelled(other) != other {
		t.Fatal("non-context errors must pass through")
	}
}

func TestDisplayName(t *testing.T) {
	h := EnrichedHit{SearchHit: SearchHit{Document: "Son Goku"}}
	if h.DisplayName() != "Son Goku" {
		t.Fatal("expected document fallback")
	}
	h.External = &ExternalRecord{CanonicalName: "Goku"}
	if h.DisplayName() != "Goku" {
		t.Fatal("expected canonical name")
	}
}
