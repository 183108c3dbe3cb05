// Package domain defines the core types, error taxonomy and validation shared
// by the charsearch engine: index entries, search hits, enrichment records and
// harvest items.
package domain

import "time"

// Vector is an embedding. At rest and at query time it has unit L2 norm.
type Vector []float32

// Metadata is the per-entry payload. Values are strings or numbers.
type Metadata map[string]any

// Entry is one stored record of the vector index.
type Entry struct {
	ID       string   `json:"id"`
	Vector   Vector   `json:"vector"`
	Document string   `json:"document"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// Neighbor is a raw index result, nearest first.
type Neighbor struct {
	ID       string
	Document string
	Distance float64
	Metadata Metadata
}

// SearchHit is a scored query result.
type SearchHit struct {
	ID       string   `json:"id"`
	Document string   `json:"document"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// ExternalRecord is the character record returned by the lookup service.
type ExternalRecord struct {
	ExternalID    int64     `json:"external_id"`
	CanonicalName string    `json:"canonical_name"`
	ProfileURL    string    `json:"profile_url"`
	ImageURL      string    `json:"image_url"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// EnrichedHit is a SearchHit decorated with an optional external record.
// External is nil when the lookup failed or found nothing.
type EnrichedHit struct {
	SearchHit
	External *ExternalRecord `json:"external"`
}

// DisplayName prefers the external canonical name over the stored document.
func (h EnrichedHit) DisplayName() string {
	if h.External != nil && h.External.CanonicalName != "" {
		return h.External.CanonicalName
	}
	return h.Document
}

// HarvestItem is one character image discovered on a catalog page.
type HarvestItem struct {
	SourceImageURL string `json:"source_url"`
	DerivedName    string `json:"derived_name"`
	DisplayName    string `json:"name"`
	CatalogPage    int    `json:"catalog_page"`
}

// Metadata keys written by the ingestion pipeline.
const (
	MetaFilePath    = "file_path"
	MetaSourceURL   = "source_url"
	MetaCatalogPage = "catalog_page"
	MetaDisplayName = "display_name"
)
