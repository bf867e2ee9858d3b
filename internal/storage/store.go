package storage

import (
	"context"

	"vulnverify/internal/extractor"
)

// VectorStore persists one embedding per code unit and serves immutable
// snapshots for retrieval.
type VectorStore interface {
	// Build embeds and upserts units. Duplicate IDs within one call are
	// skipped; an existing ID keeps its original insertion position.
	Build(ctx context.Context, units []extractor.CodeUnit) error

	// Load returns every record, in insertion order, as an in-memory Index.
	Load(ctx context.Context) (*Index, error)

	// All returns every record in insertion order.
	All(ctx context.Context) ([]EmbeddingRecord, error)

	Close() error
}

// Metadata is the display payload carried alongside each vector.
type Metadata struct {
	Text          string `json:"text"`
	UnitID        string `json:"unit_id"`
	ContainerName string `json:"container_name"`
}

// EmbeddingRecord is a stored vector and its unit metadata.
type EmbeddingRecord struct {
	UnitID   string    `json:"unit_id"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
}
