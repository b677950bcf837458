package vectorstore

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"doc-rag/internal/embeddings"
)

// PreviewLimit caps the chunk text kept in vector metadata.
const PreviewLimit = 1000

// Metadata travels with every indexed chunk.
type Metadata struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Preview    string    `json:"chunk_text"`
	Filename   string    `json:"filename"`
	MediaType  string    `json:"media_type"`
}

// Record is one chunk vector to index.
type Record struct {
	ChunkIndex int
	Vector     embeddings.Vector
	Metadata   Metadata
}

// Match is a query hit. Higher scores are more similar.
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Filter restricts a query to chunks of the given documents. An empty filter
// matches nothing, so callers cannot accidentally search across owners.
type Filter struct {
	DocumentIDs []uuid.UUID
}

// Store is the similarity index contract.
type Store interface {
	// Upsert writes records for documentID and returns how many were stored.
	Upsert(ctx context.Context, documentID uuid.UUID, records []Record) (int, error)
	// Query returns at most topK matches ordered by descending score.
	Query(ctx context.Context, vector embeddings.Vector, topK int, filter Filter) ([]Match, error)
	// DeleteByDocument removes every vector of documentID. Deleting nothing is not an error.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// PointID is the stable composite key of a chunk vector.
func PointID(documentID uuid.UUID, chunkIndex int) string {
	return fmt.Sprintf("%s:%d", documentID, chunkIndex)
}

// Preview truncates text to PreviewLimit characters without splitting a rune.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLimit {
		return text
	}
	return string([]rune(text)[:PreviewLimit])
}
