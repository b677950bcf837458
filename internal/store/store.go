package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

// Documents move uploaded → processing → ready | failed. Readers must treat
// uploaded and processing alike: not yet searchable.
const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether processing has finished for this upload.
func (s DocumentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

var (
	// ErrDocumentNotFound covers missing, deleted and foreign documents alike.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrNotClaimable means the document is no longer waiting to be processed.
	ErrNotClaimable = errors.New("document not claimable for processing")
)

type Document struct {
	ID           uuid.UUID
	OwnerID      string
	OriginalName string
	StorageRef   string
	ByteSize     int64
	MediaType    string

	ExtractedText        *string
	PageCount            *int
	Chunks               []string
	ChunkCount           *int
	EmbeddingModel       *string
	EmbeddingDimension   *int
	EmbeddingCompletedAt *time.Time

	Status      DocumentStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
	IsDeleted   bool
}

// NewDocument is the upload metadata a record is created from.
type NewDocument struct {
	OwnerID      string
	OriginalName string
	StorageRef   string
	ByteSize     int64
	MediaType    string
}

// ReadyUpdate is everything written on a successful indexing, in one statement.
type ReadyUpdate struct {
	ExtractedText      string
	PageCount          *int
	Chunks             []string
	EmbeddingModel     string
	EmbeddingDimension int
	CompletedAt        time.Time
}

// Store defines the document persistence contract.
type Store interface {
	CreateDocument(ctx context.Context, doc NewDocument) (Document, error)
	// GetDocument returns ErrDocumentNotFound unless id exists, is not deleted and belongs to ownerID.
	GetDocument(ctx context.Context, ownerID string, id uuid.UUID) (Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]Document, error)
	ListDocumentIDs(ctx context.Context, ownerID string) ([]uuid.UUID, error)
	// ClaimForProcessing moves an uploaded document to processing. Any other
	// state yields ErrNotClaimable, so at most one task processes a document.
	ClaimForProcessing(ctx context.Context, id uuid.UUID) (Document, error)
	MarkReady(ctx context.Context, id uuid.UUID, update ReadyUpdate) error
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteDocument(ctx context.Context, ownerID string, id uuid.UUID) error
}
