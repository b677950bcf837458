package qa

import (
	"context"
	"time"

	"github.com/google/uuid"

	"doc-rag/internal/cache"
	"doc-rag/internal/store"
)

// DocumentView is the client-facing shape of a document record.
type DocumentView struct {
	ID                   uuid.UUID            `json:"id"`
	Filename             string               `json:"filename"`
	MediaType            string               `json:"media_type"`
	ByteSize             int64                `json:"byte_size"`
	Status               store.DocumentStatus `json:"status"`
	PageCount            *int                 `json:"page_count"`
	ChunkCount           *int                 `json:"chunk_count"`
	EmbeddingModel       *string              `json:"embedding_model,omitempty"`
	EmbeddingDimension   *int                 `json:"embedding_dimension,omitempty"`
	EmbeddingCompletedAt *time.Time           `json:"embedding_completed_at,omitempty"`
	CharacterCount       *int                 `json:"character_count,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	ProcessedAt          *time.Time           `json:"processed_at"`
}

func NewDocumentView(d store.Document) DocumentView {
	v := DocumentView{
		ID:                   d.ID,
		Filename:             d.OriginalName,
		MediaType:            d.MediaType,
		ByteSize:             d.ByteSize,
		Status:               d.Status,
		PageCount:            d.PageCount,
		ChunkCount:           d.ChunkCount,
		EmbeddingModel:       d.EmbeddingModel,
		EmbeddingDimension:   d.EmbeddingDimension,
		EmbeddingCompletedAt: d.EmbeddingCompletedAt,
		CreatedAt:            d.CreatedAt,
		ProcessedAt:          d.ProcessedAt,
	}
	if d.ExtractedText != nil {
		n := len([]rune(*d.ExtractedText))
		v.CharacterCount = &n
	}
	return v
}

// ListDocuments returns the owner's documents, newest first, from the cache
// when possible.
func (s *Service) ListDocuments(ctx context.Context, ownerID string) ([]DocumentView, error) {
	key := cache.DocumentListKey(ownerID, s.listGeneration(ctx, ownerID))
	var cached []DocumentView
	if s.Cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	docs, err := s.Store.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	views := make([]DocumentView, len(docs))
	for i, d := range docs {
		views[i] = NewDocumentView(d)
	}
	s.Cache.Set(ctx, key, views, s.opts.CacheTTL)
	return views, nil
}

// listGeneration returns the owner's current list generation, starting a new
// one when none is cached. It must run before the store read it guards.
func (s *Service) listGeneration(ctx context.Context, ownerID string) string {
	key := cache.GenerationKey(ownerID)
	var gen string
	if s.Cache.Get(ctx, key, &gen) && gen != "" {
		return gen
	}
	gen = uuid.NewString()
	s.Cache.Set(ctx, key, gen, s.opts.CacheTTL)
	return gen
}

// GetDocument reads one owned document, e.g. to poll its status.
func (s *Service) GetDocument(ctx context.Context, ownerID string, id uuid.UUID) (DocumentView, error) {
	d, err := s.Store.GetDocument(ctx, ownerID, id)
	if err != nil {
		return DocumentView{}, err
	}
	return NewDocumentView(d), nil
}
