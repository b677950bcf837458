package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps documents in process. It follows the same conditional
// transitions as PostgresStore and is meant for local runs and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]Document
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[uuid.UUID]Document), now: time.Now}
}

func (m *Memory) CreateDocument(_ context.Context, doc NewDocument) (Document, error) {
	d := Document{
		ID:           uuid.New(),
		OwnerID:      doc.OwnerID,
		OriginalName: doc.OriginalName,
		StorageRef:   doc.StorageRef,
		ByteSize:     doc.ByteSize,
		MediaType:    doc.MediaType,
		Status:       StatusUploaded,
		CreatedAt:    m.now().UTC(),
	}
	m.mu.Lock()
	m.docs[d.ID] = d
	m.mu.Unlock()
	return d, nil
}

func (m *Memory) GetDocument(_ context.Context, ownerID string, id uuid.UUID) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok || d.IsDeleted || d.OwnerID != ownerID {
		return Document{}, ErrDocumentNotFound
	}
	return d, nil
}

func (m *Memory) ListDocuments(_ context.Context, ownerID string) ([]Document, error) {
	m.mu.RLock()
	out := []Document{}
	for _, d := range m.docs {
		if d.OwnerID == ownerID && !d.IsDeleted {
			d.ExtractedText = nil
			d.Chunks = nil
			out = append(out, d)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ListDocumentIDs(ctx context.Context, ownerID string) ([]uuid.UUID, error) {
	docs, _ := m.ListDocuments(ctx, ownerID)
	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (m *Memory) ClaimForProcessing(_ context.Context, id uuid.UUID) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.IsDeleted || d.Status != StatusUploaded {
		return Document{}, ErrNotClaimable
	}
	d.Status = StatusProcessing
	m.docs[id] = d
	return d, nil
}

func (m *Memory) MarkReady(_ context.Context, id uuid.UUID, u ReadyUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.IsDeleted || d.Status != StatusProcessing {
		return ErrDocumentNotFound
	}
	text := u.ExtractedText
	count := len(u.Chunks)
	model := u.EmbeddingModel
	dim := u.EmbeddingDimension
	at := u.CompletedAt

	d.ExtractedText = &text
	d.PageCount = u.PageCount
	d.Chunks = append([]string(nil), u.Chunks...)
	d.ChunkCount = &count
	d.EmbeddingModel = &model
	d.EmbeddingDimension = &dim
	d.EmbeddingCompletedAt = &at
	d.Status = StatusReady
	d.ProcessedAt = &at
	m.docs[id] = d
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.IsDeleted || d.Status.Terminal() {
		return ErrDocumentNotFound
	}
	d.Status = StatusFailed
	d.ProcessedAt = &at
	m.docs[id] = d
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, ownerID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.OwnerID != ownerID {
		return ErrDocumentNotFound
	}
	delete(m.docs, id)
	return nil
}
