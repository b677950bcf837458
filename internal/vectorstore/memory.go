package vectorstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"doc-rag/internal/embeddings"
)

// Memory is an in-process Store using brute-force cosine similarity.
// Suitable for development and tests; contents are lost on restart.
type Memory struct {
	mu     sync.RWMutex
	points map[string]memoryPoint
}

type memoryPoint struct {
	vector   embeddings.Vector
	metadata Metadata
}

func NewMemory() *Memory {
	return &Memory{points: make(map[string]memoryPoint)}
}

func (m *Memory) Upsert(_ context.Context, documentID uuid.UUID, records []Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		md := r.Metadata
		md.DocumentID = documentID
		md.ChunkIndex = r.ChunkIndex
		vec := make(embeddings.Vector, len(r.Vector))
		copy(vec, r.Vector)
		m.points[PointID(documentID, r.ChunkIndex)] = memoryPoint{vector: vec, metadata: md}
	}
	return len(records), nil
}

func (m *Memory) Query(_ context.Context, vector embeddings.Vector, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 || len(filter.DocumentIDs) == 0 {
		return nil, nil
	}
	allowed := make(map[uuid.UUID]struct{}, len(filter.DocumentIDs))
	for _, id := range filter.DocumentIDs {
		allowed[id] = struct{}{}
	}

	m.mu.RLock()
	matches := make([]Match, 0, len(m.points))
	for id, p := range m.points {
		if _, ok := allowed[p.metadata.DocumentID]; !ok {
			continue
		}
		matches = append(matches, Match{
			ID:       id,
			Score:    embeddings.CosineSimilarity(vector, p.vector),
			Metadata: p.metadata,
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *Memory) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.metadata.DocumentID == documentID {
			delete(m.points, id)
		}
	}
	return nil
}

// Count returns how many vectors belong to documentID.
func (m *Memory) Count(documentID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.points {
		if p.metadata.DocumentID == documentID {
			n++
		}
	}
	return n
}
