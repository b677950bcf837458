package llm

import (
	"context"

	"github.com/google/uuid"
)

// Passage is one retrieved chunk handed to the model as context.
type Passage struct {
	Text       string
	Filename   string
	DocumentID uuid.UUID
	ChunkIndex int
	Score      float32
}

// Generation is a generated answer and how many passages it drew on.
type Generation struct {
	Answer     string
	ChunksUsed int
}

// Generator is a minimal LLM interface to allow pluggable providers.
type Generator interface {
	Generate(ctx context.Context, query string, passages []Passage) (Generation, error)
}
