package embeddings

import (
	"context"
	"errors"
	"math"
)

// Vector is a simple float32 slice wrapper.
type Vector []float32

// Mode tells the embedder whether a text is stored content or a search query.
// Providers with asymmetric models embed the two differently.
type Mode string

const (
	ModeDocument Mode = "document"
	ModeQuery    Mode = "query"
)

// ErrEmptyEmbedding is returned when the provider yields no vector for an input.
var ErrEmptyEmbedding = errors.New("empty embedding")

// Embedder defines the embedding interface.
type Embedder interface {
	Embed(ctx context.Context, text string, mode Mode) (Vector, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string, mode Mode) ([]Vector, error)
	// Model identifies the embedding model recorded on indexed documents.
	Model() string
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the vectors are empty, of different length or zero.
func CosineSimilarity(a, b Vector) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
