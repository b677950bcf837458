package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIEmbedder calls OpenAI's embeddings API.
// OpenAI embedding models are symmetric, so Mode does not change the request.
type OpenAIEmbedder struct {
	model      openai.EmbeddingModel
	dimensions int
	client     *openai.Client
}

const (
	defaultEmbeddingTimeout = 30 * time.Second
	maxBatchInputs          = 100
)

// NewOpenAIEmbedder creates a new OpenAI embedder. A positive dimensions
// value asks the API to shorten vectors to that size.
func NewOpenAIEmbedder(apiKey string, model openai.EmbeddingModel, dimensions int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIEmbedder{
		model:      model,
		dimensions: dimensions,
		client:     &cli,
	}, nil
}

func (e *OpenAIEmbedder) Model() string {
	return string(e.model)
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string, mode Mode) (Vector, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text}, mode)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string, _ Mode) ([]Vector, error) {
	if e == nil || e.client == nil {
		return nil, fmt.Errorf("nil openai client")
	}
	out := make([]Vector, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchInputs {
		end := min(start+maxBatchInputs, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	reqCtx, cancel := context.WithTimeout(ctx, defaultEmbeddingTimeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: e.model,
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(reqCtx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	vectors := make([]Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			continue
		}
		// Convert []float64 to []float32
		vec := make(Vector, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vectors[d.Index] = vec
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("input %d: %w", i, ErrEmptyEmbedding)
		}
	}
	return vectors, nil
}
