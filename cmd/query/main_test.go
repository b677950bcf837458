package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-rag/internal/app"
	"doc-rag/internal/cache"
	"doc-rag/internal/config"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/identity"
	"doc-rag/internal/llm"
	"doc-rag/internal/logger"
	"doc-rag/internal/qa"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorstore"
)

const token = "tok-alice"

type testEnv struct {
	handler   http.Handler
	store     *store.Memory
	vectors   *vectorstore.Memory
	embedder  *embeddings.MockEmbedder
	generator *llm.MockGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     store.NewMemory(),
		vectors:   vectorstore.NewMemory(),
		embedder:  new(embeddings.MockEmbedder),
		generator: new(llm.MockGenerator),
	}
	deps := app.Deps{
		Config:   config.Config{MaxQueryLength: 1000, MaxContextChunks: 5},
		Log:      logger.Discard(),
		Store:    env.store,
		Vectors:  env.vectors,
		Cache:    cache.NewNoOpCache(),
		Embedder: env.embedder,
		LLM:      env.generator,
		Identity: identity.NewStaticResolver(map[string]string{token: "alice"}),
	}
	env.handler = routes(deps, deps.QA())
	return env
}

// readyDocument indexes one chunk for alice whose score against {1,0} is ~0.8.
func (e *testEnv) readyDocument(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	doc, err := e.store.CreateDocument(ctx, store.NewDocument{OwnerID: "alice", OriginalName: "go.txt", StorageRef: "k", ByteSize: 1, MediaType: "text/plain"})
	require.NoError(t, err)
	_, err = e.store.ClaimForProcessing(ctx, doc.ID)
	require.NoError(t, err)
	_, err = e.vectors.Upsert(ctx, doc.ID, []vectorstore.Record{{
		ChunkIndex: 0,
		Vector:     embeddings.Vector{0.8, 0.6},
		Metadata:   vectorstore.Metadata{Preview: "Go is a programming language", Filename: "go.txt", MediaType: "text/plain"},
	}})
	require.NoError(t, err)
	require.NoError(t, e.store.MarkReady(ctx, doc.ID, store.ReadyUpdate{
		ExtractedText: "Go is a programming language", Chunks: []string{"Go is a programming language"},
		EmbeddingModel: "m", EmbeddingDimension: 2, CompletedAt: time.Now(),
	}))
	return doc.ID
}

func (e *testEnv) post(path, body, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestAnswerHandler(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		token         string
		seed          bool
		setup         func(*embeddings.MockEmbedder, *llm.MockGenerator)
		wantStatus    int
		checkResponse func(*testing.T, map[string]any)
	}{
		{
			name:  "answer with sources",
			body:  `{"query": "What is Go?", "top_k": 3}`,
			token: token,
			seed:  true,
			setup: func(e *embeddings.MockEmbedder, g *llm.MockGenerator) {
				e.On("Embed", mock.Anything, "What is Go?", embeddings.ModeQuery).Return(embeddings.Vector{1, 0}, nil).Once()
				g.On("Generate", mock.Anything, "What is Go?", mock.Anything).
					Return(llm.Generation{Answer: "Go is a programming language [Document 1].", ChunksUsed: 1}, nil).Once()
			},
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "Go is a programming language [Document 1].", body["answer"])
				assert.EqualValues(t, 1, body["chunks_used"])
				sources, ok := body["sources"].([]any)
				require.True(t, ok)
				require.Len(t, sources, 1)
				assert.Equal(t, "go.txt", sources[0].(map[string]any)["filename"])
				stats, ok := body["retrieval_stats"].(map[string]any)
				require.True(t, ok)
				assert.EqualValues(t, 3, stats["top_k"])
			},
		},
		{
			name:       "no documents yet",
			body:       `{"query": "What is Go?"}`,
			token:      token,
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, qa.NoDocumentsAnswer, body["answer"])
				assert.Equal(t, []any{}, body["sources"])
			},
		},
		{
			name:       "unknown document scope",
			body:       `{"query": "What is Go?", "document_id": "` + uuid.NewString() + `"}`,
			token:      token,
			seed:       true,
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, qa.InaccessibleDocumentAnswer, body["answer"])
			},
		},
		{
			name:  "generation failure",
			body:  `{"query": "What is Go?"}`,
			token: token,
			seed:  true,
			setup: func(e *embeddings.MockEmbedder, g *llm.MockGenerator) {
				e.On("Embed", mock.Anything, mock.Anything, embeddings.ModeQuery).Return(embeddings.Vector{1, 0}, nil).Once()
				g.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(llm.Generation{}, errors.New("boom")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
		{name: "missing credentials", body: `{"query": "q"}`, wantStatus: http.StatusUnauthorized},
		{name: "invalid JSON", body: `{`, token: token, wantStatus: http.StatusBadRequest},
		{name: "missing query", body: `{}`, token: token, wantStatus: http.StatusBadRequest},
		{name: "blank query", body: `{"query": "   "}`, token: token, wantStatus: http.StatusBadRequest},
		{name: "top_k too large", body: `{"query": "q", "top_k": 21}`, token: token, wantStatus: http.StatusBadRequest},
		{name: "top_k zero", body: `{"query": "q", "top_k": 0}`, token: token, wantStatus: http.StatusBadRequest},
		{name: "min_score out of range", body: `{"query": "q", "min_score": 1.5}`, token: token, wantStatus: http.StatusBadRequest},
		{name: "malformed document_id", body: `{"query": "q", "document_id": "abc"}`, token: token, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.seed {
				env.readyDocument(t)
			}
			if tt.setup != nil {
				tt.setup(env.embedder, env.generator)
			}

			w := env.post("/api/documents/answer", tt.body, tt.token)
			require.Equal(t, tt.wantStatus, w.Code, "body: %s", w.Body.String())
			if tt.checkResponse != nil {
				var body map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				tt.checkResponse(t, body)
			}
			env.embedder.AssertExpectations(t)
			env.generator.AssertExpectations(t)
		})
	}
}

func TestQueryHandler(t *testing.T) {
	env := newTestEnv(t)
	docID := env.readyDocument(t)
	env.embedder.On("Embed", mock.Anything, "What is Go?", embeddings.ModeQuery).Return(embeddings.Vector{1, 0}, nil).Once()

	w := env.post("/api/documents/query", `{"query": "What is Go?", "min_score": 0.5}`, token)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var res qa.SearchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.ResultsCount)
	require.Len(t, res.Results, 1)
	assert.Equal(t, docID, res.Results[0].Source.DocumentID)
	assert.Equal(t, "Go is a programming language", res.Results[0].ChunkText)
	assert.InDelta(t, 0.8, res.Results[0].Score, 1e-5)
	assert.Equal(t, 1, res.Stats.UniqueDocuments)
	env.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)

	t.Run("nothing above min_score", func(t *testing.T) {
		env.embedder.On("Embed", mock.Anything, "other", embeddings.ModeQuery).Return(embeddings.Vector{1, 0}, nil).Once()
		w := env.post("/api/documents/query", `{"query": "other", "min_score": 0.9}`, token)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, []any{}, body["results"])
		assert.EqualValues(t, 0, body["results_count"])
	})
}
