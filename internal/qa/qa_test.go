package qa

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-rag/internal/cache"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/llm"
	"doc-rag/internal/logger"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorstore"
)

const owner = "user_123"

var queryVector = embeddings.Vector{1, 0}

// vectorWithScore returns a unit vector whose cosine with queryVector is score.
func vectorWithScore(score float64) embeddings.Vector {
	return embeddings.Vector{float32(score), float32(math.Sqrt(1 - score*score))}
}

type fixture struct {
	svc       *Service
	store     *store.Memory
	vectors   *vectorstore.Memory
	embedder  *embeddings.MockEmbedder
	generator *llm.MockGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		vectors:   vectorstore.NewMemory(),
		embedder:  &embeddings.MockEmbedder{},
		generator: &llm.MockGenerator{},
	}
	f.svc = New(Deps{
		Store:     f.store,
		Embedder:  f.embedder,
		Vectors:   f.vectors,
		Generator: f.generator,
		Cache:     cache.NewNoOpCache(),
		Log:       logger.Discard(),
	}, Options{})
	return f
}

// index creates a ready document for ownerID with one chunk per score.
func (f *fixture) index(t *testing.T, ownerID, filename string, scores ...float64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	doc, err := f.store.CreateDocument(ctx, store.NewDocument{OwnerID: ownerID, OriginalName: filename, StorageRef: "x", ByteSize: 1, MediaType: "text/plain"})
	require.NoError(t, err)
	_, err = f.store.ClaimForProcessing(ctx, doc.ID)
	require.NoError(t, err)

	chunks := make([]string, len(scores))
	records := make([]vectorstore.Record, len(scores))
	for i, s := range scores {
		chunks[i] = filename + " chunk"
		records[i] = vectorstore.Record{
			ChunkIndex: i,
			Vector:     vectorWithScore(s),
			Metadata:   vectorstore.Metadata{DocumentID: doc.ID, ChunkIndex: i, Preview: chunks[i], Filename: filename, MediaType: "text/plain"},
		}
	}
	_, err = f.vectors.Upsert(ctx, doc.ID, records)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkReady(ctx, doc.ID, store.ReadyUpdate{
		ExtractedText: strings.Join(chunks, " "), Chunks: chunks, EmbeddingModel: "m", EmbeddingDimension: 2, CompletedAt: time.Now(),
	}))
	return doc.ID
}

func (f *fixture) expectQueryEmbedding() {
	f.embedder.On("Embed", mock.Anything, mock.Anything, embeddings.ModeQuery).Return(queryVector, nil)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func idPtr(v uuid.UUID) *uuid.UUID { return &v }

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"empty", Request{Query: ""}, ErrEmptyQuery},
		{"whitespace", Request{Query: " \n\t "}, ErrEmptyQuery},
		{"too long", Request{Query: strings.Repeat("é", DefaultMaxQueryLength+1)}, ErrQueryTooLong},
		{"top_k zero", Request{Query: "q", TopK: intPtr(0)}, ErrInvalidTopK},
		{"top_k too big", Request{Query: "q", TopK: intPtr(MaxTopK + 1)}, ErrInvalidTopK},
		{"min_score negative", Request{Query: "q", MinScore: floatPtr(-0.1)}, ErrInvalidMinScore},
		{"min_score above one", Request{Query: "q", MinScore: floatPtr(1.1)}, ErrInvalidMinScore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.req.OwnerID = owner

			_, err := f.svc.Answer(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsClientError(err))

			_, err = f.svc.Search(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidationAcceptsBounds(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.validate(Request{Query: strings.Repeat("a", DefaultMaxQueryLength), TopK: intPtr(MaxTopK), MinScore: floatPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, MaxTopK, p.topK)
	assert.Equal(t, 0.0, p.minScore)

	p, err = f.svc.validate(Request{Query: "  padded  "})
	require.NoError(t, err)
	assert.Equal(t, "padded", p.query)
	assert.Equal(t, DefaultTopK, p.topK)
	assert.Equal(t, DefaultMinScore, p.minScore)
}

func TestAnswerWithoutDocuments(t *testing.T) {
	f := newFixture(t)
	f.index(t, "someone-else", "theirs.txt", 0.9)

	ans, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: "what?"})
	require.NoError(t, err)
	assert.Equal(t, NoDocumentsAnswer, ans.Answer)
	assert.Zero(t, ans.ChunksUsed)
	assert.Empty(t, ans.Sources)
	f.embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswerInaccessibleDocument(t *testing.T) {
	f := newFixture(t)
	f.index(t, owner, "mine.txt", 0.9)
	foreign := f.index(t, "someone-else", "theirs.txt", 0.9)

	for _, id := range []uuid.UUID{foreign, uuid.New()} {
		ans, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: "what?", DocumentID: idPtr(id)})
		require.NoError(t, err)
		assert.Equal(t, InaccessibleDocumentAnswer, ans.Answer)
		assert.Zero(t, ans.ChunksUsed)
		assert.NotNil(t, ans.Sources)
		assert.Empty(t, ans.Sources)
	}
	f.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswerNoInformationAboveEveryScore(t *testing.T) {
	f := newFixture(t)
	f.index(t, owner, "notes.txt", 0.5)
	f.expectQueryEmbedding()

	ans, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: "what?", MinScore: floatPtr(0.9)})
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, ans.Answer)
	assert.Zero(t, ans.ChunksUsed)
	assert.NotNil(t, ans.Sources)
	assert.Empty(t, ans.Sources)
	require.NotNil(t, ans.Stats)
	assert.Equal(t, 1, ans.Stats.ChunksRetrieved)
	assert.Zero(t, ans.Stats.ChunksAfterFilter)
	f.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswerFiltersAndCitesInScoreOrder(t *testing.T) {
	f := newFixture(t)
	docID := f.index(t, owner, "notes.txt", 0.5, 0.95, 0.1, 0.35)
	f.expectQueryEmbedding()
	f.generator.On("Generate", mock.Anything, "what is it?", mock.MatchedBy(func(ps []llm.Passage) bool {
		return len(ps) == 3 && ps[0].ChunkIndex == 1 && ps[1].ChunkIndex == 0 && ps[2].ChunkIndex == 3
	})).Return(llm.Generation{Answer: "According to Document 1 it is X.", ChunksUsed: 3}, nil)

	ans, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: " what is it? "})
	require.NoError(t, err)
	assert.Equal(t, "According to Document 1 it is X.", ans.Answer)
	assert.Equal(t, 3, ans.ChunksUsed)
	require.Len(t, ans.Sources, 3)
	for i, s := range ans.Sources {
		assert.Equal(t, docID, s.DocumentID)
		assert.Equal(t, "notes.txt", s.Filename)
		assert.GreaterOrEqual(t, float64(s.RelevanceScore), DefaultMinScore-1e-6)
		if i > 0 {
			assert.GreaterOrEqual(t, ans.Sources[i-1].RelevanceScore, s.RelevanceScore)
		}
	}
	assert.Equal(t, &RetrievalStats{ChunksRetrieved: 4, ChunksAfterFilter: 3, TopK: DefaultTopK, MinScore: DefaultMinScore}, ans.Stats)
}

func TestAnswerCapsContextChunks(t *testing.T) {
	f := newFixture(t)
	f.index(t, owner, "notes.txt", 0.99, 0.98, 0.97, 0.96, 0.95, 0.94, 0.93)
	f.expectQueryEmbedding()
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.MatchedBy(func(ps []llm.Passage) bool {
		return len(ps) == DefaultMaxContextChunks
	})).Return(llm.Generation{Answer: "ok", ChunksUsed: 99}, nil)

	ans, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: "q", TopK: intPtr(10)})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxContextChunks, ans.ChunksUsed)
	assert.Len(t, ans.Sources, DefaultMaxContextChunks)
	assert.Equal(t, 7, ans.Stats.ChunksAfterFilter)
}

func TestAnswerScopedToDocument(t *testing.T) {
	f := newFixture(t)
	f.index(t, owner, "a.txt", 0.99)
	b := f.index(t, owner, "b.txt", 0.6)
	f.expectQueryEmbedding()
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(llm.Generation{Answer: "from b", ChunksUsed: 1}, nil)

	ans, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: "q", DocumentID: idPtr(b)})
	require.NoError(t, err)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, b, ans.Sources[0].DocumentID)
	assert.Equal(t, "b.txt", ans.Sources[0].Filename)
}

func TestAnswerGenerationFailure(t *testing.T) {
	f := newFixture(t)
	f.index(t, owner, "notes.txt", 0.9)
	f.expectQueryEmbedding()
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(llm.Generation{}, errors.New("model overloaded"))

	_, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: "q"})
	assert.ErrorIs(t, err, ErrGeneration)
	assert.False(t, IsClientError(err))
}

func TestRetrievalFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.index(t, owner, "notes.txt", 0.9)
	f.embedder.On("Embed", mock.Anything, mock.Anything, embeddings.ModeQuery).Return(nil, errors.New("timeout"))

	ans, err := f.svc.Answer(context.Background(), Request{OwnerID: owner, Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, ans.Answer)

	res, err := f.svc.Search(context.Background(), Request{OwnerID: owner, Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, SearchStats{}, res.Stats)
}

func TestSearchStats(t *testing.T) {
	f := newFixture(t)
	a := f.index(t, owner, "a.txt", 0.9, 0.5)
	f.index(t, owner, "b.txt", 0.7, 0.2)
	f.expectQueryEmbedding()

	res, err := f.svc.Search(context.Background(), Request{OwnerID: owner, Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ResultsCount)
	require.Len(t, res.Results, 3)
	assert.Equal(t, a, res.Results[0].Source.DocumentID)
	assert.Equal(t, "a.txt chunk", res.Results[0].ChunkText)
	for _, h := range res.Results {
		assert.GreaterOrEqual(t, float64(h.Score), DefaultMinScore)
	}
	assert.Equal(t, 2, res.Stats.UniqueDocuments)
	assert.InDelta(t, 0.7, res.Stats.AvgScore, 1e-5)
	assert.InDelta(t, 0.9, res.Stats.BestScore, 1e-5)
	f.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestSearchEmptyScopes(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Search(context.Background(), Request{OwnerID: owner, Query: "q"})
	require.NoError(t, err)
	assert.NotNil(t, res.Results)
	assert.Zero(t, res.ResultsCount)

	res, err = f.svc.Search(context.Background(), Request{OwnerID: owner, Query: "q", DocumentID: idPtr(uuid.New())})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestSearchStatsEmpty(t *testing.T) {
	assert.Equal(t, SearchStats{}, searchStats(nil))
}

func TestListDocumentsIsCacheFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCacheFromClient(logger.Discard(), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	f.svc.Cache = rc

	first := f.index(t, owner, "a.txt", 0.5)
	views, err := f.svc.ListDocuments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, first, views[0].ID)
	assert.Equal(t, store.StatusReady, views[0].Status)
	gen := listGeneration(t, mr)
	assert.True(t, mr.Exists(cache.DocumentListKey(owner, gen)))
	assert.Equal(t, defaultCacheTTL, mr.TTL(cache.DocumentListKey(owner, gen)))
	assert.Equal(t, defaultCacheTTL, mr.TTL(cache.GenerationKey(owner)))

	// Written behind the cache's back: still served the cached view.
	f.index(t, owner, "b.txt", 0.5)
	views, err = f.svc.ListDocuments(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	rc.DeletePrefix(ctx, cache.OwnerPrefix(owner))
	views, err = f.svc.ListDocuments(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func listGeneration(t *testing.T, mr *miniredis.Miniredis) string {
	t.Helper()
	raw, err := mr.Get(cache.GenerationKey(owner))
	require.NoError(t, err)
	var gen string
	require.NoError(t, json.Unmarshal([]byte(raw), &gen))
	return gen
}

// completingStore finishes a document and invalidates the owner's cache right
// after the list read, before the caller can fill the cache.
type completingStore struct {
	*store.Memory
	complete func()
}

func (s *completingStore) ListDocuments(ctx context.Context, ownerID string) ([]store.Document, error) {
	docs, err := s.Memory.ListDocuments(ctx, ownerID)
	if s.complete != nil {
		s.complete()
		s.complete = nil
	}
	return docs, err
}

func TestListDocumentsIgnoresFillRacingInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCacheFromClient(logger.Discard(), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	f.svc.Cache = rc

	doc, err := f.store.CreateDocument(ctx, store.NewDocument{OwnerID: owner, OriginalName: "a.txt", StorageRef: "a", ByteSize: 1, MediaType: "text/plain"})
	require.NoError(t, err)
	_, err = f.store.ClaimForProcessing(ctx, doc.ID)
	require.NoError(t, err)

	f.svc.Store = &completingStore{Memory: f.store, complete: func() {
		require.NoError(t, f.store.MarkReady(ctx, doc.ID, store.ReadyUpdate{
			ExtractedText: "x", Chunks: []string{"x"}, EmbeddingModel: "m", EmbeddingDimension: 2, CompletedAt: time.Now(),
		}))
		rc.DeletePrefix(ctx, cache.OwnerPrefix(owner))
	}}

	views, err := f.svc.ListDocuments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, store.StatusProcessing, views[0].Status)

	views, err = f.svc.ListDocuments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, store.StatusReady, views[0].Status)
}

func TestListDocumentsWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.index(t, owner, "a.txt", 0.5)
	for i := 0; i < 2; i++ {
		views, err := f.svc.ListDocuments(context.Background(), owner)
		require.NoError(t, err)
		assert.Len(t, views, 1)
	}
	views, err := f.svc.ListDocuments(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, views)
	assert.Empty(t, views)
}

func TestGetDocument(t *testing.T) {
	f := newFixture(t)
	id := f.index(t, owner, "a.txt", 0.5)

	v, err := f.svc.GetDocument(context.Background(), owner, id)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", v.Filename)
	require.NotNil(t, v.ChunkCount)
	assert.Equal(t, 1, *v.ChunkCount)
	require.NotNil(t, v.CharacterCount)
	assert.Equal(t, len("a.txt chunk"), *v.CharacterCount)

	_, err = f.svc.GetDocument(context.Background(), "someone-else", id)
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)
}

func TestStoreFailuresPropagate(t *testing.T) {
	ctx := context.Background()
	dbErr := errors.New("connection reset")
	st := &store.MockStore{}
	st.On("ListDocumentIDs", mock.Anything, owner).Return(nil, dbErr)
	st.On("GetDocument", mock.Anything, owner, mock.Anything).Return(store.Document{}, dbErr)
	st.On("ListDocuments", mock.Anything, owner).Return(nil, dbErr)

	f := newFixture(t)
	f.svc.Store = st

	_, err := f.svc.Answer(ctx, Request{OwnerID: owner, Query: "q"})
	assert.ErrorIs(t, err, dbErr)
	assert.False(t, IsClientError(err))

	_, err = f.svc.Search(ctx, Request{OwnerID: owner, Query: "q", DocumentID: idPtr(uuid.New())})
	assert.ErrorIs(t, err, dbErr)

	_, err = f.svc.ListDocuments(ctx, owner)
	assert.ErrorIs(t, err, dbErr)
	f.embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything, mock.Anything)
}
