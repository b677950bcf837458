// Package qa answers questions over an owner's indexed documents and serves
// the owner-scoped document views.
package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"doc-rag/internal/cache"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/llm"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorstore"
)

const (
	DefaultTopK             = 5
	MaxTopK                 = 20
	DefaultMinScore         = 0.3
	DefaultMaxQueryLength   = 1000
	DefaultMaxContextChunks = 5
	defaultCacheTTL         = 5 * time.Minute
)

const (
	NoInformationAnswer        = "I couldn't find any relevant information in the documents to answer your question. Please try rephrasing or upload related documents."
	InaccessibleDocumentAnswer = "The requested document was not found or you don't have access to it."
	NoDocumentsAnswer          = "You haven't uploaded any documents yet. Upload a document to start asking questions."
)

var (
	ErrEmptyQuery      = errors.New("query cannot be empty")
	ErrQueryTooLong    = errors.New("query too long")
	ErrInvalidTopK     = errors.New("top_k out of range")
	ErrInvalidMinScore = errors.New("min_score out of range")
	// ErrGeneration is the one retrieval-path failure surfaced to callers.
	ErrGeneration = errors.New("answer generation failed")
)

// IsClientError reports whether err rejects the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyQuery) || errors.Is(err, ErrQueryTooLong) ||
		errors.Is(err, ErrInvalidTopK) || errors.Is(err, ErrInvalidMinScore)
}

// Request scopes a question to the owner's documents, or to one of them.
// Nil TopK and MinScore take the defaults.
type Request struct {
	OwnerID    string
	Query      string
	TopK       *int
	MinScore   *float64
	DocumentID *uuid.UUID
}

type Source struct {
	Filename       string    `json:"filename"`
	DocumentID     uuid.UUID `json:"document_id"`
	ChunkIndex     int       `json:"chunk_index"`
	RelevanceScore float32   `json:"relevance_score"`
}

type RetrievalStats struct {
	ChunksRetrieved   int     `json:"chunks_retrieved"`
	ChunksAfterFilter int     `json:"chunks_after_filter"`
	TopK              int     `json:"top_k"`
	MinScore          float64 `json:"min_score"`
}

type Answer struct {
	Answer     string          `json:"answer"`
	Query      string          `json:"query"`
	ChunksUsed int             `json:"chunks_used"`
	Sources    []Source        `json:"sources"`
	Stats      *RetrievalStats `json:"retrieval_stats,omitempty"`
}

type HitSource struct {
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	MediaType  string    `json:"media_type"`
	ChunkIndex int       `json:"chunk_index"`
}

type Hit struct {
	ChunkText string    `json:"chunk_text"`
	Score     float32   `json:"score"`
	Source    HitSource `json:"source"`
}

type SearchStats struct {
	UniqueDocuments int     `json:"unique_documents"`
	AvgScore        float64 `json:"avg_score"`
	BestScore       float64 `json:"best_score"`
}

type SearchResult struct {
	Query        string      `json:"query"`
	TopK         int         `json:"top_k"`
	MinScore     float64     `json:"min_score"`
	ResultsCount int         `json:"results_count"`
	Results      []Hit       `json:"results"`
	Stats        SearchStats `json:"stats"`
}

type Options struct {
	MaxQueryLength   int
	MaxContextChunks int
	CacheTTL         time.Duration
}

type Deps struct {
	Store     store.Store
	Embedder  embeddings.Embedder
	Vectors   vectorstore.Store
	Generator llm.Generator
	Cache     cache.Cache
	Log       *slog.Logger
}

type Service struct {
	Deps
	opts Options
}

func New(deps Deps, opts Options) *Service {
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = DefaultMaxQueryLength
	}
	if opts.MaxContextChunks <= 0 {
		opts.MaxContextChunks = DefaultMaxContextChunks
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	return &Service{Deps: deps, opts: opts}
}

type params struct {
	query    string
	topK     int
	minScore float64
}

func (s *Service) validate(req Request) (params, error) {
	p := params{query: strings.TrimSpace(req.Query), topK: DefaultTopK, minScore: DefaultMinScore}
	if p.query == "" {
		return p, ErrEmptyQuery
	}
	if utf8.RuneCountInString(req.Query) > s.opts.MaxQueryLength {
		return p, fmt.Errorf("%w (max %d characters)", ErrQueryTooLong, s.opts.MaxQueryLength)
	}
	if req.TopK != nil {
		if *req.TopK < 1 || *req.TopK > MaxTopK {
			return p, fmt.Errorf("%w: %d (1-%d)", ErrInvalidTopK, *req.TopK, MaxTopK)
		}
		p.topK = *req.TopK
	}
	if req.MinScore != nil {
		if *req.MinScore < 0 || *req.MinScore > 1 {
			return p, fmt.Errorf("%w: %v (0-1)", ErrInvalidMinScore, *req.MinScore)
		}
		p.minScore = *req.MinScore
	}
	return p, nil
}

// scope resolves the document ids a request may search. A non-empty fixed
// answer means there is nothing to search.
func (s *Service) scope(ctx context.Context, req Request) (ids []uuid.UUID, fixed string, err error) {
	if req.DocumentID != nil {
		_, err := s.Store.GetDocument(ctx, req.OwnerID, *req.DocumentID)
		if errors.Is(err, store.ErrDocumentNotFound) {
			return nil, InaccessibleDocumentAnswer, nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("resolve document: %w", err)
		}
		return []uuid.UUID{*req.DocumentID}, "", nil
	}
	ids, err = s.Store.ListDocumentIDs(ctx, req.OwnerID)
	if err != nil {
		return nil, "", fmt.Errorf("list owned documents: %w", err)
	}
	if len(ids) == 0 {
		return nil, NoDocumentsAnswer, nil
	}
	return ids, "", nil
}

// retrieve embeds the query and returns the raw hit count and the hits at or
// above minScore, best first. Embedding and index failures yield no hits.
func (s *Service) retrieve(ctx context.Context, p params, ids []uuid.UUID) (int, []vectorstore.Match) {
	vec, err := s.Embedder.Embed(ctx, p.query, embeddings.ModeQuery)
	if err != nil || len(vec) == 0 {
		s.Log.Warn("query embedding failed, treating as no results", "err", err)
		return 0, nil
	}
	matches, err := s.Vectors.Query(ctx, vec, p.topK, vectorstore.Filter{DocumentIDs: ids})
	if err != nil {
		s.Log.Warn("vector search failed, treating as no results", "err", err)
		return 0, nil
	}

	kept := make([]vectorstore.Match, 0, len(matches))
	for _, m := range matches {
		if float64(m.Score) >= p.minScore {
			kept = append(kept, m)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	s.Log.Debug("retrieval finished", "retrieved", len(matches), "after_filter", len(kept), "top_k", p.topK, "min_score", p.minScore)
	return len(matches), kept
}

// Answer runs retrieval and generation. Only invalid input and generation
// failure are errors; everything else produces an answer.
func (s *Service) Answer(ctx context.Context, req Request) (Answer, error) {
	p, err := s.validate(req)
	if err != nil {
		return Answer{}, err
	}
	out := Answer{Query: req.Query, Sources: []Source{}}

	ids, fixed, err := s.scope(ctx, req)
	if err != nil {
		return Answer{}, err
	}
	if fixed != "" {
		out.Answer = fixed
		return out, nil
	}

	retrieved, matches := s.retrieve(ctx, p, ids)
	out.Stats = &RetrievalStats{
		ChunksRetrieved:   retrieved,
		ChunksAfterFilter: len(matches),
		TopK:              p.topK,
		MinScore:          p.minScore,
	}
	if len(matches) == 0 {
		out.Answer = NoInformationAnswer
		return out, nil
	}

	if len(matches) > s.opts.MaxContextChunks {
		matches = matches[:s.opts.MaxContextChunks]
	}
	passages := make([]llm.Passage, len(matches))
	for i, m := range matches {
		passages[i] = llm.Passage{
			Text:       m.Metadata.Preview,
			Filename:   m.Metadata.Filename,
			DocumentID: m.Metadata.DocumentID,
			ChunkIndex: m.Metadata.ChunkIndex,
			Score:      m.Score,
		}
	}

	gen, err := s.Generator.Generate(ctx, p.query, passages)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	used := gen.ChunksUsed
	if used < 0 || used > len(passages) {
		used = len(passages)
	}
	out.Answer = gen.Answer
	out.ChunksUsed = used
	for _, ps := range passages[:used] {
		out.Sources = append(out.Sources, Source{
			Filename:       ps.Filename,
			DocumentID:     ps.DocumentID,
			ChunkIndex:     ps.ChunkIndex,
			RelevanceScore: ps.Score,
		})
	}
	return out, nil
}

// Search runs retrieval only and reports the raw hits with aggregates.
func (s *Service) Search(ctx context.Context, req Request) (SearchResult, error) {
	p, err := s.validate(req)
	if err != nil {
		return SearchResult{}, err
	}
	out := SearchResult{Query: req.Query, TopK: p.topK, MinScore: p.minScore, Results: []Hit{}}

	ids, fixed, err := s.scope(ctx, req)
	if err != nil {
		return SearchResult{}, err
	}
	if fixed != "" {
		return out, nil
	}

	_, matches := s.retrieve(ctx, p, ids)
	for _, m := range matches {
		out.Results = append(out.Results, Hit{
			ChunkText: m.Metadata.Preview,
			Score:     m.Score,
			Source: HitSource{
				DocumentID: m.Metadata.DocumentID,
				Filename:   m.Metadata.Filename,
				MediaType:  m.Metadata.MediaType,
				ChunkIndex: m.Metadata.ChunkIndex,
			},
		})
	}
	out.ResultsCount = len(out.Results)
	out.Stats = searchStats(out.Results)
	return out, nil
}

func searchStats(hits []Hit) SearchStats {
	if len(hits) == 0 {
		return SearchStats{}
	}
	docs := make(map[uuid.UUID]struct{}, len(hits))
	var sum, best float64
	for i, h := range hits {
		docs[h.Source.DocumentID] = struct{}{}
		score := float64(h.Score)
		sum += score
		if i == 0 || score > best {
			best = score
		}
	}
	return SearchStats{
		UniqueDocuments: len(docs),
		AvgScore:        sum / float64(len(hits)),
		BestScore:       best,
	}
}
