package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"doc-rag/internal/embeddings"
)

// PGVector stores chunk vectors in Postgres with the pgvector extension.
type PGVector struct {
	db        *sql.DB
	dimension int
}

// NewPGVector opens dsn and ensures the vector table exists.
func NewPGVector(dsn string, dimension int) (*PGVector, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return NewPGVectorFromDB(context.Background(), db, dimension)
}

// NewPGVectorFromDB reuses an open pool, e.g. the document store's.
func NewPGVectorFromDB(ctx context.Context, db *sql.DB, dimension int) (*PGVector, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	s := &PGVector{db: db, dimension: dimension}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGVector) migrate(ctx context.Context) error {
	// Advisory lock keeps concurrently starting services from racing on DDL.
	const lockID = 723401187

	var acquired bool
	if err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		// Another service is running migrations; wait briefly and skip
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	for _, stmt := range migrationStatements(s.dimension) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrationStatements create the chunk table. Queries are always scoped to
// document ids and are answered exactly through the primary key; the table
// carries no approximate index.
func migrationStatements(dimension int) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_vectors (
			document_id UUID NOT NULL,
			chunk_index INT NOT NULL,
			embedding vector(%d) NOT NULL,
			chunk_text TEXT NOT NULL,
			filename TEXT NOT NULL,
			media_type TEXT NOT NULL,
			PRIMARY KEY (document_id, chunk_index)
		)`, dimension),
		`DROP INDEX IF EXISTS chunk_vectors_embedding_idx`,
	}
}

func (s *PGVector) Upsert(ctx context.Context, documentID uuid.UUID, records []Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors(document_id, chunk_index, embedding, chunk_text, filename, media_type)
		VALUES($1, $2, $3::vector, $4, $5, $6)
		ON CONFLICT (document_id, chunk_index) DO UPDATE
		SET embedding=excluded.embedding, chunk_text=excluded.chunk_text,
			filename=excluded.filename, media_type=excluded.media_type`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return 0, fmt.Errorf("chunk %d: vector has %d dimensions, index expects %d", r.ChunkIndex, len(r.Vector), s.dimension)
		}
		if _, err := stmt.ExecContext(ctx, documentID, r.ChunkIndex, pgvector.NewVector(r.Vector),
			r.Metadata.Preview, r.Metadata.Filename, r.Metadata.MediaType); err != nil {
			return 0, fmt.Errorf("chunk %d: %w", r.ChunkIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *PGVector) Query(ctx context.Context, vector embeddings.Vector, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 || len(filter.DocumentIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(filter.DocumentIDs))
	for i, id := range filter.DocumentIDs {
		ids[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, chunk_index, chunk_text, filename, media_type,
			1 - (embedding <=> $1::vector) AS score
		FROM chunk_vectors
		WHERE document_id = ANY($2::uuid[])
		ORDER BY embedding <=> $1::vector
		LIMIT $3`, pgvector.NewVector(vector), pq.StringArray(ids), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			md    Metadata
			score float64
		)
		if err := rows.Scan(&md.DocumentID, &md.ChunkIndex, &md.Preview, &md.Filename, &md.MediaType, &score); err != nil {
			return nil, err
		}
		matches = append(matches, Match{
			ID:       PointID(md.DocumentID, md.ChunkIndex),
			Score:    float32(score),
			Metadata: md,
		})
	}
	return matches, rows.Err()
}

func (s *PGVector) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id=$1`, documentID)
	return err
}
