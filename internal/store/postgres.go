package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the pool so the pgvector index can share it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Advisory lock so the gateway and processor don't race on DDL at startup.
	const lockID = 723401186

	var acquired bool
	err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
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

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			owner_id TEXT NOT NULL,
			original_name TEXT NOT NULL,
			storage_ref TEXT NOT NULL,
			byte_size BIGINT NOT NULL,
			media_type TEXT NOT NULL,
			extracted_text TEXT,
			page_count INT,
			chunks TEXT[],
			chunk_count INT,
			embedding_model TEXT,
			embedding_dimension INT,
			embedding_completed_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at TIMESTAMPTZ,
			is_deleted BOOLEAN NOT NULL DEFAULT false
		);`,
		`CREATE INDEX IF NOT EXISTS documents_owner_idx
			ON documents (owner_id, created_at DESC) WHERE NOT is_deleted;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Listing skips the text and chunk columns; they can be megabytes per row.
const (
	summaryColumns = `id, owner_id, original_name, storage_ref, byte_size, media_type,
		page_count, chunk_count, embedding_model, embedding_dimension, embedding_completed_at,
		status, created_at, processed_at, is_deleted`
	fullColumns = summaryColumns + `, extracted_text, chunks`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, full bool) (Document, error) {
	var (
		d          Document
		status     string
		pageCount  sql.NullInt64
		chunkCount sql.NullInt64
		model      sql.NullString
		dimension  sql.NullInt64
		embeddedAt sql.NullTime
		processed  sql.NullTime
		text       sql.NullString
		chunks     []string
	)
	dest := []any{&d.ID, &d.OwnerID, &d.OriginalName, &d.StorageRef, &d.ByteSize, &d.MediaType,
		&pageCount, &chunkCount, &model, &dimension, &embeddedAt,
		&status, &d.CreatedAt, &processed, &d.IsDeleted}
	if full {
		dest = append(dest, &text, pq.Array(&chunks))
	}
	if err := row.Scan(dest...); err != nil {
		return Document{}, err
	}

	d.Status = DocumentStatus(status)
	d.PageCount = intPtr(pageCount)
	d.ChunkCount = intPtr(chunkCount)
	d.EmbeddingDimension = intPtr(dimension)
	if model.Valid {
		d.EmbeddingModel = &model.String
	}
	if embeddedAt.Valid {
		d.EmbeddingCompletedAt = &embeddedAt.Time
	}
	if processed.Valid {
		d.ProcessedAt = &processed.Time
	}
	if text.Valid {
		d.ExtractedText = &text.String
	}
	d.Chunks = chunks
	return d, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc NewDocument) (Document, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents(id, owner_id, original_name, storage_ref, byte_size, media_type, status)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		id, doc.OwnerID, doc.OriginalName, doc.StorageRef, doc.ByteSize, doc.MediaType, StatusUploaded)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return Document{
		ID:           id,
		OwnerID:      doc.OwnerID,
		OriginalName: doc.OriginalName,
		StorageRef:   doc.StorageRef,
		ByteSize:     doc.ByteSize,
		MediaType:    doc.MediaType,
		Status:       StatusUploaded,
		CreatedAt:    createdAt,
	}, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, ownerID string, id uuid.UUID) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fullColumns+` FROM documents
		WHERE id=$1 AND owner_id=$2 AND NOT is_deleted`, id, ownerID)
	d, err := scanDocument(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+summaryColumns+` FROM documents
		WHERE owner_id=$1 AND NOT is_deleted
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDocumentIDs(ctx context.Context, ownerID string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE owner_id=$1 AND NOT is_deleted`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ClaimForProcessing(ctx context.Context, id uuid.UUID) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents SET status=$2
		WHERE id=$1 AND status=$3 AND NOT is_deleted
		RETURNING `+summaryColumns,
		id, StatusProcessing, StatusUploaded)
	d, err := scanDocument(row, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotClaimable
		}
		return Document{}, fmt.Errorf("claim document %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) MarkReady(ctx context.Context, id uuid.UUID, u ReadyUpdate) error {
	var pageCount any
	if u.PageCount != nil {
		pageCount = *u.PageCount
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			extracted_text=$2, page_count=$3, chunks=$4, chunk_count=$5,
			embedding_model=$6, embedding_dimension=$7, embedding_completed_at=$8,
			status=$9, processed_at=$8
		WHERE id=$1 AND status=$10 AND NOT is_deleted`,
		id, u.ExtractedText, pageCount, pq.Array(u.Chunks), len(u.Chunks),
		u.EmbeddingModel, u.EmbeddingDimension, u.CompletedAt,
		StatusReady, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark ready %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status=$2, processed_at=$3
		WHERE id=$1 AND status IN ($4, $5) AND NOT is_deleted`,
		id, StatusFailed, at, StatusUploaded, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, ownerID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
