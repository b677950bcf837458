// Package lifecycle drives uploaded documents from storage to a searchable
// (or failed) state and removes them again.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"doc-rag/internal/blob"
	"doc-rag/internal/cache"
	"doc-rag/internal/chunker"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/extract"
	"doc-rag/internal/queue"
	"doc-rag/internal/retry"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorstore"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")

	ErrNoChunks    = errors.New("no text to index")
	ErrShortUpsert = errors.New("vector store stored fewer chunks than sent")
)

const (
	processAttempts    = 3
	enqueueAttempts    = 3
	enqueueBackoff     = 200 * time.Millisecond
	compensateAttempts = 3
	compensateBackoff  = 250 * time.Millisecond
)

// Options are the upload and indexing limits.
type Options struct {
	AllowedExtensions []string
	MaxUploadSize     int64
	Chunk             chunker.Options
	MaxChunks         int
}

// Deps are the collaborators the manager drives.
type Deps struct {
	Store     store.Store
	Blobs     blob.Storage
	Extractor extract.Extractor
	Embedder  embeddings.Embedder
	Vectors   vectorstore.Store
	Cache     cache.Cache
	Queue     queue.Queue
	Log       *slog.Logger
}

type Manager struct {
	Deps
	opts    Options
	allowed map[string]bool
	now     func() time.Time
}

func New(deps Deps, opts Options) *Manager {
	allowed := make(map[string]bool, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return &Manager{Deps: deps, opts: opts, allowed: allowed, now: time.Now}
}

// ProcessPayload is the body of a process task.
type ProcessPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
}

type UploadRequest struct {
	OwnerID  string
	Filename string
	Size     int64
	Content  io.Reader
}

// Upload validates and stores the file, records it as uploaded and queues
// processing. It returns as soon as the record exists.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (store.Document, error) {
	ext := strings.ToLower(filepath.Ext(req.Filename))
	mediaType, known := extract.MediaTypeForExtension(ext)
	if !known || !m.allowed[ext] {
		return store.Document{}, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	if req.Size <= 0 {
		return store.Document{}, ErrEmptyFile
	}
	if m.opts.MaxUploadSize > 0 && req.Size > m.opts.MaxUploadSize {
		return store.Document{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, req.Size, m.opts.MaxUploadSize)
	}

	key := uuid.NewString() + ext
	if err := m.Blobs.Save(ctx, key, req.Content, req.Size, mediaType); err != nil {
		return store.Document{}, fmt.Errorf("save file: %w", err)
	}

	doc, err := m.Store.CreateDocument(ctx, store.NewDocument{
		OwnerID:      req.OwnerID,
		OriginalName: filepath.Base(req.Filename),
		StorageRef:   key,
		ByteSize:     req.Size,
		MediaType:    mediaType,
	})
	if err != nil {
		if delErr := m.Blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			m.Log.Warn("failed to remove orphaned upload", "storage_ref", key, "err", delErr)
		}
		return store.Document{}, fmt.Errorf("create document: %w", err)
	}
	log := m.Log.With("document_id", doc.ID)
	m.invalidate(ctx, doc.OwnerID)

	body, err := json.Marshal(ProcessPayload{DocumentID: doc.ID, OwnerID: doc.OwnerID})
	if err != nil {
		return store.Document{}, err
	}
	task := queue.Task{Type: queue.TaskTypeProcess, Payload: body, MaxAttempts: processAttempts}
	if err := queue.EnqueueWithRetry(ctx, m.Queue, task, enqueueAttempts, enqueueBackoff); err != nil {
		// Nothing will ever pick this document up.
		detached := context.WithoutCancel(ctx)
		if upErr := m.Store.MarkFailed(detached, doc.ID, m.now().UTC()); upErr != nil {
			log.Error("failed to mark document failed", "err", upErr)
		}
		m.invalidate(detached, doc.OwnerID)
		return store.Document{}, fmt.Errorf("enqueue processing: %w", err)
	}

	log.Info("document uploaded", "filename", doc.OriginalName, "bytes", doc.ByteSize, "media_type", mediaType)
	return doc, nil
}

// HandleTask is the queue handler for process tasks. Processing failures are
// recorded on the document, never returned, so the queue does not re-run them.
// A claim that errors is returned for re-delivery; on the last delivery the
// document is marked failed instead.
func (m *Manager) HandleTask(ctx context.Context, task queue.Task) error {
	var payload ProcessPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode process payload: %w", err)
	}
	if payload.DocumentID == uuid.Nil {
		return errors.New("process payload without document_id")
	}
	log := m.Log.With("document_id", payload.DocumentID)
	status, err := m.Process(ctx, payload.DocumentID)
	switch {
	case err == nil:
		return nil
	case status != "":
		log.Warn("document processing did not succeed", "status", status, "err", err)
		return nil
	case !task.LastAttempt():
		return fmt.Errorf("claim document %s: %w", payload.DocumentID, err)
	}

	log.Error("giving up on document after claim failures", "attempts", task.Attempts+1, "err", err)
	detached := context.WithoutCancel(ctx)
	if upErr := m.Store.MarkFailed(detached, payload.DocumentID, m.now().UTC()); upErr != nil && !errors.Is(upErr, store.ErrDocumentNotFound) {
		log.Error("failed to mark document failed", "err", upErr)
	}
	if payload.OwnerID != "" {
		m.invalidate(detached, payload.OwnerID)
	}
	return nil
}

// Process claims the document and indexes it. It returns the status the
// document ended in and, when that is not ready, the cause. A document that
// is not waiting in uploaded is skipped with an empty status.
func (m *Manager) Process(ctx context.Context, id uuid.UUID) (status store.DocumentStatus, err error) {
	doc, err := m.Store.ClaimForProcessing(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotClaimable) {
			m.Log.Info("skipping document not awaiting processing", "document_id", id)
			return "", nil
		}
		return "", err
	}

	log := m.Log.With("document_id", id)
	detached := context.WithoutCancel(ctx)
	start := m.now()
	run := &indexRun{}

	m.invalidate(detached, doc.OwnerID)
	defer m.invalidate(detached, doc.OwnerID)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during processing: %v", rec)
			log.Error("processing panicked", "panic", rec)
			status = m.fail(detached, log, doc, run, err)
		}
	}()

	if err := m.index(ctx, log, doc, run); err != nil {
		return m.fail(detached, log, doc, run, err), err
	}
	log.Info("document ready", "chunks", run.chunkCount, "duration_ms", time.Since(start).Milliseconds())
	return store.StatusReady, nil
}

// indexRun tracks what an attempt has written so failure can undo it.
type indexRun struct {
	upsertAttempted bool
	chunkCount      int
}

func (m *Manager) index(ctx context.Context, log *slog.Logger, doc store.Document, run *indexRun) error {
	res, err := m.Extractor.Extract(ctx, doc.StorageRef, doc.MediaType)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	text := chunker.Sanitize(res.Text)
	chunks := chunker.Texts(chunker.ChunkText(text, m.opts.Chunk))
	if len(chunks) == 0 {
		return ErrNoChunks
	}
	if m.opts.MaxChunks > 0 && len(chunks) > m.opts.MaxChunks {
		log.Info("truncating chunk set", "chunks", len(chunks), "max_chunks", m.opts.MaxChunks)
		chunks = chunks[:m.opts.MaxChunks]
	}

	vectors, err := m.Embedder.EmbedBatch(ctx, chunks, embeddings.ModeDocument)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embed: got %d vectors for %d chunks: %w", len(vectors), len(chunks), embeddings.ErrEmptyEmbedding)
	}
	dimension := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("embed chunk %d: %w", i, embeddings.ErrEmptyEmbedding)
		}
		if len(v) != dimension {
			return fmt.Errorf("embed chunk %d: dimension %d, expected %d", i, len(v), dimension)
		}
	}

	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ChunkIndex: i,
			Vector:     vectors[i],
			Metadata: vectorstore.Metadata{
				DocumentID: doc.ID,
				ChunkIndex: i,
				Preview:    vectorstore.Preview(c),
				Filename:   doc.OriginalName,
				MediaType:  doc.MediaType,
			},
		}
	}
	run.upsertAttempted = true
	n, err := m.Vectors.Upsert(ctx, doc.ID, records)
	if err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	if n != len(records) {
		return fmt.Errorf("%w: %d of %d", ErrShortUpsert, n, len(records))
	}

	err = m.Store.MarkReady(ctx, doc.ID, store.ReadyUpdate{
		ExtractedText:      text,
		PageCount:          res.PageCount,
		Chunks:             chunks,
		EmbeddingModel:     m.Embedder.Model(),
		EmbeddingDimension: dimension,
		CompletedAt:        m.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	run.chunkCount = len(chunks)
	return nil
}

// fail removes any vectors the attempt may have written, then records failed.
func (m *Manager) fail(ctx context.Context, log *slog.Logger, doc store.Document, run *indexRun, cause error) store.DocumentStatus {
	log.Warn("document processing failed", "err", cause)
	if run.upsertAttempted {
		err := retry.Do(ctx, compensateAttempts, compensateBackoff, func(ctx context.Context) error {
			return m.Vectors.DeleteByDocument(ctx, doc.ID)
		})
		if err != nil {
			log.Error("compensating vector delete failed", "err", err)
		}
	}
	if err := m.Store.MarkFailed(ctx, doc.ID, m.now().UTC()); err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			log.Info("document removed during processing")
		} else {
			log.Error("failed to mark document failed", "err", err)
		}
	}
	return store.StatusFailed
}

// Delete hard-deletes an owned document: vectors, then the record, then the
// file. Vectors are deleted again once the record is gone.
func (m *Manager) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	doc, err := m.Store.GetDocument(ctx, ownerID, id)
	if err != nil {
		return err
	}
	log := m.Log.With("document_id", id)

	if err := m.Vectors.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := m.Store.DeleteDocument(ctx, ownerID, id); err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	err = retry.Do(detached, compensateAttempts, compensateBackoff, func(ctx context.Context) error {
		return m.Vectors.DeleteByDocument(ctx, id)
	})
	if err != nil {
		log.Error("failed to sweep vectors after delete", "err", err)
	}
	if err := m.Blobs.Delete(ctx, doc.StorageRef); err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Warn("failed to remove stored file", "storage_ref", doc.StorageRef, "err", err)
	}
	m.invalidate(ctx, ownerID)
	log.Info("document deleted")
	return nil
}

func (m *Manager) invalidate(ctx context.Context, ownerID string) {
	n := m.Cache.DeletePrefix(ctx, cache.OwnerPrefix(ownerID))
	m.Log.Debug("invalidated owner cache", "owner_id", ownerID, "keys", n)
}
