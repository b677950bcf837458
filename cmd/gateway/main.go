package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"doc-rag/internal/app"
	"doc-rag/internal/httputil"
	"doc-rag/internal/identity"
	"doc-rag/internal/lifecycle"
	"doc-rag/internal/qa"
	"doc-rag/internal/queue"
	"doc-rag/internal/store"
)

// multipartOverhead is the slack allowed on top of MaxUploadSize for the
// multipart framing around the file part.
const multipartOverhead = 1 << 20

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	mgr := deps.Lifecycle()
	if deps.Config.QueueProvider == "local" {
		g.Go(func() error {
			deps.Log.Info("in-process workers starting", "concurrency", deps.Config.WorkerConcurrency)
			return deps.Queue.Worker(ctx, queue.TaskTypeProcess, mgr.HandleTask)
		})
	}

	addr := fmt.Sprintf(":%d", deps.Config.Port)
	srv := &http.Server{Addr: addr, Handler: routes(deps, mgr, deps.QA()), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		deps.Log.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		deps.Log.Error("gateway stopped", "err", err)
	}
}

func routes(deps app.Deps, mgr *lifecycle.Manager, svc *qa.Service) http.Handler {
	r := httputil.NewRouter(deps.Log)
	r.Get("/healthz", httputil.HealthHandler(deps.Log))

	r.Route("/api/documents", func(r chi.Router) {
		r.Use(identity.Middleware(deps.Identity, deps.Log))

		r.Post("/upload", uploadHandler(deps, mgr))
		r.Get("/", listHandler(deps, svc))
		r.Get("/list", listHandler(deps, svc))
		r.Post("/query", proxyHandler(deps, "/api/documents/query"))
		r.Post("/answer", proxyHandler(deps, "/api/documents/answer"))
		r.Get("/{id}", getHandler(deps, svc))
		r.Delete("/{id}", deleteHandler(deps, mgr))
	})
	return r
}

// owner is set by identity.Middleware; its absence is a wiring bug.
func owner(deps app.Deps, w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := identity.OwnerFrom(r.Context())
	if !ok {
		httputil.Fail(deps.Log, w, "unauthenticated", identity.ErrUnauthenticated, http.StatusUnauthorized)
	}
	return id, ok
}

func documentID(deps app.Deps, w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func uploadHandler(deps app.Deps, mgr *lifecycle.Manager) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := owner(deps, w, r)
		if !ok {
			return
		}

		// Reject obviously oversized bodies before parsing
		if maxFileSize > 0 {
			if r.ContentLength > maxFileSize+multipartOverhead {
				httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), lifecycle.ErrFileTooLarge, http.StatusBadRequest)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxFileSize+multipartOverhead)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), lifecycle.ErrFileTooLarge, http.StatusBadRequest)
				return
			}
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()

		doc, err := mgr.Upload(r.Context(), lifecycle.UploadRequest{
			OwnerID:  ownerID,
			Filename: header.Filename,
			Size:     header.Size,
			Content:  file,
		})
		switch {
		case errors.Is(err, lifecycle.ErrUnsupportedType),
			errors.Is(err, lifecycle.ErrFileTooLarge),
			errors.Is(err, lifecycle.ErrEmptyFile):
			httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
			return
		case err != nil:
			httputil.Fail(deps.Log, w, "failed to accept document; please retry", err, http.StatusInternalServerError)
			return
		}

		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"message":  "Document uploaded; processing started",
			"document": qa.NewDocumentView(doc),
		})
	}
}

func listHandler(deps app.Deps, svc *qa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := owner(deps, w, r)
		if !ok {
			return
		}
		docs, err := svc.ListDocuments(r.Context(), ownerID)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to list documents", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, docs)
	}
}

func getHandler(deps app.Deps, svc *qa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := owner(deps, w, r)
		if !ok {
			return
		}
		id, ok := documentID(deps, w, r)
		if !ok {
			return
		}
		doc, err := svc.GetDocument(r.Context(), ownerID, id)
		if errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, doc)
	}
}

func deleteHandler(deps app.Deps, mgr *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := owner(deps, w, r)
		if !ok {
			return
		}
		id, ok := documentID(deps, w, r)
		if !ok {
			return
		}
		err := mgr.Delete(r.Context(), ownerID, id)
		if errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to delete document", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"message":     "Document deleted",
			"document_id": id,
		})
	}
}

// proxyHandler forwards the request body and credentials to the query service.
func proxyHandler(deps app.Deps, path string) http.HandlerFunc {
	target := strings.TrimRight(deps.Config.QueryServiceURL, "/") + path
	client := &http.Client{Timeout: 60 * time.Second}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, r.Body)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to create request", err, http.StatusInternalServerError)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", r.Header.Get("Authorization"))

		resp, err := client.Do(req)
		if err != nil {
			httputil.Fail(deps.Log, w, "query service unavailable", err, http.StatusServiceUnavailable)
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			deps.Log.Error("failed to copy response", "err", err)
		}
	}
}
