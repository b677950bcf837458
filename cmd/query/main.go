package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"doc-rag/internal/app"
	"doc-rag/internal/httputil"
	"doc-rag/internal/identity"
	"doc-rag/internal/qa"
)

type queryRequest struct {
	Query      string   `json:"query" validate:"required"`
	TopK       *int     `json:"top_k" validate:"omitempty,min=1,max=20"`
	MinScore   *float64 `json:"min_score" validate:"omitempty,gte=0,lte=1"`
	DocumentID *string  `json:"document_id" validate:"omitempty,uuid"`
}

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", deps.Config.Port)
	srv := &http.Server{Addr: addr, Handler: routes(deps, deps.QA()), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	deps.Log.Info("query service listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		deps.Log.Error("server error", "err", err)
	}
}

func routes(deps app.Deps, svc *qa.Service) http.Handler {
	r := httputil.NewRouter(deps.Log)
	r.Get("/healthz", httputil.HealthHandler(deps.Log))
	r.Route("/api/documents", func(r chi.Router) {
		r.Use(identity.Middleware(deps.Identity, deps.Log))
		r.Post("/query", queryHandler(deps, svc))
		r.Post("/answer", answerHandler(deps, svc))
	})
	return r
}

// decodeRequest parses and validates the body into a qa.Request for the
// authenticated owner. It writes the error response itself.
func decodeRequest(deps app.Deps, w http.ResponseWriter, r *http.Request) (qa.Request, bool) {
	ownerID, ok := identity.OwnerFrom(r.Context())
	if !ok {
		httputil.Fail(deps.Log, w, "unauthenticated", identity.ErrUnauthenticated, http.StatusUnauthorized)
		return qa.Request{}, false
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
		return qa.Request{}, false
	}
	if err := httputil.Validator.Struct(&req); err != nil {
		httputil.ValidationError(deps.Log, w, err)
		return qa.Request{}, false
	}

	out := qa.Request{OwnerID: ownerID, Query: req.Query, TopK: req.TopK, MinScore: req.MinScore}
	if req.DocumentID != nil {
		id, err := uuid.Parse(*req.DocumentID)
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document_id", err, http.StatusBadRequest)
			return qa.Request{}, false
		}
		out.DocumentID = &id
	}
	return out, true
}

func fail(deps app.Deps, w http.ResponseWriter, err error) {
	switch {
	case qa.IsClientError(err):
		httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
	case errors.Is(err, qa.ErrGeneration):
		httputil.Fail(deps.Log, w, "failed to generate answer", err, http.StatusInternalServerError)
	default:
		httputil.Fail(deps.Log, w, "query failed", err, http.StatusInternalServerError)
	}
}

func queryHandler(deps app.Deps, svc *qa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest(deps, w, r)
		if !ok {
			return
		}
		res, err := svc.Search(r.Context(), req)
		if err != nil {
			fail(deps, w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}

func answerHandler(deps app.Deps, svc *qa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest(deps, w, r)
		if !ok {
			return
		}
		ans, err := svc.Answer(r.Context(), req)
		if err != nil {
			fail(deps, w, err)
			return
		}
		deps.Log.Info("answered query", "owner_id", req.OwnerID, "chunks_used", ans.ChunksUsed)
		httputil.WriteJSON(w, http.StatusOK, ans)
	}
}
