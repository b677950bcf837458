package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"doc-rag/internal/blob"
	"doc-rag/internal/cache"
	"doc-rag/internal/chunker"
	"doc-rag/internal/config"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/extract"
	"doc-rag/internal/identity"
	"doc-rag/internal/lifecycle"
	"doc-rag/internal/llm"
	"doc-rag/internal/logger"
	"doc-rag/internal/qa"
	"doc-rag/internal/queue"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorstore"
)

const startupTimeout = 30 * time.Second

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config    config.Config
	Log       *slog.Logger
	Store     store.Store
	Blobs     blob.Storage
	Extractor extract.Extractor
	Vectors   vectorstore.Store
	Queue     queue.Queue
	Cache     cache.Cache
	Embedder  embeddings.Embedder
	LLM       llm.Generator
	Identity  identity.Resolver

	closers []func() error
}

// Build loads env, config, and shared components. A missing .env file is fine.
func Build() (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	return BuildFromConfig(cfg, logger.New(cfg.LogLevel))
}

// BuildFromConfig wires every component selected by cfg.
func BuildFromConfig(cfg config.Config, log *slog.Logger) (Deps, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	d := Deps{Config: cfg, Log: log}
	fail := func(what string, err error) (Deps, error) {
		_ = d.Close()
		return Deps{}, fmt.Errorf("failed to initialize %s: %w", what, err)
	}

	var err error
	if d.Store, err = d.buildStore(); err != nil {
		return fail("store", err)
	}
	if d.Blobs, err = d.buildBlobs(ctx); err != nil {
		return fail("file storage", err)
	}
	d.Extractor = extract.New(d.Blobs)
	if d.Vectors, err = d.buildVectors(ctx); err != nil {
		return fail("vector index", err)
	}
	if d.Queue, err = d.buildQueue(); err != nil {
		return fail("queue", err)
	}
	d.Cache = d.buildCache()
	if d.LLM, err = buildLLM(cfg, log); err != nil {
		return fail("LLM", err)
	}
	if d.Embedder, err = buildEmbedder(cfg, log); err != nil {
		return fail("embedder", err)
	}
	if d.Identity, err = buildIdentity(cfg, log); err != nil {
		return fail("identity", err)
	}
	return d, nil
}

// Lifecycle returns the document lifecycle manager over these deps.
func (d Deps) Lifecycle() *lifecycle.Manager {
	return lifecycle.New(lifecycle.Deps{
		Store:     d.Store,
		Blobs:     d.Blobs,
		Extractor: d.Extractor,
		Embedder:  d.Embedder,
		Vectors:   d.Vectors,
		Cache:     d.Cache,
		Queue:     d.Queue,
		Log:       d.Log.With("component", "lifecycle"),
	}, lifecycle.Options{
		AllowedExtensions: d.Config.AllowedExtensions,
		MaxUploadSize:     d.Config.MaxUploadSize,
		Chunk:             chunker.Options{Size: d.Config.ChunkSize, Overlap: d.Config.ChunkOverlap},
		MaxChunks:         d.Config.MaxChunks,
	})
}

// QA returns the question answering service over these deps.
func (d Deps) QA() *qa.Service {
	return qa.New(qa.Deps{
		Store:     d.Store,
		Embedder:  d.Embedder,
		Vectors:   d.Vectors,
		Generator: d.LLM,
		Cache:     d.Cache,
		Log:       d.Log.With("component", "qa"),
	}, qa.Options{
		MaxQueryLength:   d.Config.MaxQueryLength,
		MaxContextChunks: d.Config.MaxContextChunks,
		CacheTTL:         d.Config.CacheTTLDuration(),
	})
}

// Close releases connections in reverse order of creation.
func (d Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Deps) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

func (d *Deps) buildStore() (store.Store, error) {
	switch d.Config.StoreProvider {
	case "postgres":
		if d.Config.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when STORE_PROVIDER=postgres")
		}
		db, err := store.NewPostgres(d.Config.DBURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		d.onClose(db.Close)
		d.Log.Info("using Postgres store")
		return db, nil
	case "memory":
		d.Log.Warn("using in-memory store; documents are lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid STORE_PROVIDER: %s (valid options: postgres, memory)", d.Config.StoreProvider)
	}
}

func (d *Deps) buildBlobs(ctx context.Context) (blob.Storage, error) {
	switch d.Config.BlobProvider {
	case "local":
		l, err := blob.NewLocal(d.Config.UploadDir)
		if err != nil {
			return nil, err
		}
		d.Log.Info("using local file storage", "dir", d.Config.UploadDir)
		return l, nil
	case "minio":
		if d.Config.MinioEndpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT is required when BLOB_PROVIDER=minio")
		}
		m, err := blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  d.Config.MinioEndpoint,
			AccessKey: d.Config.MinioAccessKey,
			SecretKey: d.Config.MinioSecretKey,
			Bucket:    d.Config.MinioBucket,
			UseSSL:    d.Config.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		d.Log.Info("using MinIO file storage", "bucket", d.Config.MinioBucket)
		return m, nil
	default:
		return nil, fmt.Errorf("invalid BLOB_PROVIDER: %s (valid options: local, minio)", d.Config.BlobProvider)
	}
}

func (d *Deps) buildVectors(ctx context.Context) (vectorstore.Store, error) {
	switch d.Config.VectorProvider {
	case "pgvector":
		if pg, ok := d.Store.(*store.PostgresStore); ok {
			v, err := vectorstore.NewPGVectorFromDB(ctx, pg.DB(), d.Config.EmbeddingDimension)
			if err != nil {
				return nil, err
			}
			d.Log.Info("using pgvector index on the document database")
			return v, nil
		}
		if d.Config.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when VECTOR_PROVIDER=pgvector")
		}
		v, err := vectorstore.NewPGVector(d.Config.DBURL, d.Config.EmbeddingDimension)
		if err != nil {
			return nil, err
		}
		d.Log.Info("using pgvector index")
		return v, nil
	case "qdrant":
		q, err := vectorstore.NewQdrant(ctx, vectorstore.QdrantConfig{
			Addr:       d.Config.QdrantAddr,
			APIKey:     d.Config.QdrantAPIKey,
			Collection: d.Config.QdrantCollection,
			Dimension:  d.Config.EmbeddingDimension,
		})
		if err != nil {
			return nil, err
		}
		d.onClose(q.Close)
		d.Log.Info("using Qdrant index", "collection", d.Config.QdrantCollection)
		return q, nil
	case "memory":
		d.Log.Warn("using in-memory vector index; vectors are lost on restart")
		return vectorstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid VECTOR_PROVIDER: %s (valid options: pgvector, qdrant, memory)", d.Config.VectorProvider)
	}
}

func (d *Deps) buildQueue() (queue.Queue, error) {
	switch d.Config.QueueProvider {
	case "nats":
		if d.Config.QueueURL == "" {
			return nil, fmt.Errorf("QUEUE_URL is required when QUEUE_PROVIDER=nats")
		}
		nc, err := nats.Connect(d.Config.QueueURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.onClose(func() error { nc.Close(); return nil })
		d.Log.Info("using NATS queue")
		return queue.NewNATS(d.Log, nc), nil
	case "local":
		d.Log.Info("using in-process queue", "concurrency", d.Config.WorkerConcurrency)
		return queue.NewLocal(d.Log, 0, d.Config.WorkerConcurrency), nil
	default:
		return nil, fmt.Errorf("invalid QUEUE_PROVIDER: %s (valid options: nats, local)", d.Config.QueueProvider)
	}
}

// buildCache never fails: an unreachable Redis degrades to no caching.
func (d *Deps) buildCache() cache.Cache {
	switch d.Config.CacheProvider {
	case "redis":
		c, err := cache.NewRedisCache(d.Log, cache.RedisOptions{
			Addr:     d.Config.RedisAddr,
			Password: d.Config.RedisPassword,
			DB:       d.Config.RedisDB,
		})
		if err != nil {
			d.Log.Warn("redis unavailable, caching disabled", "addr", d.Config.RedisAddr, "err", err)
			return cache.NewNoOpCache()
		}
		d.onClose(c.Close)
		d.Log.Info("using Redis cache", "addr", d.Config.RedisAddr)
		return c
	case "none", "":
		d.Log.Info("caching disabled")
		return cache.NewNoOpCache()
	default:
		d.Log.Warn("unknown CACHE_PROVIDER, caching disabled", "provider", d.Config.CacheProvider)
		return cache.NewNoOpCache()
	}
}

func buildLLM(cfg config.Config, log *slog.Logger) (llm.Generator, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
		client, err := llm.NewOpenAIClient(cfg.OpenAIKey, openai.ChatModel(cfg.LLMModel))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		log.Info("using OpenAI LLM client", "model", cfg.LLMModel)
		return client, nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: %s (valid option: openai)", cfg.LLMProvider)
	}
}

func buildEmbedder(cfg config.Config, log *slog.Logger) (embeddings.Embedder, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
		embedder, err := embeddings.NewOpenAIEmbedder(cfg.OpenAIKey, openai.EmbeddingModel(cfg.EmbeddingModel), cfg.EmbeddingDimension)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI embedder: %w", err)
		}
		log.Info("using OpenAI embedder", "model", cfg.EmbeddingModel, "dimension", cfg.EmbeddingDimension)
		return embedder, nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: %s (valid option: openai)", cfg.LLMProvider)
	}
}

func buildIdentity(cfg config.Config, log *slog.Logger) (identity.Resolver, error) {
	switch cfg.IdentityProvider {
	case "jwt":
		r, err := identity.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		log.Info("using JWT identity", "issuer", cfg.JWTIssuer)
		return r, nil
	case "static":
		if len(cfg.StaticTokens) == 0 {
			return nil, fmt.Errorf("STATIC_TOKENS is required when IDENTITY_PROVIDER=static")
		}
		log.Warn("using static token identity", "tokens", len(cfg.StaticTokens))
		return identity.NewStaticResolver(cfg.StaticTokens), nil
	default:
		return nil, fmt.Errorf("invalid IDENTITY_PROVIDER: %s (valid options: jwt, static)", cfg.IdentityProvider)
	}
}
