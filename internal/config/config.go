package config

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration shared by all services.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize     int64    `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes
	AllowedExtensions []string `env:"ALLOWED_EXTENSIONS" envDefault:".pdf,.docx,.txt" envSeparator:","`

	// Query service the gateway forwards retrieval requests to
	QueryServiceURL string `env:"QUERY_SERVICE_URL" envDefault:"http://query:8081"`

	// Store
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"postgres"` // "postgres" or "memory" (single-process dev)
	DBURL         string `env:"DB_URL"`

	// File storage
	BlobProvider   string `env:"BLOB_PROVIDER" envDefault:"local"` // "local" or "minio"
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"rag-documents"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	// Vector index
	VectorProvider     string `env:"VECTOR_PROVIDER" envDefault:"pgvector"` // "pgvector", "qdrant" or "memory"
	QdrantAddr         string `env:"QDRANT_ADDR" envDefault:"localhost:6334"`
	QdrantAPIKey       string `env:"QDRANT_API_KEY"`
	QdrantCollection   string `env:"QDRANT_COLLECTION" envDefault:"rag-documents"`
	EmbeddingDimension int    `env:"EMBEDDING_DIMENSION" envDefault:"1536"`

	// Queue
	QueueProvider     string `env:"QUEUE_PROVIDER" envDefault:"nats"` // "nats" or "local" (in-process workers)
	QueueURL          string `env:"QUEUE_URL"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// Cache
	CacheProvider string `env:"CACHE_PROVIDER" envDefault:"redis"` // "redis" or "none"
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	CacheTTL      int    `env:"CACHE_TTL" envDefault:"300"` // seconds

	// LLM & Embeddings
	LLMProvider    string `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIKey      string `env:"OPENAI_API_KEY"`
	LLMModel       string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	EmbeddingModel string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`

	// Identity
	IdentityProvider string            `env:"IDENTITY_PROVIDER" envDefault:"jwt"` // "jwt" or "static"
	JWTSecret        string            `env:"JWT_SECRET"`
	JWTIssuer        string            `env:"JWT_ISSUER"`
	StaticTokens     map[string]string `env:"STATIC_TOKENS" envSeparator:"," envKeyValSeparator:":"` // token:owner pairs

	// Pipeline
	ChunkSize        int `env:"CHUNK_SIZE" envDefault:"500"`
	ChunkOverlap     int `env:"CHUNK_OVERLAP" envDefault:"50"`
	MaxChunks        int `env:"MAX_CHUNKS" envDefault:"200"`
	MaxQueryLength   int `env:"MAX_QUERY_LENGTH" envDefault:"1000"`
	MaxContextChunks int `env:"MAX_CONTEXT_CHUNKS" envDefault:"5"`
}

// CacheTTLDuration returns CacheTTL as a duration.
func (c Config) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
