package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	VectorBackendPinecone = "pinecone"
	VectorBackendWeaviate = "weaviate"

	FileProviderDrive = "drive"
	FileProviderS3    = "s3"

	RerankNone   = "none"
	RerankJina   = "jina"
	RerankCohere = "cohere"
)

type Config struct {
	DBHost    string `envconfig:"DB_HOST" default:"postgres"`
	DBPort    int    `envconfig:"DB_PORT" default:"5432"`
	DBUser    string `envconfig:"DB_USER" default:"docpipe"`
	DBPass    string `envconfig:"DB_PASS" default:"password"`
	DBName    string `envconfig:"DB_NAME" default:"docpipe"`
	DBSSLMode string `envconfig:"DB_SSLMODE" default:"disable"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Auth
	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`
	// QueueTokenKey seals provider tokens in queued messages. Defaults to JWTSecret.
	QueueTokenKey string `envconfig:"QUEUE_TOKEN_KEY"`

	// Embeddings
	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`

	// Vector index
	VectorBackend     string `envconfig:"VECTOR_BACKEND" default:"pinecone"`
	PineconeAPIKey    string `envconfig:"PINECONE_API_KEY"`
	PineconeIndex     string `envconfig:"PINECONE_INDEX" default:"documents"`
	// PineconeNamespace prefixes the per-principal namespaces.
	PineconeNamespace string `envconfig:"PINECONE_NAMESPACE"`
	WeaviateHost      string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme    string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	WeaviateClass     string `envconfig:"WEAVIATE_CLASS" default:"DocumentChunk"`

	// File provider
	FileProvider           string  `envconfig:"FILE_PROVIDER" default:"drive"`
	DriveRequestsPerSecond float64 `envconfig:"DRIVE_REQUESTS_PER_SECOND" default:"8"`
	DriveBurst             int     `envconfig:"DRIVE_BURST" default:"10"`
	S3Bucket               string  `envconfig:"S3_BUCKET"`
	S3Region               string  `envconfig:"S3_REGION" default:"us-east-1"`
	AWSAccessKey           string  `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey           string  `envconfig:"AWS_SECRET_ACCESS_KEY"`

	// Pipeline
	ChunkSize             int   `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlap          int   `envconfig:"CHUNK_OVERLAP" default:"100"`
	ChunkCeiling          int   `envconfig:"CHUNK_CEILING" default:"100"`
	EmbedConcurrency      int   `envconfig:"EMBED_CONCURRENCY" default:"8"`
	StaleIngestionMinutes int   `envconfig:"STALE_INGESTION_MINUTES" default:"15"`
	MaxUploadSizeMB       int64 `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	MaxUploadFiles        int   `envconfig:"MAX_UPLOAD_FILES" default:"10"`

	// Async ingestion
	NSQDHost                string `envconfig:"NSQD_HOST"`
	NSQDHTTP                string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	NSQLookupd              string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	EnableIngestWorker      bool   `envconfig:"ENABLE_INGEST_WORKER" default:"false"`
	IngestWorkerConcurrency int    `envconfig:"INGEST_WORKER_CONCURRENCY" default:"4"`

	// Server
	ServerPort     int      `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath   string   `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`

	// Search
	SearchTopK     int    `envconfig:"SEARCH_TOP_K" default:"10"`
	RerankProvider string `envconfig:"RERANK_PROVIDER" default:"none"`
	RerankAPIKey   string `envconfig:"RERANK_API_KEY"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET", ErrMissingRequired)
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
	}

	switch c.VectorBackend {
	case VectorBackendPinecone:
		if c.PineconeAPIKey == "" {
			return fmt.Errorf("%w: PINECONE_API_KEY", ErrMissingRequired)
		}
		if c.PineconeIndex == "" {
			return fmt.Errorf("%w: PINECONE_INDEX", ErrMissingRequired)
		}
	case VectorBackendWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND=%q", ErrInvalidValue, c.VectorBackend)
	}

	switch c.FileProvider {
	case FileProviderDrive:
	case FileProviderS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("%w: S3_BUCKET", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: FILE_PROVIDER=%q", ErrInvalidValue, c.FileProvider)
	}

	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_SIZE=%d CHUNK_OVERLAP=%d", ErrInvalidValue, c.ChunkSize, c.ChunkOverlap)
	}
	if c.ChunkCeiling <= 0 {
		return fmt.Errorf("%w: CHUNK_CEILING=%d", ErrInvalidValue, c.ChunkCeiling)
	}
	if c.EmbedConcurrency <= 0 {
		return fmt.Errorf("%w: EMBED_CONCURRENCY=%d", ErrInvalidValue, c.EmbedConcurrency)
	}

	switch c.RerankProvider {
	case "", RerankNone:
	case RerankJina, RerankCohere:
		if c.RerankAPIKey == "" {
			return fmt.Errorf("%w: RERANK_API_KEY", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: RERANK_PROVIDER=%q", ErrInvalidValue, c.RerankProvider)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName, c.DBSSLMode)
}

func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadSizeMB << 20
}

func (c *Config) StaleIngestionAfter() time.Duration {
	return time.Duration(c.StaleIngestionMinutes) * time.Minute
}

func (c *Config) QueueSealSecret() string {
	if c.QueueTokenKey != "" {
		return c.QueueTokenKey
	}
	return c.JWTSecret
}

func (c *Config) BootstrapRetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}
