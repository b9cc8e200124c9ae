package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"

	"docpipe/features/ingestion"
	"docpipe/internal/adapter/drive"
	"docpipe/internal/adapter/gemini"
	"docpipe/internal/adapter/pinecone"
	"docpipe/internal/adapter/s3store"
	wstore "docpipe/internal/adapter/weaviate"
	"docpipe/internal/config"
	"docpipe/internal/database"
	"docpipe/internal/vector"
)

// VectorIndex is what the pipeline and search need from either backend.
type VectorIndex interface {
	Upsert(ctx context.Context, vectors []vector.Vector) error
	DeleteByFilter(ctx context.Context, ownerID, fileID string) error
	Query(ctx context.Context, ownerID string, values []float32, topK int, includeMetadata bool) ([]vector.Match, error)
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

type Dependencies struct {
	DB          *database.DB
	Index       VectorIndex
	Files       ingestion.FileProvider
	Embedder    ingestion.Embedder
	NSQProducer *nsq.Producer

	closers []func() error
}

// Close releases everything Bootstrap opened, in reverse order.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	ready := false
	defer func() {
		if ready {
			return
		}
		if err := deps.Close(); err != nil {
			slog.Warn("failed to release partial dependencies", "error", err)
		}
	}()

	// Database
	db, err := database.Open(ctx, cfg.DSN(), cfg.BootstrapRetryAttempts, cfg.BootstrapRetryDelay())
	if err != nil {
		return nil, err
	}
	deps.DB = db
	deps.closers = append(deps.closers, db.Close)

	if err := db.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("database init error: %w", err)
	}

	// Vector index
	switch cfg.VectorBackend {
	case config.VectorBackendWeaviate:
		client, err := wstore.NewClient(cfg.WeaviateHost, cfg.WeaviateScheme)
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		store := wstore.NewStore(client, cfg.WeaviateClass)
		if err := EnsureSchemaWithRetry(ctx, store, cfg.BootstrapRetryAttempts, cfg.BootstrapRetryDelay()); err != nil {
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		deps.Index = store
	default:
		idx, err := pinecone.Connect(ctx, cfg.PineconeAPIKey, cfg.PineconeIndex, cfg.PineconeNamespace)
		if err != nil {
			return nil, err
		}
		deps.Index = idx
		deps.closers = append(deps.closers, idx.Close)
	}

	// File provider
	switch cfg.FileProvider {
	case config.FileProviderS3:
		store, err := s3store.Connect(ctx, cfg.S3Region, cfg.AWSAccessKey, cfg.AWSSecretKey, cfg.S3Bucket, cfg.MaxUploadBytes())
		if err != nil {
			return nil, err
		}
		deps.Files = store
	default:
		deps.Files = drive.New(drive.DefaultServiceFactory(), cfg.DriveRequestsPerSecond, cfg.DriveBurst, cfg.MaxUploadBytes())
	}

	// Embeddings
	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("gemini client error: %w", err)
	}
	deps.Embedder = embedder
	deps.closers = append(deps.closers, embedder.Close)

	// NSQ Producer (optional; async ingestion is disabled without it)
	if cfg.NSQDHost != "" {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.NSQProducer = producer
		deps.closers = append(deps.closers, func() error {
			producer.Stop()
			return nil
		})
		createTopics(cfg.NSQDHTTP)
	}

	ready = true
	return deps, nil
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicIngestFile)
	}()
}

// EnsureSchemaWithRetry retries schema creation while the index starts up.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		slog.WarnContext(ctx, "failed to ensure vector schema, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
