package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/cors"
	"github.com/nsqio/go-nsq"

	"docpipe/features/ingestion"
	"docpipe/features/stats"
	"docpipe/internal/adapter/reranker"
	"docpipe/internal/auth"
	"docpipe/internal/config"
	"docpipe/internal/metrics"
	"docpipe/internal/middleware"
	"docpipe/internal/retrieval"
	"docpipe/internal/worker"
)

type App struct {
	Handler          http.Handler
	IngestionService *ingestion.Service
	IngestConsumer   *worker.IngestConsumer

	cfg *config.Config
}

func New(cfg *config.Config, deps *Dependencies, m *metrics.Metrics) (*App, error) {
	if deps == nil || deps.DB == nil {
		return nil, errors.New("app: database is required")
	}

	// Feature: Ingestion
	repo := ingestion.NewPostgresRepo(deps.DB.SQL)
	opts := ingestion.Options{
		ChunkSize:        cfg.ChunkSize,
		ChunkOverlap:     cfg.ChunkOverlap,
		ChunkCeiling:     cfg.ChunkCeiling,
		EmbedConcurrency: cfg.EmbedConcurrency,
		StaleAfter:       cfg.StaleIngestionAfter(),
		MaxUploadBytes:   cfg.MaxUploadBytes(),
		Metrics:          m,
	}
	var sealer *auth.Sealer
	if deps.NSQProducer != nil || cfg.EnableIngestWorker {
		s, err := auth.NewSealer(cfg.QueueSealSecret())
		if err != nil {
			return nil, fmt.Errorf("app: queue token sealer: %w", err)
		}
		sealer = s
	}
	if deps.NSQProducer != nil {
		opts.Publisher = deps.NSQProducer
		opts.Sealer = sealer
	}
	ingestionService := ingestion.NewService(repo, deps.Files, deps.Embedder, deps.Index, opts)
	ingestionHandler := ingestion.NewHandler(ingestionService, cfg.MaxUploadFiles)

	// Feature: Stats
	statsHandler := stats.NewHandler(repo)

	// Feature: Retrieval
	var rerank retrieval.Reranker
	switch cfg.RerankProvider {
	case config.RerankJina, config.RerankCohere:
		rerank = reranker.NewClient(cfg.RerankProvider, cfg.RerankAPIKey)
	}
	var queryLogger *retrieval.QueryLogger
	if cfg.QueryLogPath != "" {
		l, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
		if err != nil {
			slog.Warn("failed to create query logger, falling back to stdout", "error", err)
			l = retrieval.NewQueryLogger(os.Stdout)
		}
		queryLogger = l
	}
	retrievalService := retrieval.NewService(deps.Embedder, deps.Index, rerank, repo, queryLogger, cfg.SearchTopK)
	retrievalHandler := retrieval.NewHandler(retrievalService)

	// Middleware
	authn := middleware.Authenticate(auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer))
	protect := func(h http.HandlerFunc) http.Handler {
		return authn(h)
	}
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "X-Correlation-ID",
			middleware.ProviderTokenHeader, middleware.ProviderTokenExpiryHeader,
		},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	})

	// Routes
	mux := http.NewServeMux()

	mux.Handle("GET /files", protect(ingestionHandler.ListFiles))
	mux.Handle("POST /files/upload", protect(ingestionHandler.Upload))
	mux.Handle("POST /files/{fileId}/ingest", protect(ingestionHandler.Ingest))
	mux.Handle("DELETE /files/{fileId}", protect(ingestionHandler.Delete))

	mux.Handle("GET /ingestions", protect(ingestionHandler.ListRecords))
	mux.Handle("GET /ingestions/failed", protect(ingestionHandler.ListFailed))
	mux.Handle("GET /ingestions/{id}", protect(ingestionHandler.GetRecord))
	mux.Handle("POST /ingestions/{id}/retry", protect(ingestionHandler.Retry))

	mux.Handle("POST /search", protect(retrievalHandler.Search))
	mux.Handle("GET /stats", protect(statsHandler.GetStats))

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			slog.Warn("failed to write health response", "error", err)
		}
	})

	a := &App{
		Handler:          middleware.CorrelationID(corsHandler(mux)),
		IngestionService: ingestionService,
		cfg:              cfg,
	}

	// Worker (Ingest Consumer) Setup
	if cfg.EnableIngestWorker {
		a.IngestConsumer = worker.NewIngestConsumer(worker.IngestFunc(func(ctx context.Context, p auth.Principal, fileID string) error {
			_, err := ingestionService.Ingest(ctx, p, fileID)
			return err
		}), sealer, 0)
	}

	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	consumer, err := a.startConsumer()
	if err != nil {
		return err
	}
	if consumer != nil {
		defer func() {
			consumer.Stop()
			<-consumer.StopChan
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) startConsumer() (*nsq.Consumer, error) {
	if a.IngestConsumer == nil {
		return nil, nil
	}

	concurrency := max(a.cfg.IngestWorkerConcurrency, 1)
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = concurrency

	consumer, err := nsq.NewConsumer(config.TopicIngestFile, config.ChannelIngestWorker, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddConcurrentHandlers(a.IngestConsumer, concurrency)

	if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("failed to connect to NSQLookupd: %w", err)
	}
	slog.Info("NSQ ingest consumer connected", "topic", config.TopicIngestFile, "concurrency", concurrency)
	return consumer, nil
}
