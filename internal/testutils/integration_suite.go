package testutils

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"docpipe/internal/config"
	"docpipe/internal/database"
)

// IntegrationSuite runs a throwaway Postgres with the migrations applied.
type IntegrationSuite struct {
	T  *testing.T
	DB *database.DB

	connStr     string
	pgContainer *postgres.PostgresContainer
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("docpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	s.connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	db, err := sql.Open("postgres", s.connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, db.PingContext(ctx))

	s.DB = database.New(db)
	require.NoError(s.T, s.DB.Initialize(ctx))
}

// GetAppConfig returns a config pointing at the suite's database. External
// providers are left unset.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	ctx := context.Background()
	host, err := s.pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := s.pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)

	return &config.Config{
		DBHost:                     host,
		DBPort:                     port.Int(),
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "docpipe_test",
		DBSSLMode:                  "disable",
		JWTSecret:                  "integration-secret",
		ChunkSize:                  500,
		ChunkOverlap:               100,
		ChunkCeiling:               100,
		EmbedConcurrency:           4,
		StaleIngestionMinutes:      15,
		MaxUploadSizeMB:            5,
		MaxUploadFiles:             5,
		SearchTopK:                 10,
		RerankProvider:             config.RerankNone,
		ServerPort:                 8081,
		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			s.T.Logf("failed to close db: %v", err)
		}
	}
	if s.pgContainer != nil {
		if err := s.pgContainer.Terminate(ctx); err != nil {
			s.T.Logf("failed to terminate postgres container: %v", err)
		}
	}
}
