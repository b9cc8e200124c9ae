package config_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"docpipe/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		DBHost:           "localhost",
		DBUser:           "user",
		DBName:           "db",
		JWTSecret:        "secret",
		GeminiAPIKey:     "key",
		VectorBackend:    config.VectorBackendPinecone,
		PineconeAPIKey:   "pc",
		PineconeIndex:    "documents",
		FileProvider:     config.FileProviderDrive,
		ChunkSize:        500,
		ChunkOverlap:     100,
		ChunkCeiling:     100,
		EmbedConcurrency: 4,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errIs  error
	}{
		{name: "Valid Config", mutate: func(c *config.Config) {}},
		{name: "Missing DBHost", mutate: func(c *config.Config) { c.DBHost = "" }, errIs: config.ErrMissingRequired},
		{name: "Missing DBUser", mutate: func(c *config.Config) { c.DBUser = "" }, errIs: config.ErrMissingRequired},
		{name: "Missing DBName", mutate: func(c *config.Config) { c.DBName = "" }, errIs: config.ErrMissingRequired},
		{name: "Missing JWT secret", mutate: func(c *config.Config) { c.JWTSecret = "" }, errIs: config.ErrMissingRequired},
		{name: "Missing Pinecone key", mutate: func(c *config.Config) { c.PineconeAPIKey = "" }, errIs: config.ErrMissingRequired},
		{name: "Weaviate without Pinecone key", mutate: func(c *config.Config) {
			c.VectorBackend = config.VectorBackendWeaviate
			c.PineconeAPIKey = ""
			c.WeaviateHost = "localhost:8080"
		}},
		{name: "Unknown vector backend", mutate: func(c *config.Config) { c.VectorBackend = "qdrant" }, errIs: config.ErrInvalidValue},
		{name: "S3 without bucket", mutate: func(c *config.Config) { c.FileProvider = config.FileProviderS3 }, errIs: config.ErrMissingRequired},
		{name: "Unknown provider", mutate: func(c *config.Config) { c.FileProvider = "dropbox" }, errIs: config.ErrInvalidValue},
		{name: "Overlap not below size", mutate: func(c *config.Config) { c.ChunkOverlap = 500 }, errIs: config.ErrInvalidValue},
		{name: "Zero ceiling", mutate: func(c *config.Config) { c.ChunkCeiling = 0 }, errIs: config.ErrInvalidValue},
		{name: "Rerank without key", mutate: func(c *config.Config) { c.RerankProvider = config.RerankJina }, errIs: config.ErrMissingRequired},
		{name: "Rerank with key", mutate: func(c *config.Config) {
			c.RerankProvider = config.RerankCohere
			c.RerankAPIKey = "k"
		}},
		{name: "Unknown reranker", mutate: func(c *config.Config) { c.RerankProvider = "voyage" }, errIs: config.ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errIs == nil {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, errors.Is(err, tt.errIs))
		})
	}
}
