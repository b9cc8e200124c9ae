package ingestion

import (
	"context"

	"github.com/stretchr/testify/mock"

	"docpipe/internal/auth"
	"docpipe/internal/provider"
	"docpipe/internal/vector"
)

// --- Mocks ---

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) FindActive(ctx context.Context, principalID, fileID string) (*Record, error) {
	args := m.Called(ctx, principalID, fileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func (m *MockRepository) FindLatest(ctx context.Context, principalID, fileID string) (*Record, error) {
	args := m.Called(ctx, principalID, fileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func (m *MockRepository) Get(ctx context.Context, principalID, id string) (*Record, error) {
	args := m.Called(ctx, principalID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, principalID, status string, limit int) ([]Record, error) {
	args := m.Called(ctx, principalID, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Record), args.Error(1)
}

func (m *MockRepository) InactiveFileIDs(ctx context.Context, principalID string) ([]string, error) {
	args := m.Called(ctx, principalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRepository) Summarize(ctx context.Context, principalID string) (*Summary, error) {
	args := m.Called(ctx, principalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Summary), args.Error(1)
}

func (m *MockRepository) Create(ctx context.Context, rec *Record) error {
	args := m.Called(ctx, rec)
	if args.Error(0) == nil && rec.ID == "" {
		rec.ID = "rec-new"
	}
	return args.Error(0)
}

func (m *MockRepository) MarkPending(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRepository) MarkProcessing(ctx context.Context, id, fileName, fileType string, size int64) error {
	args := m.Called(ctx, id, fileName, fileType, size)
	return args.Error(0)
}

func (m *MockRepository) MarkIngested(ctx context.Context, rec *Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRepository) MarkFailed(ctx context.Context, id, message string) error {
	args := m.Called(ctx, id, message)
	return args.Error(0)
}

func (m *MockRepository) SoftDelete(ctx context.Context, rec *Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRepository) InsertDeleted(ctx context.Context, rec *Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

type MockFiles struct {
	mock.Mock
}

func (m *MockFiles) Get(ctx context.Context, p auth.Principal, fileID string) (*provider.SourceFile, error) {
	args := m.Called(ctx, p, fileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.SourceFile), args.Error(1)
}

func (m *MockFiles) Stat(ctx context.Context, p auth.Principal, fileID string) (*provider.File, error) {
	args := m.Called(ctx, p, fileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.File), args.Error(1)
}

func (m *MockFiles) List(ctx context.Context, p auth.Principal, folder string) ([]provider.File, error) {
	args := m.Called(ctx, p, folder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.File), args.Error(1)
}

// MockStoringFiles is a provider that also accepts uploads.
type MockStoringFiles struct {
	MockFiles
}

func (m *MockStoringFiles) Put(ctx context.Context, p auth.Principal, fileID, name, mimeType string, data []byte) (*provider.File, error) {
	args := m.Called(ctx, p, fileID, name, mimeType, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.File), args.Error(1)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Upsert(ctx context.Context, vectors []vector.Vector) error {
	args := m.Called(ctx, vectors)
	return args.Error(0)
}

func (m *MockIndex) DeleteByFilter(ctx context.Context, ownerID, fileID string) error {
	args := m.Called(ctx, ownerID, fileID)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}
