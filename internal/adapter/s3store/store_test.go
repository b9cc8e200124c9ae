package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *MockAPI) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.ListObjectsV2Output), args.Error(1)
}

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*manager.UploadOutput), args.Error(1)
}

var principal = auth.Principal{ID: "user-1", Email: "u@example.com"}

func object(key string, size int64) types.Object {
	return types.Object{Key: aws.String(key), Size: aws.Int64(size), LastModified: aws.Time(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))}
}

func TestStore_Put(t *testing.T) {
	up := new(MockUploader)
	up.On("Upload", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "docs" &&
			aws.ToString(in.Key) == "user-1/id-1/report.pdf" &&
			aws.ToString(in.ContentType) == "application/pdf"
	})).Return(&manager.UploadOutput{}, nil)

	s := New(new(MockAPI), up, "docs", 0)
	s.newID = func() string { return "id-1" }

	f, err := s.Put(context.Background(), principal, "", "../../report.pdf", "application/pdf", []byte("%PDF-"))
	require.NoError(t, err)
	assert.Equal(t, "id-1", f.ID)
	assert.Equal(t, "report.pdf", f.Name)
	assert.Equal(t, int64(5), f.Size)
	up.AssertExpectations(t)
}

func TestStore_Put_RequiresPrincipal(t *testing.T) {
	s := New(new(MockAPI), new(MockUploader), "docs", 0)
	_, err := s.Put(context.Background(), auth.Principal{}, "", "a.txt", "text/plain", nil)
	assert.True(t, errors.Is(err, apperr.ErrAuthentication))
}

func TestStore_Put_KeepsGivenID(t *testing.T) {
	up := new(MockUploader)
	up.On("Upload", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "user-1/upload-abc/notes.txt"
	})).Return(&manager.UploadOutput{}, nil)

	f, err := New(new(MockAPI), up, "docs", 0).Put(context.Background(), principal, "upload-abc", "notes.txt", "text/plain", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "upload-abc", f.ID)
	up.AssertExpectations(t)
}

func TestStore_Get(t *testing.T) {
	api := new(MockAPI)
	api.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "user-1/id-1/"
	})).Return(&s3.ListObjectsV2Output{Contents: []types.Object{object("user-1/id-1/notes.txt", 5)}}, nil)
	api.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "user-1/id-1/notes.txt"
	})).Return(&s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader([]byte("hello"))),
		ContentType: aws.String("text/plain"),
	}, nil)

	f, err := New(api, new(MockUploader), "docs", 0).Get(context.Background(), principal, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", f.ID)
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, "text/plain", f.MimeType)
	assert.Equal(t, "hello", string(f.Data))
	api.AssertExpectations(t)
}

func TestStore_Get_NotFound(t *testing.T) {
	api := new(MockAPI)
	api.On("ListObjectsV2", mock.Anything, mock.Anything).Return(&s3.ListObjectsV2Output{}, nil)

	_, err := New(api, new(MockUploader), "docs", 0).Get(context.Background(), principal, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestStore_Get_TooLarge(t *testing.T) {
	api := new(MockAPI)
	api.On("ListObjectsV2", mock.Anything, mock.Anything).
		Return(&s3.ListObjectsV2Output{Contents: []types.Object{object("user-1/id-1/big.bin", 100)}}, nil)

	_, err := New(api, new(MockUploader), "docs", 10).Get(context.Background(), principal, "id-1")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	api.AssertNotCalled(t, "GetObject", mock.Anything, mock.Anything)
}

func TestStore_Get_RejectsPathInID(t *testing.T) {
	_, err := New(new(MockAPI), new(MockUploader), "docs", 0).Get(context.Background(), principal, "other-user/x")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestStore_List(t *testing.T) {
	api := new(MockAPI)
	api.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "user-1/"
	})).Return(&s3.ListObjectsV2Output{Contents: []types.Object{
		object("user-1/a/report.pdf", 10),
		object("user-1/b/notes.txt", 3),
	}}, nil)

	files, err := New(api, new(MockUploader), "docs", 0).List(context.Background(), principal, "")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a", files[0].ID)
	assert.Equal(t, "report.pdf", files[0].Name)
	assert.Equal(t, int64(3), files[1].Size)

	files, err = New(api, new(MockUploader), "docs", 0).List(context.Background(), principal, "rep")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestStore_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", &types.NoSuchKey{}, apperr.ErrNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, apperr.ErrAuthentication},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, apperr.ErrRateLimited},
		{"other", errors.New("dial tcp: connection refused"), apperr.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(MockAPI)
			api.On("ListObjectsV2", mock.Anything, mock.Anything).Return(nil, tt.err)

			_, err := New(api, new(MockUploader), "docs", 0).Stat(context.Background(), principal, "id-1")
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
