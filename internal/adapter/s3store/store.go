// Package s3store keeps uploaded source files in an S3 bucket, one prefix
// per principal.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/provider"
)

const providerName = "s3"

// API is the subset of *s3.Client the store uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Store keys objects as {principal}/{fileID}/{fileName}.
type Store struct {
	api      API
	uploader Uploader
	bucket   string
	maxBytes int64
	newID    func() string
}

func New(api API, uploader Uploader, bucket string, maxBytes int64) *Store {
	return &Store{api: api, uploader: uploader, bucket: bucket, maxBytes: maxBytes, newID: uuid.NewString}
}

// Connect builds a store from static credentials, falling back to the
// default AWS credential chain when they are empty.
func Connect(ctx context.Context, region, accessKey, secretKey, bucket string, maxBytes int64) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return New(client, manager.NewUploader(client), bucket, maxBytes), nil
}

func principalPrefix(p auth.Principal) string {
	return p.ID + "/"
}

func objectKey(p auth.Principal, fileID, name string) string {
	return principalPrefix(p) + fileID + "/" + path.Base(name)
}

// Put stores an uploaded file under fileID, replacing any earlier upload
// with the same id. An empty fileID gets a fresh random id.
func (s *Store) Put(ctx context.Context, p auth.Principal, fileID, name, mimeType string, data []byte) (*provider.File, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: missing principal", apperr.ErrAuthentication)
	}
	if strings.Contains(fileID, "/") {
		return nil, apperr.Validation("invalid file id %q", fileID)
	}
	if fileID == "" {
		fileID = s.newID()
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(p, fileID, name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return nil, classify(err)
	}
	return &provider.File{
		ID:        fileID,
		Name:      path.Base(name),
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *Store) Stat(ctx context.Context, p auth.Principal, fileID string) (*provider.File, error) {
	obj, err := s.find(ctx, p, fileID)
	if err != nil {
		return nil, err
	}
	f := toFile(p, obj)
	return &f, nil
}

func (s *Store) find(ctx context.Context, p auth.Principal, fileID string) (types.Object, error) {
	if !p.Valid() {
		return types.Object{}, fmt.Errorf("%w: missing principal", apperr.ErrAuthentication)
	}
	if fileID == "" || strings.Contains(fileID, "/") {
		return types.Object{}, apperr.Validation("invalid file id %q", fileID)
	}
	out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(principalPrefix(p) + fileID + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return types.Object{}, classify(err)
	}
	if len(out.Contents) == 0 {
		return types.Object{}, apperr.Provider(providerName, apperr.ErrNotFound, fmt.Errorf("file %s", fileID))
	}
	return out.Contents[0], nil
}

func (s *Store) Get(ctx context.Context, p auth.Principal, fileID string) (*provider.SourceFile, error) {
	obj, err := s.find(ctx, p, fileID)
	if err != nil {
		return nil, err
	}
	if s.maxBytes > 0 && aws.ToInt64(obj.Size) > s.maxBytes {
		return nil, apperr.Validation("file %s is %d bytes, limit is %d", fileID, aws.ToInt64(obj.Size), s.maxBytes)
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    obj.Key,
	})
	if err != nil {
		return nil, classify(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Provider(providerName, apperr.ErrTransient, fmt.Errorf("read body: %w", err))
	}

	f := toFile(p, obj)
	f.MimeType = aws.ToString(out.ContentType)
	f.Size = int64(len(data))
	return &provider.SourceFile{File: f, Data: data}, nil
}

// List returns every file of the principal. The folder argument is matched
// as a file name prefix.
func (s *Store) List(ctx context.Context, p auth.Principal, folder string) ([]provider.File, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: missing principal", apperr.ErrAuthentication)
	}

	var files []provider.File
	pager := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(principalPrefix(p)),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			f := toFile(p, obj)
			if f.ID == "" || (folder != "" && !strings.HasPrefix(f.Name, folder)) {
				continue
			}
			files = append(files, f)
		}
	}
	return files, nil
}

func toFile(p auth.Principal, obj types.Object) provider.File {
	rest := strings.TrimPrefix(aws.ToString(obj.Key), principalPrefix(p))
	id, name, _ := strings.Cut(rest, "/")
	return provider.File{
		ID:        id,
		Name:      name,
		Size:      aws.ToInt64(obj.Size),
		CreatedAt: aws.ToTime(obj.LastModified),
	}
}

func classify(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return apperr.Provider(providerName, apperr.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return apperr.Provider(providerName, apperr.ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return apperr.Provider(providerName, apperr.ErrAuthentication, err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return apperr.Provider(providerName, apperr.ErrRateLimited, err)
		case "RequestTimeout":
			return apperr.Provider(providerName, apperr.ErrTimeout, err)
		}
	}
	if apperr.IsTimeout(err) {
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	}
	return apperr.Provider(providerName, apperr.ErrTransient, err)
}
