// Package drive reads source files from Google Drive with the caller's
// delegated OAuth token.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/provider"
)

const providerName = "drive"

const (
	MimeTypeGoogleDoc    = "application/vnd.google-apps.document"
	MimeTypeGoogleSheet  = "application/vnd.google-apps.spreadsheet"
	MimeTypeGoogleSlides = "application/vnd.google-apps.presentation"
	MimeTypeFolder       = "application/vnd.google-apps.folder"

	ExportMimeText = "text/plain"
	ExportMimeCSV  = "text/csv"
)

const fileFields = "id, name, mimeType, size, createdTime, trashed"

// ServiceFactory builds a Drive client bound to one principal's token.
type ServiceFactory func(ctx context.Context, ts oauth2.TokenSource) (*drive.Service, error)

func DefaultServiceFactory(opts ...option.ClientOption) ServiceFactory {
	return func(ctx context.Context, ts oauth2.TokenSource) (*drive.Service, error) {
		return drive.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
	}
}

type Provider struct {
	newService ServiceFactory
	limiter    *rate.Limiter
	maxBytes   int64
	now        func() time.Time
}

func New(newService ServiceFactory, requestsPerSecond float64, burst int, maxBytes int64) *Provider {
	if newService == nil {
		newService = DefaultServiceFactory()
	}
	return &Provider{
		newService: newService,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxBytes:   maxBytes,
		now:        time.Now,
	}
}

func (p *Provider) service(ctx context.Context, principal auth.Principal) (*drive.Service, error) {
	creds := principal.Credentials
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing delegated drive credentials", apperr.ErrAuthentication)
	}
	if creds.Expired(p.now()) {
		return nil, fmt.Errorf("%w: delegated drive credentials expired", apperr.ErrAuthentication)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, Expiry: creds.Expiry})
	svc, err := p.newService(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return svc, nil
}

func (p *Provider) Stat(ctx context.Context, principal auth.Principal, fileID string) (*provider.File, error) {
	svc, err := p.service(ctx, principal)
	if err != nil {
		return nil, err
	}
	f, err := p.stat(ctx, svc, fileID)
	if err != nil {
		return nil, err
	}
	file := toFile(f)
	return &file, nil
}

func (p *Provider) stat(ctx context.Context, svc *drive.Service, fileID string) (*drive.File, error) {
	f, err := svc.Files.Get(fileID).Fields(fileFields).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if f.Trashed {
		return nil, apperr.Provider(providerName, apperr.ErrNotFound, fmt.Errorf("file %s is in trash", fileID))
	}
	return f, nil
}

// Get downloads a file. Google Workspace documents are exported as text.
func (p *Provider) Get(ctx context.Context, principal auth.Principal, fileID string) (*provider.SourceFile, error) {
	svc, err := p.service(ctx, principal)
	if err != nil {
		return nil, err
	}
	f, err := p.stat(ctx, svc, fileID)
	if err != nil {
		return nil, err
	}
	if f.MimeType == MimeTypeFolder {
		return nil, apperr.Validation("%s is a folder", fileID)
	}
	if p.maxBytes > 0 && f.Size > p.maxBytes {
		return nil, apperr.Validation("file %s is %d bytes, limit is %d", fileID, f.Size, p.maxBytes)
	}

	file := toFile(f)
	var resp *http.Response
	switch f.MimeType {
	case MimeTypeGoogleDoc, MimeTypeGoogleSlides:
		file.MimeType = ExportMimeText
		resp, err = svc.Files.Export(fileID, ExportMimeText).Context(ctx).Download()
	case MimeTypeGoogleSheet:
		file.MimeType = ExportMimeCSV
		resp, err = svc.Files.Export(fileID, ExportMimeCSV).Context(ctx).Download()
	default:
		resp, err = svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	}
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	data, err := p.read(resp.Body)
	if err != nil {
		return nil, err
	}
	file.Size = int64(len(data))
	return &provider.SourceFile{File: file, Data: data}, nil
}

func (p *Provider) read(r io.Reader) ([]byte, error) {
	if p.maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, apperr.Provider(providerName, apperr.ErrTransient, err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, p.maxBytes+1))
	if err != nil {
		return nil, apperr.Provider(providerName, apperr.ErrTransient, err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, apperr.Validation("file exceeds %d bytes", p.maxBytes)
	}
	return data, nil
}

// queryEscaper quotes a value for a single-quoted Drive query string.
var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// List returns the non-folder files in folder, or in the whole drive when
// folder is empty.
func (p *Provider) List(ctx context.Context, principal auth.Principal, folder string) ([]provider.File, error) {
	svc, err := p.service(ctx, principal)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("trashed = false and mimeType != '%s'", MimeTypeFolder)
	if folder != "" {
		q += fmt.Sprintf(" and '%s' in parents", queryEscaper.Replace(folder))
	}

	var files []provider.File
	pageToken := ""
	for {
		call := svc.Files.List().
			Q(q).
			Fields("nextPageToken, files(" + fileFields + ")").
			PageSize(100).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return nil, classify(err)
		}
		for _, f := range res.Files {
			files = append(files, toFile(f))
		}
		if res.NextPageToken == "" {
			return files, nil
		}
		pageToken = res.NextPageToken
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

func toFile(f *drive.File) provider.File {
	created, _ := time.Parse(time.RFC3339, f.CreatedTime)
	return provider.File{
		ID:        f.Id,
		Name:      f.Name,
		MimeType:  f.MimeType,
		Size:      f.Size,
		CreatedAt: created,
	}
}

func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return apperr.Provider(providerName, apperr.ErrAuthentication, err)
		case http.StatusForbidden:
			if isRateLimitReason(gerr) {
				return apperr.Provider(providerName, apperr.ErrRateLimited, err)
			}
			return apperr.Provider(providerName, apperr.ErrAuthentication, err)
		case http.StatusNotFound:
			return apperr.Provider(providerName, apperr.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return apperr.Provider(providerName, apperr.ErrRateLimited, err)
		}
	}
	if apperr.IsTimeout(err) {
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	}
	return apperr.Provider(providerName, apperr.ErrTransient, err)
}

// Drive reports per-user quota exhaustion as 403 with a rate limit reason.
func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
