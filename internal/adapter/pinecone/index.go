// Package pinecone implements the vector index on a Pinecone serverless index.
package pinecone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"docpipe/internal/apperr"
	"docpipe/internal/vector"
)

const providerName = "pinecone"

// IndexConn is the subset of *pinecone.IndexConnection the index uses.
type IndexConn interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	DeleteVectorsByFilter(ctx context.Context, filter *pinecone.MetadataFilter) error
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	Close() error
}

// OpenFunc opens a data-plane connection scoped to one namespace.
type OpenFunc func(namespace string) (IndexConn, error)

// Index keeps each principal's vectors in its own namespace, so vector ids
// only need to be unique per principal.
type Index struct {
	open   OpenFunc
	prefix string

	mu    sync.Mutex
	conns map[string]IndexConn
}

// NewIndex returns an Index whose namespaces are prefix plus the principal
// id. An empty prefix uses the bare principal id.
func NewIndex(open OpenFunc, prefix string) *Index {
	return &Index{open: open, prefix: prefix, conns: make(map[string]IndexConn)}
}

// Connect resolves the index host and returns an Index that opens namespace
// connections on demand.
func Connect(ctx context.Context, apiKey, indexName, prefix string) (*Index, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("pinecone: api key is required")
	}
	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %s: %w", indexName, err)
	}

	return NewIndex(func(namespace string) (IndexConn, error) {
		return client.Index(pinecone.NewIndexConnParams{Host: idx.Host, Namespace: namespace})
	}, prefix), nil
}

func (i *Index) namespace(ownerID string) string {
	if i.prefix == "" {
		return ownerID
	}
	return i.prefix + "-" + ownerID
}

func (i *Index) conn(ownerID string) (IndexConn, error) {
	if ownerID == "" {
		return nil, apperr.Validation("vector owner is required")
	}
	ns := i.namespace(ownerID)

	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.conns[ns]; ok {
		return c, nil
	}
	c, err := i.open(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", ns, err)
	}
	i.conns[ns] = c
	return c, nil
}

func (i *Index) Upsert(ctx context.Context, vectors []vector.Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	batches := make(map[string][]*pinecone.Vector)
	for _, v := range vectors {
		md, err := structpb.NewStruct(v.Metadata.Map())
		if err != nil {
			return fmt.Errorf("failed to convert metadata for %s: %w", v.ID, err)
		}
		owner := v.Metadata.OwnerID
		batches[owner] = append(batches[owner], &pinecone.Vector{Id: v.ID, Values: v.Values, Metadata: md})
	}

	for owner, batch := range batches {
		conn, err := i.conn(owner)
		if err != nil {
			return err
		}
		n, err := conn.UpsertVectors(ctx, batch)
		if err != nil {
			return classify(err)
		}
		if int(n) != len(batch) {
			return apperr.Provider(providerName, apperr.ErrTransient, fmt.Errorf("upserted %d of %d vectors", n, len(batch)))
		}
	}
	return nil
}

// DeleteByFilter removes the owner's vectors of fileID.
func (i *Index) DeleteByFilter(ctx context.Context, ownerID, fileID string) error {
	conn, err := i.conn(ownerID)
	if err != nil {
		return err
	}
	filter, err := structpb.NewStruct(map[string]interface{}{
		vector.KeyFileID:  map[string]interface{}{"$eq": fileID},
		vector.KeyOwnerID: map[string]interface{}{"$eq": ownerID},
	})
	if err != nil {
		return fmt.Errorf("failed to convert filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, filter); err != nil {
		return classify(err)
	}
	return nil
}

func (i *Index) Query(ctx context.Context, ownerID string, values []float32, topK int, includeMetadata bool) ([]vector.Match, error) {
	conn, err := i.conn(ownerID)
	if err != nil {
		return nil, err
	}
	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          values,
		TopK:            uint32(topK),
		IncludeMetadata: includeMetadata,
	})
	if err != nil {
		return nil, classify(err)
	}

	matches := make([]vector.Match, 0, len(resp.Matches))
	for _, sv := range resp.Matches {
		if sv == nil || sv.Vector == nil {
			continue
		}
		m := vector.Match{ID: sv.Vector.Id, Score: sv.Score}
		if sv.Vector.Metadata != nil {
			m.Metadata = vector.MetadataFromMap(sv.Vector.Metadata.AsMap())
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var errs []error
	for ns, c := range i.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close namespace %s: %w", ns, err))
		}
		delete(i.conns, ns)
	}
	return errors.Join(errs...)
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return apperr.Provider(providerName, apperr.ErrRateLimited, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return apperr.Provider(providerName, apperr.ErrAuthentication, err)
	case codes.DeadlineExceeded:
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	case codes.InvalidArgument:
		return apperr.Provider(providerName, apperr.ErrValidation, err)
	}
	if apperr.IsTimeout(err) {
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	}
	return apperr.Provider(providerName, apperr.ErrTransient, err)
}
