package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docpipe/internal/apperr"
	"docpipe/internal/vector"
)

const providerName = "weaviate"

// Store is a VectorIndex backed by a Weaviate class with vectorizer "none".
type Store struct {
	client *weaviate.Client
	class  string
}

func NewClient(host, scheme string) (*weaviate.Client, error) {
	return weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
}

func NewStore(client *weaviate.Client, class string) *Store {
	if class == "" {
		class = vector.DefaultClass
	}
	return &Store{client: client, class: class}
}

// objectID maps an owner's vector id onto a stable UUID so re-ingesting a
// file overwrites its objects instead of duplicating them.
func objectID(ownerID, vectorID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(ownerID+"/"+vectorID)).String())
}

func ownerFilter(ownerID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{vector.KeyOwnerID}).
		WithOperator(filters.Equal).
		WithValueString(ownerID)
}

func (s *Store) Upsert(ctx context.Context, vectors []vector.Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(vectors))
	for _, v := range vectors {
		if v.Metadata.OwnerID == "" {
			return apperr.Validation("vector %s has no owner", v.ID)
		}
		props := v.Metadata.Map()
		props["vectorId"] = v.ID
		objects = append(objects, &models.Object{
			Class:      s.class,
			ID:         objectID(v.Metadata.OwnerID, v.ID),
			Properties: props,
			Vector:     v.Values,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return classify(err)
	}

	var failed []string
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			failed = append(failed, e.Message)
		}
	}
	if len(failed) > 0 {
		return apperr.Provider(providerName, apperr.ErrTransient,
			fmt.Errorf("batch upsert: %d object errors: %s", len(failed), strings.Join(failed, "; ")))
	}
	return nil
}

// DeleteByFilter removes the owner's objects of fileID.
func (s *Store) DeleteByFilter(ctx context.Context, ownerID, fileID string) error {
	if ownerID == "" {
		return apperr.Validation("vector owner is required")
	}
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{vector.KeyFileID}).
				WithOperator(filters.Equal).
				WithValueString(fileID),
			ownerFilter(ownerID),
		})
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(s.class).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, ownerID string, values []float32, topK int, includeMetadata bool) ([]vector.Match, error) {
	if ownerID == "" {
		return nil, apperr.Validation("vector owner is required")
	}
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(values)

	fields := []graphql.Field{
		{Name: "vectorId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}
	if includeMetadata {
		fields = append(fields,
			graphql.Field{Name: vector.KeyText},
			graphql.Field{Name: vector.KeyFileName},
			graphql.Field{Name: vector.KeyFileID},
			graphql.Field{Name: vector.KeyChunkIndex},
			graphql.Field{Name: vector.KeyOwnerID},
		)
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithNearVector(nearVector).
		WithWhere(ownerFilter(ownerID)).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Errors) > 0 {
		return nil, apperr.Provider(providerName, apperr.ErrTransient, fmt.Errorf("graphql error: %s", res.Errors[0].Message))
	}

	var matches []vector.Match
	data, _ := res.Data["Get"].(map[string]interface{})
	objects, _ := data[s.class].([]interface{})
	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		m := vector.Match{}
		m.ID, _ = props["vectorId"].(string)
		if includeMetadata {
			m.Metadata = vector.MetadataFromMap(props)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if distance, ok := additional["distance"].(float64); ok {
				m.Score = float32(1 - distance)
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// EnsureSchema creates or extends the chunk class.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, &schemaClient{client: s.client}, s.class)
}

func classify(err error) error {
	var werr *fault.WeaviateClientError
	if errors.As(err, &werr) {
		switch werr.StatusCode {
		case http.StatusTooManyRequests:
			return apperr.Provider(providerName, apperr.ErrRateLimited, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperr.Provider(providerName, apperr.ErrAuthentication, err)
		}
	}
	if apperr.IsTimeout(err) {
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	}
	return apperr.Provider(providerName, apperr.ErrTransient, err)
}
