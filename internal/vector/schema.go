package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

const DefaultClass = "DocumentChunk"

// SchemaClient is the subset of the Weaviate schema API used by EnsureSchema.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{Name: KeyText, DataType: []string{"text"}},
		{Name: KeyFileName, DataType: []string{"text"}},
		{Name: KeyFileID, DataType: []string{"string"}}, // exact match for delete filters
		{Name: KeyChunkIndex, DataType: []string{"int"}},
		{Name: KeyOwnerID, DataType: []string{"string"}},
		{Name: "vectorId", DataType: []string{"string"}},
	}
}

// EnsureSchema creates the chunk class, or adds any properties an older
// class is missing. Existing properties are never altered.
func EnsureSchema(ctx context.Context, client SchemaClient, className string) error {
	if className == "" {
		className = DefaultClass
	}
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	properties := chunkProperties()
	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       className,
			Description: "A chunk of an ingested file",
			Vectorizer:  "none",
			Properties:  properties,
		})
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}
	for _, p := range properties {
		if existing[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, className, p); err != nil {
			return err
		}
	}
	return nil
}
