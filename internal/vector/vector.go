// Package vector holds the index-neutral vector types shared by the
// ingestion pipeline and the vector index adapters.
package vector

import (
	"fmt"
	"strconv"
)

// Metadata keys stored alongside every vector.
const (
	KeyText       = "text"
	KeyFileName   = "fileName"
	KeyFileID     = "fileId"
	KeyChunkIndex = "chunkIndex"
	KeyOwnerID    = "ownerPrincipalId"
)

// Metadata travels with every vector. OwnerID scopes the vector to the
// principal that ingested it; ids are only unique per owner.
type Metadata struct {
	Text       string
	FileName   string
	FileID     string
	ChunkIndex int
	OwnerID    string
}

type Vector struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// ID is the deterministic vector id for chunk index of a file.
func ID(fileID string, index int) string {
	return fmt.Sprintf("%s-%d", fileID, index)
}

func (m Metadata) Map() map[string]any {
	return map[string]any{
		KeyText:       m.Text,
		KeyFileName:   m.FileName,
		KeyFileID:     m.FileID,
		KeyChunkIndex: m.ChunkIndex,
		KeyOwnerID:    m.OwnerID,
	}
}

// MetadataFromMap reads metadata back from an index response. Numbers may
// arrive as float64 (JSON) or as strings depending on the backend.
func MetadataFromMap(m map[string]any) Metadata {
	var md Metadata
	md.Text, _ = m[KeyText].(string)
	md.FileName, _ = m[KeyFileName].(string)
	md.FileID, _ = m[KeyFileID].(string)
	md.OwnerID, _ = m[KeyOwnerID].(string)

	switch v := m[KeyChunkIndex].(type) {
	case float64:
		md.ChunkIndex = int(v)
	case float32:
		md.ChunkIndex = int(v)
	case int:
		md.ChunkIndex = v
	case int64:
		md.ChunkIndex = int(v)
	case string:
		md.ChunkIndex, _ = strconv.Atoi(v)
	}
	return md
}
