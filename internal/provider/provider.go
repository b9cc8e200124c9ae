// Package provider holds the file shapes returned by source file providers.
package provider

import "time"

// File describes a file at the provider without its content.
type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// SourceFile is a fetched file. Size is the number of bytes actually read.
type SourceFile struct {
	File
	Data []byte
}
