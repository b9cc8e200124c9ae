// Package extract turns fetched file bytes into text documents.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"docpipe/internal/apperr"
	"docpipe/internal/text"
)

const MimePDF = "application/pdf"

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether the file should go through the per-page PDF path.
func IsPDF(name, mimeType string, data []byte) bool {
	if strings.EqualFold(mimeType, MimePDF) {
		return true
	}
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return true
	}
	return bytes.HasPrefix(data, pdfMagic)
}

// Extract returns one document per PDF page, or a single document holding the
// whole buffer for everything else.
func Extract(ctx context.Context, name, mimeType string, data []byte) ([]text.Document, error) {
	if IsPDF(name, mimeType, data) {
		return extractPDF(ctx, data)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return []text.Document{{Text: string(data), Page: 1}}, nil
}

func extractPDF(ctx context.Context, data []byte) (docs []text.Document, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			docs = nil
			err = apperr.Validation("failed to parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Validation("failed to parse pdf: %v", err)
	}

	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", apperr.ErrValidation, i, err)
		}
		docs = append(docs, text.Document{Text: content, Page: i})
	}
	return docs, nil
}
