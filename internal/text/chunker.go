package text

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators go from coarsest to finest. The empty separator splits
// into single characters.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
	DefaultChunkCeiling = 100
)

type Document struct {
	Text string
	Page int
}

type Chunk struct {
	SourceFileID string
	Index        int
	Text         string
}

type SplitResult struct {
	Chunks []Chunk
	// Total is the number of chunks before the ceiling was applied.
	Total     int
	Truncated bool
}

// Chunker is a recursive character splitter. Sizes are measured in characters.
type Chunker struct {
	size       int
	overlap    int
	ceiling    int
	separators []string
}

func NewChunker(size, overlap, ceiling int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap, ceiling: ceiling, separators: DefaultSeparators}
}

// Split chunks every document in order and numbers the chunks contiguously.
// Chunks past the ceiling are dropped.
func (c *Chunker) Split(fileID string, docs []Document) SplitResult {
	var pieces []string
	for _, d := range docs {
		pieces = append(pieces, c.SplitText(d.Text)...)
	}

	res := SplitResult{Total: len(pieces)}
	if c.ceiling > 0 && len(pieces) > c.ceiling {
		pieces = pieces[:c.ceiling]
		res.Truncated = true
	}

	res.Chunks = make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		res.Chunks = append(res.Chunks, Chunk{SourceFileID: fileID, Index: i, Text: p})
	}
	return res
}

func (c *Chunker) SplitText(text string) []string {
	return c.split(text, c.separators)
}

func (c *Chunker) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var finer []string
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			finer = separators[i+1:]
			break
		}
	}

	var out, fitting []string
	for _, s := range splitOn(text, separator) {
		if length(s) < c.size {
			fitting = append(fitting, s)
			continue
		}
		if len(fitting) > 0 {
			out = append(out, c.merge(fitting, separator)...)
			fitting = nil
		}
		if len(finer) == 0 {
			out = append(out, s)
		} else {
			out = append(out, c.split(s, finer)...)
		}
	}
	if len(fitting) > 0 {
		out = append(out, c.merge(fitting, separator)...)
	}
	return out
}

// merge packs splits into chunks of at most size characters. Each new chunk
// starts with the trailing splits of the previous one, up to overlap characters.
func (c *Chunker) merge(splits []string, separator string) []string {
	sepLen := length(separator)
	joinCost := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var docs, current []string
	total := 0
	for _, s := range splits {
		l := length(s)
		if total+l+joinCost(len(current)) > c.size && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, separator)); doc != "" {
				docs = append(docs, doc)
			}
			for total > c.overlap || (total > 0 && total+l+joinCost(len(current)) > c.size) {
				total -= length(current[0]) + joinCost(len(current)-1)
				current = current[1:]
			}
		}
		current = append(current, s)
		total += l + joinCost(len(current)-1)
	}
	if doc := strings.TrimSpace(strings.Join(current, separator)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func splitOn(text, separator string) []string {
	var parts []string
	if separator == "" {
		for _, r := range text {
			parts = append(parts, string(r))
		}
		return parts
	}
	for _, p := range strings.Split(text, separator) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func length(s string) int {
	return utf8.RuneCountInString(s)
}
