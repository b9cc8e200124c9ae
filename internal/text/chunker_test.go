package text

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int, word string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = word
	}
	return strings.Join(parts, " ")
}

func numberedWords(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%03d", i)
	}
	return strings.Join(parts, " ")
}

func sharedOverlap(a, b string) int {
	for k := len(b); k > 0; k-- {
		if k <= len(a) && strings.HasSuffix(a, b[:k]) {
			return k
		}
	}
	return 0
}

func TestChunker_FourChunksFor1400Chars(t *testing.T) {
	// 280 four-character words: 279 separators + 1120 characters + trailing period.
	input := numberedWords(280) + "."
	require.Len(t, input, 1400)

	c := NewChunker(500, 100, 100)
	res := c.Split("file-1", []Document{{Text: input}})

	require.Len(t, res.Chunks, 4)
	assert.Equal(t, 4, res.Total)
	assert.False(t, res.Truncated)

	for i, ch := range res.Chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, "file-1", ch.SourceFileID)
		assert.LessOrEqual(t, len(ch.Text), 500)
	}
	for i := 1; i < len(res.Chunks); i++ {
		k := sharedOverlap(res.Chunks[i-1].Text, res.Chunks[i].Text)
		assert.Greater(t, k, 0, "chunk %d should overlap its predecessor", i)
		assert.LessOrEqual(t, k, 100)
	}
	assert.True(t, strings.HasPrefix(res.Chunks[1].Text, "w080 "))
	assert.True(t, strings.HasSuffix(res.Chunks[3].Text, "w279."))
}

func TestChunker_Ceiling(t *testing.T) {
	c := NewChunker(10, 0, 100)
	res := c.Split("f", []Document{{Text: words(250, "abcdefghi")}})

	assert.Equal(t, 250, res.Total)
	assert.True(t, res.Truncated)
	require.Len(t, res.Chunks, 100)
	assert.Equal(t, 99, res.Chunks[99].Index)
}

func TestChunker_EmptyInput(t *testing.T) {
	c := NewChunker(500, 100, 100)

	assert.Empty(t, c.Split("f", nil).Chunks)
	assert.Empty(t, c.Split("f", []Document{{Text: ""}}).Chunks)
	assert.Empty(t, c.Split("f", []Document{{Text: "   "}}).Chunks)
}

func TestChunker_ShortTextSingleChunk(t *testing.T) {
	c := NewChunker(500, 100, 100)
	res := c.Split("f", []Document{{Text: "Hello world."}})

	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "Hello world.", res.Chunks[0].Text)
}

func TestChunker_IndexesSpanDocuments(t *testing.T) {
	c := NewChunker(500, 100, 100)
	res := c.Split("f", []Document{
		{Text: "page one", Page: 1},
		{Text: "page two", Page: 2},
	})

	require.Len(t, res.Chunks, 2)
	assert.Equal(t, 0, res.Chunks[0].Index)
	assert.Equal(t, 1, res.Chunks[1].Index)
	assert.Equal(t, "page two", res.Chunks[1].Text)
}

func TestChunker_Deterministic(t *testing.T) {
	c := NewChunker(50, 10, 100)
	input := words(60, "lorem") + "\n\n" + words(40, "ipsum")

	assert.Equal(t, c.SplitText(input), c.SplitText(input))
}

func TestChunker_PrefersCoarseSeparators(t *testing.T) {
	c := NewChunker(30, 0, 100)
	input := "first paragraph here\n\nsecond paragraph here"

	assert.Equal(t, []string{"first paragraph here", "second paragraph here"}, c.SplitText(input))
}

func TestChunker_FallsBackToCharacters(t *testing.T) {
	c := NewChunker(10, 0, 100)
	chunks := c.SplitText(strings.Repeat("a", 25))

	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("a", 10), chunks[0])
	assert.Equal(t, strings.Repeat("a", 5), chunks[2])
}

func TestNewChunker_Defaults(t *testing.T) {
	c := NewChunker(0, -1, 0)
	assert.Equal(t, DefaultChunkSize, c.size)
	assert.Equal(t, 0, c.overlap)

	c = NewChunker(100, 200, 10)
	assert.Equal(t, 0, c.overlap)
}

func TestChunker_SplitsOnParagraphsAfterLayoutNormalize(t *testing.T) {
	first := words(30, "alphabeta")  // 299 characters
	second := words(30, "gammadelt") // 299 characters
	input := NormalizeLayout("<p>" + first + "</p>\n\n\n<p>" + second + "</p>")

	res := NewChunker(500, 100, 100).Split("f", []Document{{Text: input}})

	require.Len(t, res.Chunks, 2)
	assert.Equal(t, first, res.Chunks[0].Text)
	assert.Equal(t, second, res.Chunks[1].Text)
}
