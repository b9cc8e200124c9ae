package text

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	spacesPattern     = regexp.MustCompile(` +`)
	lineEdgePattern   = regexp.MustCompile(` ?\n ?`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

const allowedPunctuation = ".,;:!?'\"()[]{}-_/\\&%$#@+=*|~^`"

func isAllowed(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return strings.ContainsRune(allowedPunctuation, r)
}

// Normalize strips markup, control characters, non-ASCII code points and
// anything outside the allow-list, then collapses whitespace. It never fails;
// invalid UTF-8 falls back to NormalizeASCII. An empty result is valid.
func Normalize(raw string) string {
	if !utf8.ValidString(raw) {
		return NormalizeASCII(raw)
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(clean(raw), " "))
}

// NormalizeLayout applies the same filtering as Normalize but keeps line
// breaks, so the chunker can still split on paragraphs and lines. Runs of
// spaces become one space and runs of blank lines one paragraph break.
// Invalid UTF-8 sequences are dropped.
func NormalizeLayout(raw string) string {
	raw = strings.ToValidUTF8(raw, "")
	s := strings.ReplaceAll(clean(raw), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spacesPattern.ReplaceAllString(s, " ")
	s = lineEdgePattern.ReplaceAllString(s, "\n")
	s = blankLinesPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// clean drops markup and disallowed characters. Line feeds and carriage
// returns survive; every other space character becomes ' '.
func clean(raw string) string {
	s := tagPattern.ReplaceAllString(raw, " ")
	s = html.UnescapeString(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r':
			return r
		case unicode.IsSpace(r):
			return ' '
		case isAllowed(r):
			return r
		default:
			return -1
		}
	}, s)
}

// NormalizeASCII keeps printable ASCII bytes only. It works byte by byte so it
// is safe on arbitrary input, and is the last filter applied before embedding.
func NormalizeASCII(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	space := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			space = true
		case c > 0x20 && c < 0x7f:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteByte(c)
		}
	}
	return b.String()
}
