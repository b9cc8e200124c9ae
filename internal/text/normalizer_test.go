package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello world.", "Hello world."},
		{"markup", "<p>Hello</p><p>World</p>", "Hello World"},
		{"entities", "Fish &amp; chips", "Fish & chips"},
		{"whitespace", "a\n\n\tb   c\r\n", "a b c"},
		{"non ascii", "café naïve — ok", "caf nave ok"},
		{"control", "a\x00b\x07c", "abc"},
		{"empty", "", ""},
		{"only markup", "<br/><hr>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	in := "<div>Report  2024:\n\n revenue &amp; costs</div>"
	once := Normalize(in)
	assert.Equal(t, once, Normalize(once))
	assert.Equal(t, "Report 2024: revenue & costs", once)
}

func TestNormalize_InvalidUTF8(t *testing.T) {
	in := "ok\xff\xfe bytes"
	assert.Equal(t, "ok bytes", Normalize(in))
	assert.Equal(t, "ok bytes", NormalizeLayout(in))
}

func TestNormalizeLayout(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"keeps paragraphs", "First  para.\n\nSecond\tpara.", "First para.\n\nSecond para."},
		{"keeps lines", "a \r\n b", "a\nb"},
		{"squeezes blank lines", "a\n \n\n\n b", "a\n\nb"},
		{"markup", "<p>Hello</p>\n<p>World &amp; co</p>", "Hello\nWorld & co"},
		{"non ascii", "café\nnaïve", "caf\nnave"},
		{"empty", " \n\n ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeLayout(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, Normalize(tt.in), Normalize(got))
		})
	}
}

func TestNormalizeASCII(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeASCII("  a\n b\x01\x80 c  "))
	assert.Equal(t, "", NormalizeASCII("\xe2\x80\x94"))
}
