package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 50

	// lookahead bounds how far past a window end a sentence break is searched for.
	lookahead = 100
)

// Options controls how text is chunked. Size and Overlap are in characters.
type Options struct {
	Size    int
	Overlap int
}

// Chunk represents a slice of the document text.
// Start and End are character offsets of the window before trimming.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// ChunkText splits text into overlapping windows of opts.Size characters,
// extending a window to the nearest following sentence break when one exists
// within the lookahead region.
func ChunkText(text string, opts Options) []Chunk {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)
	if n <= opts.Size {
		return []Chunk{{Index: 0, Text: text, Start: 0, End: n}}
	}

	var chunks []Chunk
	start := 0
	for start < n {
		end := start + opts.Size
		if end < n {
			if brk := lastBreak(runes, end, min(end+lookahead, n)); brk > end {
				end = brk + 1
			}
		} else {
			end = n
		}

		if segment := strings.TrimSpace(string(runes[start:end])); segment != "" {
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Text:  segment,
				Start: start,
				End:   end,
			})
		}
		if end >= n {
			break
		}

		next := end - opts.Overlap
		if next <= 0 || next >= n || next <= start {
			break
		}
		start = next
	}
	return chunks
}

// Texts returns the chunk texts in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// lastBreak returns the rightmost sentence-ending position in runes[from:to],
// or -1. Two-character markers must fit entirely inside the region.
func lastBreak(runes []rune, from, to int) int {
	for i := to - 1; i >= from; i-- {
		switch runes[i] {
		case '.', '\n':
			return i
		case '!', '?':
			if i+1 < to && runes[i+1] == ' ' {
				return i
			}
		}
	}
	return -1
}

// Sanitize drops characters that text columns and vector metadata cannot hold:
// NUL bytes, invalid UTF-8 and control characters other than tab and line breaks.
func Sanitize(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\t', r == '\r':
			return r
		case r == 0, unicode.IsControl(r):
			return -1
		}
		return r
	}, text)
}
