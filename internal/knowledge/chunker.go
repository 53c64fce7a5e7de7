// Package knowledge feeds the analysis knowledge base: it chunks
// document text for similarity search and distills completed analyses
// into reusable entries (clause patterns, law references, court cases,
// risk patterns).
package knowledge

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	chunkSize    = 1000
	chunkOverlap = 200
	// Fragments shorter than this carry no searchable signal.
	minChunkLen = 20

	embedTruncateChars = 8000
)

// Chunk is one slice of a document, positioned by byte offsets.
type Chunk struct {
	Content   string
	Index     int
	CharStart int
	CharEnd   int
}

// Sentence boundary: terminator, whitespace, then an uppercase letter
// including the Latin Extended range used by Italian text.
var sentenceBoundary = regexp.MustCompile(`[.!?]\s+[A-Z\x{00C0}-\x{024F}]`)

// ChunkText splits text into overlapping chunks, preferring natural cut
// points (paragraph break, then sentence end, then line break) over a
// hard cut at the size limit.
func ChunkText(text string) []Chunk {
	var chunks []Chunk
	start := 0
	lastStart := -1

	for start < len(text) {
		end := start + chunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = naturalCut(text, start, end)
		}

		content := strings.TrimSpace(text[start:end])
		if len(content) > minChunkLen {
			chunks = append(chunks, Chunk{
				Content:   content,
				Index:     len(chunks),
				CharStart: start,
				CharEnd:   end,
			})
			lastStart = start
		}

		next := end - chunkOverlap
		if next <= lastStart || next <= start {
			next = end
		}
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}

	return chunks
}

// naturalCut moves end back to the closest natural boundary, as long as
// the boundary keeps the chunk above half size. Falls back to the
// nearest rune boundary so multibyte text never splits mid-character.
func naturalCut(text string, start, end int) int {
	half := start + chunkSize/2

	if pb := strings.LastIndex(text[:end], "\n\n"); pb > half {
		return pb + 2
	}

	if loc := sentenceBoundary.FindStringIndex(text[start:end]); loc != nil && loc[0] > chunkSize/2 {
		return start + loc[0] + 2
	}

	if lb := strings.LastIndex(text[:end], "\n"); lb > half {
		return lb + 1
	}

	for end > start && !utf8.RuneStart(text[end]) {
		end--
	}
	return end
}

// truncateForEmbedding caps text ahead of the embedding call. Long
// chunks degrade vector quality before they hit token limits.
func truncateForEmbedding(text string) string {
	if len(text) <= embedTruncateChars {
		return text
	}
	return text[:embedTruncateChars] + "..."
}
