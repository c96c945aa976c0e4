package ingest

import (
	"strings"
)

const (
	// ChunkSize and ChunkOverlap drive the recursive character chunker.
	ChunkSize    = 1200
	ChunkOverlap = 150
)

// separators tried in order when searching for a split point.
var separators = []string{"\n\n", "\n", ". ", ", ", " "}

// Piece is one chunk of a page before metadata enrichment.
type Piece struct {
	Text string
	// ContentWithoutOverlap omits the leading overlap repeated from the
	// previous piece. The assembler prefers it for consecutive chunks.
	ContentWithoutOverlap string
	Start, End            int
}

// Chunker is the recursive character splitter with its tunables.
type Chunker struct {
	Size    int
	Overlap int
}

// DefaultChunker returns the splitter with the stock size and overlap.
func DefaultChunker() Chunker {
	return Chunker{Size: ChunkSize, Overlap: ChunkOverlap}
}

// RecursiveChunk splits text into ~ChunkSize pieces with ChunkOverlap chars
// of carry-over, breaking at the strongest separator available near the
// limit.
func RecursiveChunk(text string) []Piece {
	return DefaultChunker().Split(text)
}

// Split chunks text with the configured size and overlap.
func (c Chunker) Split(text string) []Piece {
	if c.Size <= 0 {
		c.Size = ChunkSize
	}
	if c.Overlap <= 0 {
		c.Overlap = ChunkOverlap
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.Size {
		return []Piece{{
			Text:                  text,
			ContentWithoutOverlap: text,
			Start:                 0,
			End:                   len(text),
		}}
	}

	var pieces []Piece
	start := 0
	for start < len(text) {
		end := start + c.Size
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.splitPoint(text, start, end)
		}

		chunkText := text[start:end]
		withoutOverlap := chunkText
		if len(pieces) > 0 {
			overlapLen := min(c.Overlap, len(chunkText))
			withoutOverlap = chunkText[overlapLen:]
		}
		pieces = append(pieces, Piece{
			Text:                  chunkText,
			ContentWithoutOverlap: withoutOverlap,
			Start:                 start,
			End:                   end,
		})

		if end >= len(text) {
			break
		}
		next := end - c.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return pieces
}

// splitPoint searches backwards from the size limit for the strongest
// separator, refusing splits that would make the chunk degenerately small.
func (c Chunker) splitPoint(text string, start, limit int) int {
	minEnd := start + c.Size/2
	window := text[start:limit]
	for _, sep := range separators {
		if idx := strings.LastIndex(window, sep); idx >= 0 {
			end := start + idx + len(sep)
			if end > minEnd {
				return end
			}
		}
	}
	return limit
}
