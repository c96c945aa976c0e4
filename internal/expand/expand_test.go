package expand

import (
	"context"
	"testing"

	"github.com/hsn0918/docqa/internal/adapters"
)

// fakeDB serves chunks from an in-memory table keyed by source and index.
type fakeDB struct {
	adapters.VectorDB
	chunks map[string]adapters.Chunk
	calls  int
}

func newFakeDB(chunks ...adapters.Chunk) *fakeDB {
	m := make(map[string]adapters.Chunk)
	for _, c := range chunks {
		m[chunkKey(c.SourceName, c.ChunkIndex)] = c
	}
	return &fakeDB{chunks: m}
}

func (f *fakeDB) GetChunksBySourceAndIndex(ctx context.Context, refs []adapters.ChunkRef) ([]adapters.Chunk, error) {
	f.calls++
	var out []adapters.Chunk
	for _, r := range refs {
		if c, ok := f.chunks[chunkKey(r.SourceName, r.ChunkIndex)]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func intp(n int) *int { return &n }

func mkChunk(source string, index, total int, text string) adapters.Chunk {
	c := adapters.Chunk{SourceName: source, ChunkIndex: index, TotalChunks: total, Text: text}
	if index > 0 {
		c.PrevChunkIndex = intp(index - 1)
	}
	if index < total-1 {
		c.NextChunkIndex = intp(index + 1)
	}
	return c
}

func selectedHit(c adapters.Chunk, score float64) adapters.Hit {
	return adapters.Hit{Chunk: c, Score: score, FinalScore: score}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name                    string
		listMode, countMismatch bool
		strong                  int
		want                    Strategy
	}{
		{name: "zero evidence", strong: 0, want: OrderedNeighbors},
		{name: "list mode", listMode: true, strong: 3, want: OrderedNeighbors},
		{name: "count mismatch", countMismatch: true, strong: 2, want: OrderedNeighbors},
		{name: "plain answer", strong: 4, want: LocalNeighborsOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.listMode, tt.countMismatch, tt.strong); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOrderedFetchesNextIndices(t *testing.T) {
	db := newFakeDB(
		mkChunk("a.pdf", 3, 10, "tres"),
		mkChunk("a.pdf", 4, 10, "cuatro"),
		mkChunk("a.pdf", 5, 10, "cinco"),
		mkChunk("a.pdf", 6, 10, "seis"),
		mkChunk("a.pdf", 7, 10, "siete"),
	)
	selected := []adapters.Hit{selectedHit(mkChunk("a.pdf", 3, 10, "tres"), 0.9)}

	got := New(db).Ordered(context.Background(), selected)
	if len(got) != 5 {
		t.Fatalf("got %d hits, want 1 selected + 4 fetched", len(got))
	}
	for _, h := range got[1:] {
		if !h.IsWindowExpansion {
			t.Errorf("chunk %d missing expansion flag", h.ChunkIndex)
		}
		if h.FinalScore != ExpansionScore {
			t.Errorf("chunk %d score = %.3f, want expansion score", h.ChunkIndex, h.FinalScore)
		}
	}
}

func TestOrderedBoundedByTotal(t *testing.T) {
	db := newFakeDB(
		mkChunk("a.pdf", 8, 10, "ocho"),
		mkChunk("a.pdf", 9, 10, "nueve"),
	)
	selected := []adapters.Hit{selectedHit(mkChunk("a.pdf", 8, 10, "ocho"), 0.9)}

	got := New(db).Ordered(context.Background(), selected)
	// Only index 9 exists below totalChunks=10.
	if len(got) != 2 {
		t.Fatalf("got %d hits, want 2", len(got))
	}
	if got[1].ChunkIndex != 9 {
		t.Errorf("fetched chunk %d, want 9", got[1].ChunkIndex)
	}
}

func TestOrderedNoRefsNoCall(t *testing.T) {
	db := newFakeDB()
	selected := []adapters.Hit{selectedHit(mkChunk("a.pdf", 9, 10, "nueve"), 0.9)}
	New(db).Ordered(context.Background(), selected)
	if db.calls != 0 {
		t.Errorf("db called %d times, want 0 when nothing to fetch", db.calls)
	}
}

func TestWalkFollowsNeighbors(t *testing.T) {
	db := newFakeDB(
		mkChunk("a.pdf", 4, 10, "cuatro"),
		mkChunk("a.pdf", 5, 10, "cinco"),
		mkChunk("a.pdf", 6, 10, "seis"),
		mkChunk("a.pdf", 7, 10, "siete"),
	)
	selected := []adapters.Hit{
		selectedHit(mkChunk("a.pdf", 5, 10, "cinco"), 0.9),
		selectedHit(mkChunk("b.pdf", 0, 3, "otro"), 0.1),
	}

	got := New(db).Walk(context.Background(), selected)
	have := map[int]bool{}
	for _, h := range got {
		if h.SourceName == "a.pdf" {
			have[h.ChunkIndex] = true
		}
	}
	// Seed is a.pdf#5 (normalized score 1.0); step 1 adds 4 and 6, step 2
	// adds 3 (absent) and 7.
	for _, idx := range []int{4, 5, 6, 7} {
		if !have[idx] {
			t.Errorf("missing chunk %d after walk", idx)
		}
	}
	// The low-score hit is not a seed.
	if db.calls != 2 {
		t.Errorf("db calls = %d, want 2 walk steps", db.calls)
	}
}

func TestWalkRejectsCorruptNeighborIndex(t *testing.T) {
	corrupt := adapters.Chunk{
		SourceName: "a.pdf", ChunkIndex: 5, TotalChunks: 10, Text: "cinco",
		NextChunkIndex: intp(9), // not adjacent
	}
	db := newFakeDB(mkChunk("a.pdf", 9, 10, "nueve"))
	selected := []adapters.Hit{selectedHit(corrupt, 0.9)}

	got := New(db).Walk(context.Background(), selected)
	if len(got) != 1 {
		t.Fatalf("corrupt neighbor followed: %d hits", len(got))
	}
	if db.calls != 0 {
		t.Errorf("db calls = %d, want 0", db.calls)
	}
}

func TestLocalMergesPoolNeighbors(t *testing.T) {
	selected := []adapters.Hit{selectedHit(mkChunk("a.pdf", 5, 20, "cinco"), 0.9)}
	pool := []adapters.Hit{
		selectedHit(mkChunk("a.pdf", 5, 20, "cinco"), 0.9),  // already selected
		selectedHit(mkChunk("a.pdf", 7, 20, "siete"), 0.4),  // within +3
		selectedHit(mkChunk("a.pdf", 2, 20, "dos"), 0.4),    // within -3
		selectedHit(mkChunk("a.pdf", 12, 20, "doce"), 0.4),  // outside
		selectedHit(mkChunk("b.pdf", 6, 20, "otro"), 0.4),   // other source
	}

	got := New(nil).Local(selected, pool)
	if len(got) != 3 {
		t.Fatalf("got %d hits, want 3", len(got))
	}
	for _, h := range got[1:] {
		if !h.IsWindowExpansion {
			t.Errorf("merged chunk %d missing expansion flag", h.ChunkIndex)
		}
	}
	if got[1].ChunkIndex != 2 || got[2].ChunkIndex != 7 {
		t.Errorf("merged order = %d,%d; want 2,7", got[1].ChunkIndex, got[2].ChunkIndex)
	}
}
