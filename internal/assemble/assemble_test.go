package assemble

import (
	"strings"
	"testing"

	"github.com/hsn0918/docqa/internal/adapters"
)

func intp(n int) *int { return &n }

func mkHit(source string, index int, page int, text string) adapters.Hit {
	return adapters.Hit{
		Chunk: adapters.Chunk{
			SourceName: source,
			ChunkIndex: index,
			PageNumber: intp(page),
			Text:       text,
		},
	}
}

func TestBuildBasic(t *testing.T) {
	hits := []adapters.Hit{
		mkHit("a.pdf", 0, 1, "primer fragmento"),
		mkHit("b.pdf", 0, 7, "segundo fragmento"),
	}
	got := Build(hits, DefaultLimits())

	if got.UsedChunks != 2 {
		t.Errorf("used = %d, want 2", got.UsedChunks)
	}
	if !strings.Contains(got.Context, "SOURCE Página 1\nprimer fragmento") {
		t.Error("missing first section header")
	}
	if !strings.Contains(got.Context, "\n\n---\n\n") {
		t.Error("sections not separated")
	}
	if got.ContextByKey["Página 7"] != "segundo fragmento" {
		t.Errorf("context index = %q", got.ContextByKey["Página 7"])
	}
	if len(got.Sources) != 2 || got.Sources[0] != "a.pdf" {
		t.Errorf("sources = %v", got.Sources)
	}
}

func TestBuildChunkCap(t *testing.T) {
	var hits []adapters.Hit
	for i := 0; i < 15; i++ {
		hits = append(hits, mkHit("a.pdf", i, i+1, "texto"))
	}
	got := Build(hits, DefaultLimits())
	if got.UsedChunks != MaxChunksTotal {
		t.Errorf("used = %d, want cap %d", got.UsedChunks, MaxChunksTotal)
	}
}

func TestBuildPerSourceCapInDiversityMode(t *testing.T) {
	// Plenty of candidates remain, so the skip guard stays active.
	var hits []adapters.Hit
	for i := 0; i < 8; i++ {
		hits = append(hits, mkHit("a.pdf", i, 1, "texto a"))
	}
	for i := 0; i < 20; i++ {
		hits = append(hits, mkHit("b.pdf", i, 2, "texto b"))
	}
	got := Build(hits, DefaultLimits())

	countA := strings.Count(got.Context, "texto a")
	if countA != MaxChunksPerSource {
		t.Errorf("a.pdf chunks = %d, want per-source cap %d", countA, MaxChunksPerSource)
	}
}

func TestBuildPerSourceCapRelaxesWhenFewRemain(t *testing.T) {
	// Single source: diversity mode off, the per-source cap does not apply.
	var hits []adapters.Hit
	for i := 0; i < 6; i++ {
		hits = append(hits, mkHit("a.pdf", i, 1, "texto"))
	}
	got := Build(hits, DefaultLimits())
	if got.UsedChunks != 6 {
		t.Errorf("used = %d, want all 6 without diversity mode", got.UsedChunks)
	}
}

func TestBuildUsesContentWithoutOverlap(t *testing.T) {
	second := mkHit("a.pdf", 4, 2, "solapado y texto nuevo")
	second.ContentWithoutOverlap = "texto nuevo"
	hits := []adapters.Hit{
		mkHit("a.pdf", 3, 1, "texto base solapado"),
		second,
	}
	got := Build(hits, DefaultLimits())
	if got.ContextByKey["Página 2"] != "texto nuevo" {
		t.Errorf("consecutive chunk kept overlap: %q", got.ContextByKey["Página 2"])
	}
}

func TestBuildNonConsecutiveKeepsFullText(t *testing.T) {
	second := mkHit("a.pdf", 7, 2, "texto completo")
	second.ContentWithoutOverlap = "recortado"
	hits := []adapters.Hit{
		mkHit("a.pdf", 3, 1, "texto base"),
		second,
	}
	got := Build(hits, DefaultLimits())
	if got.ContextByKey["Página 2"] != "texto completo" {
		t.Errorf("non-consecutive chunk lost text: %q", got.ContextByKey["Página 2"])
	}
}

func TestBuildTruncatesWithoutEllipsis(t *testing.T) {
	long := strings.Repeat("palabra ", 1000)
	got := Build([]adapters.Hit{mkHit("a.pdf", 0, 1, long)}, DefaultLimits())
	text := got.ContextByKey["Página 1"]
	if len(text) > MaxCharsPerChunk {
		t.Errorf("chunk text %d chars, want <= %d", len(text), MaxCharsPerChunk)
	}
	if strings.Contains(text, "...") || strings.Contains(text, "…") {
		t.Error("truncation added an ellipsis marker")
	}
}

func TestBuildSamePageConcatenates(t *testing.T) {
	hits := []adapters.Hit{
		mkHit("a.pdf", 0, 3, "parte uno"),
		mkHit("a.pdf", 5, 3, "parte dos"),
	}
	got := Build(hits, DefaultLimits())
	key := got.ContextByKey["Página 3"]
	if !strings.Contains(key, "parte uno") || !strings.Contains(key, "parte dos") {
		t.Errorf("same-page sections not concatenated: %q", key)
	}
}

func TestBuildDefaultPage(t *testing.T) {
	h := adapters.Hit{Chunk: adapters.Chunk{SourceName: "a.txt", Text: "sin página"}}
	got := Build([]adapters.Hit{h}, DefaultLimits())
	if _, ok := got.ContextByKey["Página 1"]; !ok {
		t.Error("missing default page key")
	}
}

func TestBuildCustomLimits(t *testing.T) {
	var hits []adapters.Hit
	for i := 0; i < 8; i++ {
		hits = append(hits, mkHit("a.pdf", i, i+1, "texto"))
	}
	got := Build(hits, Limits{MaxChunksTotal: 3})
	if got.UsedChunks != 3 {
		t.Errorf("used = %d, want the overridden cap 3", got.UsedChunks)
	}

	got = Build([]adapters.Hit{mkHit("a.pdf", 0, 1, strings.Repeat("palabra ", 100))},
		Limits{MaxCharsPerChunk: 200})
	if text := got.ContextByKey["Página 1"]; len(text) > 200 {
		t.Errorf("chunk text %d chars, want <= overridden 200", len(text))
	}
}

func TestBuildEmpty(t *testing.T) {
	got := Build(nil, DefaultLimits())
	if got.UsedChunks != 0 || got.Context != "" {
		t.Errorf("empty input produced %+v", got)
	}
}
