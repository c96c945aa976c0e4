// Package expand grows the selected working set with neighboring chunks:
// ordered next-index fetches for list completion, a prev/next similarity walk
// for zero-evidence recovery, and a zero-cost merge of neighbors already in
// the candidate pool.
package expand

import (
	"context"
	"sort"
	"strconv"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/logger"
)

// Strategy selects how the context expander grows the working set.
type Strategy int

const (
	None Strategy = iota
	OrderedNeighbors
	SimilarityWalk
	LocalNeighborsOnly
)

func (s Strategy) String() string {
	switch s {
	case OrderedNeighbors:
		return "ordered"
	case SimilarityWalk:
		return "similarity"
	case LocalNeighborsOnly:
		return "local"
	default:
		return "none"
	}
}

const (
	// BudgetChars bounds the total text length after expansion.
	BudgetChars = 9000

	// orderedFetchAhead subsequent indices are requested per source.
	orderedFetchAhead = 4

	// Similarity walk: seeds are hits with normalized score above the
	// threshold; the walk runs at most maxWalkSteps iterations and only
	// follows neighbors whose index differs by exactly 1.
	walkSeedThreshold = 0.7
	maxWalkSteps      = 2

	// ExpansionScore marks expansion chunks as supporting context, not noise.
	ExpansionScore = 0.05

	// localWindow merges pool neighbors within this index distance.
	localWindow = 3
)

// Decide picks the strategy from the rerank outcome and list signals. The
/// strategies are exclusive: list mode fetches the next indices only, and the
// zero-cost pool merge runs only in the default branch. A truncated list's
// continuation lives past the selected indices, outside what the pool holds.
func Decide(listMode, countMismatch bool, strongEvidence int) Strategy {
	switch {
	case strongEvidence == 0:
		return OrderedNeighbors // similarity walk follows if this adds nothing
	case listMode || countMismatch:
		return OrderedNeighbors
	default:
		return LocalNeighborsOnly
	}
}

// Expander fetches neighbor chunks from the vector store.
type Expander struct {
	db     adapters.VectorDB
	budget int
}

// Option tunes an Expander.
type Option func(*Expander)

// WithBudget overrides the post-expansion character budget.
func WithBudget(chars int) Option {
	return func(e *Expander) {
		if chars > 0 {
			e.budget = chars
		}
	}
}

func New(db adapters.VectorDB, opts ...Option) *Expander {
	e := &Expander{db: db, budget: BudgetChars}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ordered requests up to 4 indices after the maximum selected index of each
// source, bounded by totalChunks. Added hits carry IsWindowExpansion and the
// expansion score. Returns the grown set.
func (e *Expander) Ordered(ctx context.Context, selected []adapters.Hit) []adapters.Hit {
	if len(selected) == 0 {
		return selected
	}

	maxIdx := make(map[string]int)
	totals := make(map[string]int)
	have := presentSet(selected)
	for _, h := range selected {
		if cur, ok := maxIdx[h.SourceName]; !ok || h.ChunkIndex > cur {
			maxIdx[h.SourceName] = h.ChunkIndex
		}
		if h.TotalChunks > totals[h.SourceName] {
			totals[h.SourceName] = h.TotalChunks
		}
	}

	var refs []adapters.ChunkRef
	for source, idx := range maxIdx {
		for step := 1; step <= orderedFetchAhead; step++ {
			next := idx + step
			if total := totals[source]; total > 0 && next >= total {
				break
			}
			if have[chunkKey(source, next)] {
				continue
			}
			refs = append(refs, adapters.ChunkRef{SourceName: source, ChunkIndex: next})
		}
	}
	if len(refs) == 0 {
		return selected
	}

	chunks, err := e.db.GetChunksBySourceAndIndex(ctx, refs)
	if err != nil {
		logger.Get().Warn("ordered expansion fetch failed", "error", err)
		return selected
	}

	return appendWithinBudget(selected, chunks, e.budget)
}

// Walk runs the similarity expansion: hits whose min-max-normalized score
// clears the seed threshold contribute prev/next neighbors, iterated up to
// maxWalkSteps times. Neighbor indices must differ by exactly 1 from the
// chunk that referenced them.
func (e *Expander) Walk(ctx context.Context, selected []adapters.Hit) []adapters.Hit {
	if len(selected) == 0 {
		return selected
	}

	seeds := seedChunks(selected)
	if len(seeds) == 0 {
		return selected
	}

	have := presentSet(selected)
	frontier := seeds
	for step := 0; step < maxWalkSteps && len(frontier) > 0 && totalChars(selected) < e.budget; step++ {
		var refs []adapters.ChunkRef
		for _, c := range frontier {
			for _, neighbor := range []*int{c.PrevChunkIndex, c.NextChunkIndex} {
				if neighbor == nil {
					continue
				}
				gap := *neighbor - c.ChunkIndex
				if gap != 1 && gap != -1 {
					continue // reject corrupt index metadata
				}
				key := chunkKey(c.SourceName, *neighbor)
				if have[key] {
					continue
				}
				have[key] = true
				refs = append(refs, adapters.ChunkRef{SourceName: c.SourceName, ChunkIndex: *neighbor})
			}
		}
		if len(refs) == 0 {
			break
		}

		chunks, err := e.db.GetChunksBySourceAndIndex(ctx, refs)
		if err != nil {
			logger.Get().Warn("similarity walk fetch failed", "error", err)
			break
		}
		selected = appendWithinBudget(selected, chunks, e.budget)
		frontier = chunks
	}
	return selected
}

// Local merges candidate-pool neighbors within ±3 indices of any selected
// chunk into the selection, without touching the database.
func (e *Expander) Local(selected []adapters.Hit, pool []adapters.Hit) []adapters.Hit {
	if len(selected) == 0 || len(pool) == 0 {
		return selected
	}

	have := presentSet(selected)
	type span struct{ lo, hi int }
	windows := make(map[string][]span)
	for _, h := range selected {
		windows[h.SourceName] = append(windows[h.SourceName],
			span{h.ChunkIndex - localWindow, h.ChunkIndex + localWindow})
	}

	var extra []adapters.Hit
	for _, p := range pool {
		if have[chunkKey(p.SourceName, p.ChunkIndex)] {
			continue
		}
		for _, w := range windows[p.SourceName] {
			if p.ChunkIndex >= w.lo && p.ChunkIndex <= w.hi {
				h := p
				h.IsWindowExpansion = true
				if h.FinalScore == 0 {
					h.FinalScore = h.Score
				}
				extra = append(extra, h)
				have[chunkKey(p.SourceName, p.ChunkIndex)] = true
				break
			}
		}
	}
	if len(extra) == 0 {
		return selected
	}

	sort.SliceStable(extra, func(i, j int) bool {
		if extra[i].SourceName != extra[j].SourceName {
			return extra[i].SourceName < extra[j].SourceName
		}
		return extra[i].ChunkIndex < extra[j].ChunkIndex
	})
	out := append(selected, extra...)
	return trimToBudget(out, e.budget)
}

// seedChunks returns the chunks whose normalized score clears the threshold.
func seedChunks(hits []adapters.Hit) []adapters.Chunk {
	lo, hi := hits[0].FinalScore, hits[0].FinalScore
	for _, h := range hits[1:] {
		if h.FinalScore < lo {
			lo = h.FinalScore
		}
		if h.FinalScore > hi {
			hi = h.FinalScore
		}
	}

	var seeds []adapters.Chunk
	for _, h := range hits {
		norm := 1.0
		if hi > lo {
			norm = (h.FinalScore - lo) / (hi - lo)
		}
		if norm >= walkSeedThreshold {
			seeds = append(seeds, h.Chunk)
		}
	}
	return seeds
}

func appendWithinBudget(selected []adapters.Hit, chunks []adapters.Chunk, budget int) []adapters.Hit {
	used := totalChars(selected)
	have := presentSet(selected)
	for _, c := range chunks {
		if used >= budget {
			break
		}
		key := chunkKey(c.SourceName, c.ChunkIndex)
		if have[key] {
			continue
		}
		have[key] = true
		selected = append(selected, adapters.Hit{
			Chunk:             c,
			Score:             ExpansionScore,
			FinalScore:        ExpansionScore,
			IsWindowExpansion: true,
		})
		used += len(c.Text)
	}
	return selected
}

func trimToBudget(hits []adapters.Hit, budget int) []adapters.Hit {
	used := 0
	for i, h := range hits {
		used += len(h.Text)
		if used > budget && i > 0 {
			return hits[:i]
		}
	}
	return hits
}

func totalChars(hits []adapters.Hit) int {
	n := 0
	for _, h := range hits {
		n += len(h.Text)
	}
	return n
}

func presentSet(hits []adapters.Hit) map[string]bool {
	have := make(map[string]bool, len(hits))
	for _, h := range hits {
		have[chunkKey(h.SourceName, h.ChunkIndex)] = true
	}
	return have
}

func chunkKey(source string, index int) string {
	return source + "#" + strconv.Itoa(index)
}
