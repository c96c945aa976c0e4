package adapters

import (
	"math"
	"sort"
)

// FusionMode selects how per-signal result lists are merged into one ranking.
type FusionMode string

const (
	// FusionRanked is reciprocal-rank fusion: robust when raw scores are not
	// comparable across signals, preferred for numeric/lexical queries.
	FusionRanked FusionMode = "rankedFusion"
	// FusionRelativeScore min-max-normalizes each signal's scores and blends
	// them by alpha.
	FusionRelativeScore FusionMode = "relativeScoreFusion"
)

// rrfK dampens the rank contribution in reciprocal-rank fusion.
const rrfK = 60

// signalHit pairs a hit with its per-signal raw scores before fusion.
type signalHit struct {
	hit       Hit
	vecScore  float64
	bm25Score float64
	// order preserves insertion order for deterministic tie-breaking.
	order int
}

// fuse merges the vector-ranked and bm25-ranked views of the same candidate
// set. alpha is the vector weight: 0 = pure keyword, 1 = pure vector.
func fuse(candidates []signalHit, alpha float64, mode FusionMode) []Hit {
	if len(candidates) == 0 {
		return nil
	}

	switch mode {
	case FusionRanked:
		fuseRanked(candidates, alpha)
	default:
		fuseRelative(candidates, alpha)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].hit.Score != candidates[j].hit.Score {
			return candidates[i].hit.Score > candidates[j].hit.Score
		}
		return candidates[i].order < candidates[j].order
	})

	out := make([]Hit, len(candidates))
	for i, c := range candidates {
		out[i] = c.hit
		out[i].FinalScore = out[i].Score
	}
	return out
}

// fuseRanked assigns reciprocal-rank scores: each signal contributes
// weight/(k+rank) where rank is the candidate's position in that signal's
// descending order.
func fuseRanked(candidates []signalHit, alpha float64) {
	vecRank := rankBy(candidates, func(s signalHit) float64 { return s.vecScore })
	bm25Rank := rankBy(candidates, func(s signalHit) float64 { return s.bm25Score })

	for i := range candidates {
		candidates[i].hit.Score = alpha/float64(rrfK+vecRank[i]) +
			(1-alpha)/float64(rrfK+bm25Rank[i])
	}
}

// fuseRelative min-max-normalizes each signal over the candidate set and
// blends by alpha.
func fuseRelative(candidates []signalHit, alpha float64) {
	vecMin, vecMax := minMax(candidates, func(s signalHit) float64 { return s.vecScore })
	bmMin, bmMax := minMax(candidates, func(s signalHit) float64 { return s.bm25Score })

	for i := range candidates {
		v := normalize(candidates[i].vecScore, vecMin, vecMax)
		b := normalize(candidates[i].bm25Score, bmMin, bmMax)
		candidates[i].hit.Score = alpha*v + (1-alpha)*b
	}
}

// rankBy returns each candidate's 1-based rank under the given score,
// descending. Equal scores share insertion order.
func rankBy(candidates []signalHit, score func(signalHit) float64) []int {
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return score(candidates[idx[a]]) > score(candidates[idx[b]])
	})

	ranks := make([]int, len(candidates))
	for rank, i := range idx {
		ranks[i] = rank + 1
	}
	return ranks
}

func minMax(candidates []signalHit, score func(signalHit) float64) (float64, float64) {
	lo, hi := score(candidates[0]), score(candidates[0])
	for _, c := range candidates[1:] {
		s := score(c)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return lo, hi
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}

// truncateVector keeps the first dims components and renormalizes to unit
// length. The regular collection stores truncated embeddings so both
// collections can share one embedding call per query.
func truncateVector(v []float32, dims int) []float32 {
	if len(v) > dims {
		v = v[:dims]
	}
	out := make([]float32, len(v))
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

