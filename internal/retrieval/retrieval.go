// Package retrieval narrows the overfetched hybrid candidates down to a
// diverse, source-boosted working set: score cut, then maximal marginal
// relevance, then source-aggregation boosting. Expansion is not done here;
// the pipeline drives it from the rerank outcome.
package retrieval

import (
	"sort"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/textnorm"
)

const (
	// OverFetchMultiplier scales the hybrid-search limit above the target so
	// the cut and MMR have room to choose.
	OverFetchMultiplier = 3

	// CutTopN and CutDeltaToTop1 define the candidate cut: the top N by
	// score plus anything within the delta of the best score. Absolute
	// thresholds are avoided because hybrid scores are not comparable
	// across queries.
	CutTopN        = 24
	CutDeltaToTop1 = 0.15

	// MMRLambda balances relevance against diversity; MMRTarget is the
	// default selection size.
	MMRLambda = 0.6
	MMRTarget = 15

	// Source-aggregation boost: each extra hit from the same source adds
	// BoostPerMatch up to MaxSourceBoost.
	BoostPerMatch  = 0.05
	MaxSourceBoost = 0.15

	// mmrMinWordLen filters short words out of the Jaccard sets.
	mmrMinWordLen = 3
)

// Params are the narrowing tunables. Zero fields fall back to the package
// defaults.
type Params struct {
	TopN           int
	DeltaToTop1    float64
	MMRLambda      float64
	MMRTarget      int
	BoostPerMatch  float64
	MaxSourceBoost float64
}

// DefaultParams returns the stock narrowing parameters.
func DefaultParams() Params {
	return Params{
		TopN:           CutTopN,
		DeltaToTop1:    CutDeltaToTop1,
		MMRLambda:      MMRLambda,
		MMRTarget:      MMRTarget,
		BoostPerMatch:  BoostPerMatch,
		MaxSourceBoost: MaxSourceBoost,
	}
}

// Normalized fills zero fields with the defaults.
func (p Params) Normalized() Params {
	d := DefaultParams()
	if p.TopN <= 0 {
		p.TopN = d.TopN
	}
	if p.DeltaToTop1 <= 0 {
		p.DeltaToTop1 = d.DeltaToTop1
	}
	if p.MMRLambda <= 0 {
		p.MMRLambda = d.MMRLambda
	}
	if p.MMRTarget <= 0 {
		p.MMRTarget = d.MMRTarget
	}
	if p.BoostPerMatch <= 0 {
		p.BoostPerMatch = d.BoostPerMatch
	}
	if p.MaxSourceBoost <= 0 {
		p.MaxSourceBoost = d.MaxSourceBoost
	}
	return p
}

// CandidateCut keeps the top N hits plus every hit scoring within delta of
// the best. Input order must already be descending by score.
func CandidateCut(hits []adapters.Hit, topN int, delta float64) []adapters.Hit {
	if len(hits) == 0 {
		return nil
	}
	top := hits[0].Score
	out := make([]adapters.Hit, 0, min(len(hits), topN))
	for i, h := range hits {
		if i < topN || top-h.Score <= delta {
			out = append(out, h)
		}
	}
	return out
}

// MMR greedily selects up to target hits maximizing
// lambda*relevance - (1-lambda)*maxSim(selected), with similarity as Jaccard
// over word sets. Output order is selection order.
func MMR(hits []adapters.Hit, target int, lambda float64) []adapters.Hit {
	if len(hits) <= 1 || len(hits) <= target {
		if len(hits) > target {
			return hits[:target]
		}
		return hits
	}

	words := make([]map[string]bool, len(hits))
	for i, h := range hits {
		words[i] = wordSet(h.Text)
	}

	selected := make([]adapters.Hit, 0, target)
	selectedIdx := make([]int, 0, target)
	used := make([]bool, len(hits))

	for len(selected) < target {
		best := -1
		bestScore := 0.0
		for i := range hits {
			if used[i] {
				continue
			}
			maxSim := 0.0
			for _, j := range selectedIdx {
				if s := jaccard(words[i], words[j]); s > maxSim {
					maxSim = s
				}
			}
			score := lambda*hits[i].Score - (1-lambda)*maxSim
			if best == -1 || score > bestScore {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		selected = append(selected, hits[best])
		selectedIdx = append(selectedIdx, best)
	}
	return selected
}

// SourceBoost multiplies each hit's score by 1 + min(maxBoost,
// matches*perMatch) where matches counts how many other hits share the
// source, then re-sorts by the boosted score.
func SourceBoost(hits []adapters.Hit, perMatch, maxBoost float64) []adapters.Hit {
	if len(hits) == 0 {
		return hits
	}

	counts := make(map[string]int, len(hits))
	for _, h := range hits {
		counts[h.SourceName]++
	}

	for i := range hits {
		matches := counts[hits[i].SourceName] - 1
		boost := float64(matches) * perMatch
		if boost > maxBoost {
			boost = maxBoost
		}
		hits[i].SourceBoost = boost
		hits[i].Boost = 1 + boost
		hits[i].FinalScore = hits[i].Score * (1 + boost)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].FinalScore > hits[j].FinalScore
	})
	return hits
}

// Narrow applies the full stage in order: cut, MMR, source boost. It also
// returns the post-cut pool, which later expansion merges from.
func Narrow(hits []adapters.Hit, p Params) (selected, pool []adapters.Hit) {
	p = p.Normalized()
	pool = CandidateCut(hits, p.TopN, p.DeltaToTop1)
	diverse := MMR(pool, p.MMRTarget, p.MMRLambda)
	return SourceBoost(diverse, p.BoostPerMatch, p.MaxSourceBoost), pool
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range textnorm.Words(textnorm.Strict(text)) {
		if len([]rune(w)) >= mmrMinWordLen {
			set[w] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if large[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
