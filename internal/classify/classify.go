// Package classify maps a user query onto an intent type that tunes the
// hybrid search. Classification is rule-based and scored: each rule carries
// weighted patterns, the type with the highest sum of matched weights wins,
// and ties break toward the higher-priority rule. All patterns are compiled
// once at package init; per-request compilation is forbidden.
package classify

import (
	"regexp"
	"strings"

	"github.com/hsn0918/docqa/internal/textnorm"
)

// QueryType is the classified intent of a query.
type QueryType string

const (
	TypeNumeric QueryType = "NUMERIC"
	TypeList    QueryType = "LIST"
	TypeOrdered QueryType = "ORDERED_SEQUENCE"
	TypeGeneral QueryType = "REGLA_GENERAL"
)

// FusionMode selects how the per-signal result lists are merged.
type FusionMode string

const (
	FusionRanked        FusionMode = "rankedFusion"
	FusionRelativeScore FusionMode = "relativeScoreFusion"
)

// ClassifiedQuery carries the query in the three forms the pipeline needs
// plus the hybrid-search tuning derived from its type.
type ClassifiedQuery struct {
	RawQuery   string
	EmbedQuery string
	BM25Query  string
	Type       QueryType
	Alpha      float64
	Fusion     FusionMode
	// TargetChunks is the number of chunks the reranker should keep.
	// Aggregation-style questions get a larger target.
	TargetChunks int
}

// pattern is one weighted signal inside a rule.
type pattern struct {
	re     *regexp.Regexp
	weight int
}

// rule scores one query type.
type rule struct {
	qtype    QueryType
	priority int
	patterns []pattern
}

func mustPatterns(weighted map[string]int) []pattern {
	out := make([]pattern, 0, len(weighted))
	for expr, w := range weighted {
		out = append(out, pattern{re: regexp.MustCompile(expr), weight: w})
	}
	return out
}

// Rules operate on strict-normalized text (lowercase, accents folded).
var rules = []rule{
	{
		qtype:    TypeNumeric,
		priority: 3,
		patterns: mustPatterns(map[string]int{
			`\bcuant[oa]s?\b`:                      3,
			`\b(cuanto cuesta|cual es el (monto|costo|precio|total|porcentaje))\b`: 4,
			`\b(how many|how much)\b`:              3,
			`\b(numero|cantidad|cifra|importe) de`: 2,
			`\bporcentaje\b`:                       2,
		}),
	},
	{
		qtype:    TypeList,
		priority: 2,
		patterns: mustPatterns(map[string]int{
			`\b(cuales son|que (documentos|requisitos|pasos|elementos|estados|tipos))\b`: 4,
			`\b(lista|listado|enumera|menciona)\b`:       3,
			`\b(which|what) (documents|requirements|items|types)\b`: 3,
			`\btodos los\b`: 2,
		}),
	},
	{
		qtype:    TypeOrdered,
		priority: 2,
		patterns: mustPatterns(map[string]int{
			`\b(en que orden|paso a paso|procedimiento para|proceso de|secuencia)\b`: 4,
			`\b(primero|despues|luego) .* (segundo|despues|finalmente)\b`:            3,
			`\b(steps? to|in (what|which) order)\b`:                                  3,
			`\b(etapas|fases) de\b`:                                                  2,
		}),
	},
	{
		qtype:    TypeGeneral,
		priority: 1,
		patterns: mustPatterns(map[string]int{
			`\b(que es|que significa|explica|describe|definicion)\b`: 2,
			`\b(what is|explain|describe)\b`:                         2,
		}),
	},
}

// tuning maps each type to its hybrid-search parameters.
var tuning = map[QueryType]struct {
	alpha  float64
	fusion FusionMode
}{
	TypeNumeric: {0.35, FusionRanked},
	TypeList:    {0.50, FusionRelativeScore},
	TypeOrdered: {0.40, FusionRelativeScore},
	TypeGeneral: {0.75, FusionRelativeScore},
}

// Override patterns applied after classification.
var (
	codeRE     = regexp.MustCompile(`[A-Z]{2,}-?\d+`)
	totalsRE   = regexp.MustCompile(`\b(total(es)?|subtotal(es)?|suma[rs]?|cuantos|cuantas)\b`)
	digitRE    = regexp.MustCompile(`\d`)
	quoteChars = `"'«»“”`
)

const (
	// shortQueryAlphaCap grounds short or code-bearing queries lexically.
	shortQueryAlphaCap = 0.35
	shortQueryTokens   = 3

	// DefaultTargetChunks is the rerank keep target; aggregation questions
	// matching totalsRE get TotalsTargetChunks instead.
	DefaultTargetChunks = 12
	TotalsTargetChunks  = 20
)

// Classify normalizes the query, scores the rules and applies the override
// caps. The zero-score fallback is REGLA_GENERAL.
func Classify(rawQuery string) ClassifiedQuery {
	normalized := textnorm.Strict(rawQuery)

	best := TypeGeneral
	bestScore := 0
	bestPriority := 0
	for _, r := range rules {
		score := 0
		for _, p := range r.patterns {
			if p.re.MatchString(normalized) {
				score += p.weight
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && r.priority > bestPriority) {
			best = r.qtype
			bestScore = score
			bestPriority = r.priority
		}
	}

	t := tuning[best]
	cq := ClassifiedQuery{
		RawQuery:     rawQuery,
		EmbedQuery:   rawQuery,
		BM25Query:    normalized,
		Type:         best,
		Alpha:        t.alpha,
		Fusion:       t.fusion,
		TargetChunks: DefaultTargetChunks,
	}

	applyOverrides(&cq, normalized)
	return cq
}

// applyOverrides caps alpha for queries that need lexical grounding and
// raises the chunk target for aggregation questions.
func applyOverrides(cq *ClassifiedQuery, normalized string) {
	tokens := len(strings.Fields(normalized))
	if tokens <= shortQueryTokens && cq.Alpha > shortQueryAlphaCap {
		cq.Alpha = shortQueryAlphaCap
	}

	if digitRE.MatchString(cq.RawQuery) ||
		strings.ContainsAny(cq.RawQuery, quoteChars) ||
		codeRE.MatchString(cq.RawQuery) {
		if cq.Alpha > shortQueryAlphaCap {
			cq.Alpha = shortQueryAlphaCap
		}
	}

	if totalsRE.MatchString(normalized) {
		cq.TargetChunks = TotalsTargetChunks
	}
}
