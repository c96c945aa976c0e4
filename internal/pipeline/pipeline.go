// Package pipeline orchestrates one query end to end: classification, hybrid
// retrieval, narrowing, LLM reranking, context expansion, assembly,
// generation and citation repair, with refusal gates between stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/assemble"
	"github.com/hsn0918/docqa/internal/citations"
	"github.com/hsn0918/docqa/internal/classify"
	"github.com/hsn0918/docqa/internal/clients/embedding"
	"github.com/hsn0918/docqa/internal/clients/openai"
	"github.com/hsn0918/docqa/internal/expand"
	"github.com/hsn0918/docqa/internal/listdetect"
	"github.com/hsn0918/docqa/internal/logger"
	"github.com/hsn0918/docqa/internal/prompts"
	"github.com/hsn0918/docqa/internal/rerank"
	"github.com/hsn0918/docqa/internal/retrieval"
)

// Refusal reasons reported to the caller.
const (
	RefusalNoChunks           = "no_chunks"
	RefusalNoEntailments      = "no_entailments_after_rerank"
	RefusalFilterZeroRelevant = "llm_filter_zero_relevant"
)

// Guardrail tags recorded on the response.
const (
	GuardrailCitationRepaired     = "citation_repaired"
	GuardrailCitationRepairFailed = "citation_repair_failed"
	GuardrailRerankFallback       = "rerank_fallback"
	GuardrailVectorOnlySearch     = "vector_only_search"
)

const (
	generationTemperature = 0.1

	// minTopScoreWithoutEvidence gates answers built purely from the safety
	// net: with zero strong evidence and weak retrieval, refuse instead.
	minTopScoreWithoutEvidence = 0.6
)

// ErrSearchFailed is returned when both hybrid and pure-vector search fail.
var ErrSearchFailed = errors.New("pipeline: search failed")

// EmbedCache caches query embeddings across requests.
type EmbedCache interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, bool)
	SetEmbedding(ctx context.Context, text string, vector []float32)
}

// Request is one query flow.
type Request struct {
	MessageID        string
	Query            string
	Temperature      float64
	PreviousQuestion string
	History          []openai.Message
}

// Response mirrors the HTTP success payload.
type Response struct {
	Query               string         `json:"query"`
	Answer              string         `json:"answer"`
	ChunksUsed          int            `json:"chunksUsed"`
	ChunksTotal         int            `json:"chunksTotal"`
	Sources             []string       `json:"sources"`
	WasRefused          bool           `json:"wasRefused"`
	RefusalReason       string         `json:"refusalReason,omitempty"`
	GuardrailsTriggered []string       `json:"guardrailsTriggered,omitempty"`
	ProcessingTimeMs    int64          `json:"processingTimeMs"`
	Debug               *DebugInfo     `json:"debug,omitempty"`
}

// DebugInfo is attached when debug mode is on.
type DebugInfo struct {
	QueryType      string           `json:"queryType"`
	Alpha          float64          `json:"alpha"`
	Fusion         string           `json:"fusion"`
	UsedFallback   bool             `json:"usedFallback"`
	Strategy       string           `json:"expansionStrategy"`
	StageLatencyMs map[string]int64 `json:"stageLatencyMs"`
}

// Config tunes the pipeline stages. Zero fields keep the package defaults.
type Config struct {
	EmbedDims int
	Debug     bool

	// TargetChunks and TotalTargetChunks override the rerank keep targets
	// the classifier assigns per question type.
	TargetChunks      int
	TotalTargetChunks int

	// OverFetch scales the search limit above the keep target.
	OverFetch int

	// MinTopScoreAnswer gates zero-evidence answers on retrieval strength.
	MinTopScoreAnswer float64

	// ExpansionBudget caps post-expansion context characters.
	ExpansionBudget int

	Retrieval retrieval.Params
	Assembly  assemble.Limits
}

// Pipeline wires the query stages together.
type Pipeline struct {
	db       adapters.VectorDB
	embedder embedding.Embedder
	llm      openai.ChatCompleter
	judge    *rerank.Judge
	expander *expand.Expander
	cache    EmbedCache // may be nil

	embedDims   int
	debug       bool
	targets     [2]int // default / aggregation keep targets
	overFetch   int
	minTopScore float64
	retr        retrieval.Params
	assembly    assemble.Limits
}

// New builds a query pipeline. cache is optional.
func New(db adapters.VectorDB, embedder embedding.Embedder, llm openai.ChatCompleter, judge *rerank.Judge, cache EmbedCache, cfg Config) *Pipeline {
	p := &Pipeline{
		db:          db,
		embedder:    embedder,
		llm:         llm,
		judge:       judge,
		expander:    expand.New(db, expand.WithBudget(cfg.ExpansionBudget)),
		cache:       cache,
		embedDims:   cfg.EmbedDims,
		debug:       cfg.Debug,
		targets:     [2]int{cfg.TargetChunks, cfg.TotalTargetChunks},
		overFetch:   cfg.OverFetch,
		minTopScore: cfg.MinTopScoreAnswer,
		retr:        cfg.Retrieval.Normalized(),
		assembly:    cfg.Assembly,
	}
	if p.targets[0] <= 0 {
		p.targets[0] = classify.DefaultTargetChunks
	}
	if p.targets[1] <= 0 {
		p.targets[1] = classify.TotalsTargetChunks
	}
	if p.overFetch <= 0 {
		p.overFetch = retrieval.OverFetchMultiplier
	}
	if p.minTopScore <= 0 {
		p.minTopScore = minTopScoreWithoutEvidence
	}
	return p
}

// keepTarget maps the classifier's per-type target onto the configured ones.
func (p *Pipeline) keepTarget(cq classify.ClassifiedQuery) int {
	if cq.TargetChunks == classify.TotalsTargetChunks {
		return p.targets[1]
	}
	return p.targets[0]
}

// Answer runs the full query flow.
func (p *Pipeline) Answer(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	latency := make(map[string]int64)
	stage := func(name string) func() {
		t := time.Now()
		return func() { latency[name] = time.Since(t).Milliseconds() }
	}

	resp := &Response{Query: req.Query, Sources: []string{}}

	done := stage("classify")
	cq := classify.Classify(req.Query)
	done()

	done = stage("embed")
	vector, err := p.embedQuery(ctx, cq.EmbedQuery)
	done()
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	target := p.keepTarget(cq)

	done = stage("search")
	hits, guardrail, err := p.search(ctx, cq, vector, target)
	done()
	if err != nil {
		return nil, err
	}
	if guardrail != "" {
		resp.GuardrailsTriggered = append(resp.GuardrailsTriggered, guardrail)
	}
	resp.ChunksTotal = len(hits)

	if len(hits) == 0 {
		return p.refuse(resp, RefusalNoChunks, start, latency, cq, "", false), nil
	}

	done = stage("narrow")
	// The MMR selection size is its own tunable; the reranker trims the
	// diverse set down to the keep target afterwards.
	narrowed, pool := retrieval.Narrow(hits, p.retr)
	done()

	topScore := narrowed[0].FinalScore

	done = stage("rerank")
	outcome, err := p.judge.Rerank(ctx, req.Query, narrowed, target)
	done()
	if err != nil {
		// Rerank failure degrades to retrieval order, never to a 500.
		logger.Get().Warn("rerank failed, using retrieval order", "error", err)
		outcome = rerank.Outcome{Selected: narrowed, UsedFallback: true}
	}
	if outcome.UsedFallback {
		resp.GuardrailsTriggered = append(resp.GuardrailsTriggered, GuardrailRerankFallback)
	}

	if !outcome.UsedFallback && outcome.RelevantCount() == 0 {
		return p.refuse(resp, RefusalFilterZeroRelevant, start, latency, cq, "", outcome.UsedFallback), nil
	}
	if len(outcome.Strong) == 0 && !outcome.UsedFallback &&
		countNeutralKept(outcome) == 0 && topScore < p.minTopScore {
		return p.refuse(resp, RefusalNoEntailments, start, latency, cq, "", outcome.UsedFallback), nil
	}

	done = stage("expand")
	listMode, countMismatch := listSignals(cq, outcome.Selected)
	strategy := expand.Decide(listMode, countMismatch, len(outcome.Strong))
	selected := p.applyExpansion(ctx, strategy, outcome, pool)
	done()

	done = stage("assemble")
	bundle := assemble.Build(selected, p.assembly)
	done()
	if bundle.UsedChunks == 0 {
		return p.refuse(resp, RefusalNoChunks, start, latency, cq, strategy.String(), outcome.UsedFallback), nil
	}

	done = stage("generate")
	messages := prompts.Build(bundle.Context, bundle.UsedChunks, req.Query, req.PreviousQuestion, req.History)
	temperature := req.Temperature
	if temperature == 0 {
		temperature = generationTemperature
	}
	answer, err := p.llm.Complete(ctx, messages, temperature)
	done()
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	done = stage("citations")
	answer, tags := p.finishCitations(ctx, answer, messages, bundle)
	done()
	resp.GuardrailsTriggered = append(resp.GuardrailsTriggered, tags...)

	resp.Answer = answer
	resp.ChunksUsed = bundle.UsedChunks
	resp.Sources = bundle.Sources
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	if p.debug {
		resp.Debug = &DebugInfo{
			QueryType:      string(cq.Type),
			Alpha:          cq.Alpha,
			Fusion:         string(cq.Fusion),
			UsedFallback:   outcome.UsedFallback,
			Strategy:       strategy.String(),
			StageLatencyMs: latency,
		}
	}

	logger.Get().Info("query answered",
		"type", string(cq.Type),
		"chunks_used", resp.ChunksUsed,
		"chunks_total", resp.ChunksTotal,
		"duration_ms", resp.ProcessingTimeMs,
	)
	return resp, nil
}

func (p *Pipeline) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if p.cache != nil {
		if v, ok := p.cache.GetEmbedding(ctx, text); ok {
			return v, nil
		}
	}
	v, err := p.embedder.Embed(ctx, text, p.embedDims)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.SetEmbedding(ctx, text, v)
	}
	return v, nil
}

// search runs hybrid search across both collections, degrading to
// pure-vector search when the hybrid path fails.
func (p *Pipeline) search(ctx context.Context, cq classify.ClassifiedQuery, vector []float32, target int) ([]adapters.Hit, string, error) {
	limit := target * p.overFetch
	hits, err := p.db.SearchHybridBoth(ctx, cq.BM25Query, vector, limit, cq.Alpha, adapters.FusionMode(cq.Fusion))
	if err == nil {
		return hits, "", nil
	}

	logger.Get().Warn("hybrid search failed, falling back to vector search", "error", err)
	hits, verr := p.db.SearchByVector(ctx, vector, limit)
	if verr != nil {
		return nil, "", fmt.Errorf("%w: hybrid: %v, vector: %v", ErrSearchFailed, err, verr)
	}
	return hits, GuardrailVectorOnlySearch, nil
}

func (p *Pipeline) applyExpansion(ctx context.Context, strategy expand.Strategy, outcome rerank.Outcome, pool []adapters.Hit) []adapters.Hit {
	selected := outcome.Selected
	switch strategy {
	case expand.OrderedNeighbors:
		grown := p.expander.Ordered(ctx, selected)
		if len(outcome.Strong) == 0 && len(grown) == len(selected) {
			// Ordered expansion added nothing for a zero-evidence query:
			// walk prev/next links from the strongest hits instead.
			grown = p.expander.Walk(ctx, selected)
		}
		return grown
	case expand.SimilarityWalk:
		return p.expander.Walk(ctx, selected)
	case expand.LocalNeighborsOnly:
		return p.expander.Local(selected, pool)
	default:
		return selected
	}
}

// finishCitations runs the citation state machine: bullet dedup, parse,
// five-pass validation, rewrite, and at most one repair round-trip.
func (p *Pipeline) finishCitations(ctx context.Context, answer string, original []openai.Message, bundle assemble.Bundle) (string, []string) {
	var tags []string

	answer = citations.EnforceOneBulletPerPage(answer)
	kind := citations.ClassifyResponse(answer)
	parsed := citations.Parse(answer)

	if kind == citations.KindAbsent {
		return answer, tags
	}

	validated, reasons := citations.ValidateAll(parsed, bundle.ContextByKey)
	if valid, repaired := summarize(validated); valid > 0 {
		if repaired {
			tags = append(tags, GuardrailCitationRepaired)
		}
		return citations.Rewrite(answer, validated), tags
	}

	// Zero valid citations in a non-absent answer: one corrective round-trip
	// at temperature zero.
	if len(parsed) == 0 {
		reasons = append(reasons, "la respuesta no incluye ninguna cita")
	}
	repairMsgs := prompts.BuildRepair(original, answer, citations.AvailableKeys(bundle.ContextByKey), reasons)
	fixed, err := p.llm.Complete(ctx, repairMsgs, 0)
	if err != nil {
		logger.Get().Warn("citation repair call failed", "error", err)
		tags = append(tags, GuardrailCitationRepairFailed)
		return prompts.AbsentPhrase, tags
	}

	fixed = citations.EnforceOneBulletPerPage(fixed)
	if citations.ClassifyResponse(fixed) == citations.KindAbsent {
		tags = append(tags, GuardrailCitationRepaired)
		return fixed, tags
	}
	validated, _ = citations.ValidateAll(citations.Parse(fixed), bundle.ContextByKey)
	if valid, _ := summarize(validated); valid > 0 {
		tags = append(tags, GuardrailCitationRepaired)
		return citations.Rewrite(fixed, validated), tags
	}

	tags = append(tags, GuardrailCitationRepairFailed)
	return prompts.AbsentPhrase, tags
}

func summarize(validated []citations.Validated) (valid int, repaired bool) {
	for _, v := range validated {
		if v.Valid {
			valid++
			if v.Pass > 2 {
				repaired = true
			}
		}
	}
	return valid, repaired
}

func countNeutralKept(o rerank.Outcome) int {
	n := 0
	for _, d := range o.Decisions {
		if d.Label == rerank.Neutral {
			n++
		}
	}
	return n
}

// listSignals inspects the query type and the selected chunk texts for list
// structure and declared-total mismatches.
func listSignals(cq classify.ClassifiedQuery, selected []adapters.Hit) (listMode, countMismatch bool) {
	if cq.Type == classify.TypeList || cq.Type == classify.TypeOrdered {
		listMode = true
	}
	for _, h := range selected {
		res := listdetect.Detect(h.Text)
		if !res.IsList {
			continue
		}
		listMode = true
		if listdetect.DetectCountMismatch(h.Text, res).Mismatch {
			countMismatch = true
			break
		}
	}
	return listMode, countMismatch
}

func (p *Pipeline) refuse(resp *Response, reason string, start time.Time, latency map[string]int64, cq classify.ClassifiedQuery, strategy string, usedFallback bool) *Response {
	resp.WasRefused = true
	resp.RefusalReason = reason
	resp.Answer = prompts.AbsentPhrase
	resp.Sources = []string{}
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	if p.debug {
		resp.Debug = &DebugInfo{
			QueryType:      string(cq.Type),
			Alpha:          cq.Alpha,
			Fusion:         string(cq.Fusion),
			UsedFallback:   usedFallback,
			Strategy:       strategy,
			StageLatencyMs: latency,
		}
	}
	logger.Get().Info("query refused",
		"reason", reason,
		"type", string(cq.Type),
		"duration_ms", resp.ProcessingTimeMs,
	)
	return resp
}
