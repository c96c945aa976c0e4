// Package rerank filters retrieval candidates through an LLM relevance judge.
// Each chunk receives an NLI label plus a literal evidence quote; ENTAILMENT
// survives only when the evidence is verifiably a substring of the chunk.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/clients/openai"
	"github.com/hsn0918/docqa/internal/listdetect"
	"github.com/hsn0918/docqa/internal/logger"
	"github.com/hsn0918/docqa/internal/textnorm"
)

// Label is the three-way NLI relevance label.
type Label string

const (
	Entailment    Label = "ENTAILMENT"
	Neutral       Label = "NEUTRAL"
	Contradiction Label = "CONTRADICTION"
)

const (
	// BatchSize chunks per judge call; MaxConcurrentBatches caps fan-out.
	BatchSize            = 8
	MaxConcurrentBatches = 3

	// ExcerptBudget limits chunk text sent to the judge. When truncating,
	// the window centers on the first query-token match with a 20/80 split
	// before/after it.
	ExcerptBudget      = 1600
	excerptBeforeRatio = 0.20

	// MinEntailmentRelevance gates raw ENTAILMENT labels.
	MinEntailmentRelevance = 6

	// RetrievalTrustThreshold admits NEUTRAL chunks whose retrieval score is
	// high enough to distrust the judge.
	RetrievalTrustThreshold = 0.55

	// MinCoverage below which the judge output is discarded wholesale.
	MinCoverage = 0.5

	// TopNSafetyNet hits by retrieval score are always kept.
	TopNSafetyNet = 2

	// listContinuationWindow admits NEUTRAL neighbors of an entailment.
	listContinuationWindow = 2
)

// ErrNoCandidates is returned when reranking is invoked with nothing to rank.
var ErrNoCandidates = errors.New("rerank: no candidates")

// Decision is one judged chunk after validation.
type Decision struct {
	ID        int    `json:"id"`
	Label     Label  `json:"label"`
	Relevance int    `json:"relevance"`
	Evidence  string `json:"evidence"`
	// Downgraded records why a raw ENTAILMENT was demoted to NEUTRAL.
	Downgraded string `json:"-"`
}

// Outcome is the rerank stage result the pipeline consumes.
type Outcome struct {
	// Selected is the final working set in selection order.
	Selected []adapters.Hit
	// Strong holds the validated entailments among Selected.
	Strong []adapters.Hit
	// Decisions by candidate id, post-hygiene.
	Decisions map[int]Decision
	// UsedFallback marks that judge output was discarded for low coverage.
	UsedFallback bool
}

// RelevantCount reports how many candidates were not contradictions.
func (o Outcome) RelevantCount() int {
	n := 0
	for _, d := range o.Decisions {
		if d.Label != Contradiction {
			n++
		}
	}
	return n
}

// Judge runs the LLM relevance filter over the candidates.
type Judge struct {
	llm          openai.ChatCompleter
	debugFull    bool
	batchSize    int
	minCoverage  float64
	minRelevance int
	trust        float64
	safetyNet    int
}

// JudgeOption tunes a Judge.
type JudgeOption func(*Judge)

// WithBatchSize overrides the chunks-per-call batch size.
func WithBatchSize(n int) JudgeOption {
	return func(j *Judge) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithMinCoverage overrides the coverage floor below which judge output is
// discarded.
func WithMinCoverage(c float64) JudgeOption {
	return func(j *Judge) {
		if c > 0 {
			j.minCoverage = c
		}
	}
}

// WithMinRelevance overrides the ENTAILMENT relevance floor.
func WithMinRelevance(n int) JudgeOption {
	return func(j *Judge) {
		if n > 0 {
			j.minRelevance = n
		}
	}
}

// WithTrustThreshold overrides the retrieval score above which NEUTRAL
// chunks are admitted anyway.
func WithTrustThreshold(s float64) JudgeOption {
	return func(j *Judge) {
		if s > 0 {
			j.trust = s
		}
	}
}

// WithSafetyNet overrides how many retrieval-top hits always survive.
func WithSafetyNet(n int) JudgeOption {
	return func(j *Judge) {
		if n > 0 {
			j.safetyNet = n
		}
	}
}

func NewJudge(llm openai.ChatCompleter, debugFull bool, opts ...JudgeOption) *Judge {
	j := &Judge{
		llm:          llm,
		debugFull:    debugFull,
		batchSize:    BatchSize,
		minCoverage:  MinCoverage,
		minRelevance: MinEntailmentRelevance,
		trust:        RetrievalTrustThreshold,
		safetyNet:    TopNSafetyNet,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Rerank judges every candidate and applies the selection ladder, returning
// at most target chunks (plus the safety net).
func (j *Judge) Rerank(ctx context.Context, query string, hits []adapters.Hit, target int) (Outcome, error) {
	if len(hits) == 0 {
		return Outcome{}, ErrNoCandidates
	}

	raw, err := j.judgeAll(ctx, query, hits)
	if err != nil {
		return Outcome{}, err
	}

	decisions := dedupeDecisions(raw, len(hits))

	coverage := float64(len(decisions)) / float64(len(hits))
	if coverage < j.minCoverage {
		logger.Get().Warn("rerank coverage too low, using retrieval order",
			"coverage", coverage,
			"candidates", len(hits),
		)
		return fallbackOutcome(hits, target, decisions), nil
	}

	for id, d := range decisions {
		decisions[id] = validateDecision(d, query, hits[id], j.minRelevance)
	}

	out := j.selectChunks(hits, decisions, target)
	if j.debugFull {
		for id, d := range decisions {
			logger.Get().Debug("rerank decision",
				"chunk", fmt.Sprintf("%s#%d", hits[id].SourceName, hits[id].ChunkIndex),
				"label", string(d.Label),
				"relevance", d.Relevance,
				"downgraded", d.Downgraded,
			)
		}
	}
	return out, nil
}

// judgeAll fans the candidates out in batches with bounded concurrency.
func (j *Judge) judgeAll(ctx context.Context, query string, hits []adapters.Hit) ([]Decision, error) {
	type batch struct {
		start int
		hits  []adapters.Hit
	}
	var batches []batch
	for start := 0; start < len(hits); start += j.batchSize {
		end := min(start+j.batchSize, len(hits))
		batches = append(batches, batch{start: start, hits: hits[start:end]})
	}

	var mu sync.Mutex
	var all []Decision

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentBatches)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			decisions, err := j.judgeBatch(gctx, query, b.start, b.hits)
			if err != nil {
				// A failed batch loses its decisions; coverage accounting
				// decides downstream whether the rest is usable.
				logger.Get().Warn("rerank batch failed",
					"start", b.start,
					"size", len(b.hits),
					"error", err,
				)
				return nil
			}
			mu.Lock()
			all = append(all, decisions...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

type judgeResponse struct {
	Decisions []Decision `json:"decisions"`
}

func (j *Judge) judgeBatch(ctx context.Context, query string, start int, hits []adapters.Hit) ([]Decision, error) {
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] %s\n\n", start+i, Excerpt(h.Text, query, ExcerptBudget))
	}

	messages := []openai.Message{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(judgeUserTemplate, query, sb.String())},
	}

	content, err := j.llm.CompleteJSON(ctx, messages, 0)
	if err != nil {
		return nil, fmt.Errorf("judge batch starting at %d: %w", start, err)
	}

	var parsed judgeResponse
	if err := sonic.UnmarshalString(content, &parsed); err != nil {
		// Some models answer with a bare array despite JSON mode.
		if arrErr := sonic.UnmarshalString(content, &parsed.Decisions); arrErr != nil {
			return nil, fmt.Errorf("parse judge response: %w", err)
		}
	}
	return parsed.Decisions, nil
}

// dedupeDecisions drops unknown ids and keeps the best decision per id:
// ENTAILMENT over NEUTRAL over CONTRADICTION, ties by relevance.
func dedupeDecisions(raw []Decision, n int) map[int]Decision {
	rank := map[Label]int{Entailment: 3, Neutral: 2, Contradiction: 1}
	out := make(map[int]Decision, len(raw))
	for _, d := range raw {
		if d.ID < 0 || d.ID >= n || rank[d.Label] == 0 {
			continue
		}
		if d.Relevance < 0 {
			d.Relevance = 0
		}
		if d.Relevance > 10 {
			d.Relevance = 10
		}
		prev, ok := out[d.ID]
		if !ok || rank[d.Label] > rank[prev.Label] ||
			(rank[d.Label] == rank[prev.Label] && d.Relevance > prev.Relevance) {
			out[d.ID] = d
		}
	}
	return out
}

// validateDecision applies the literal-evidence gates. A raw ENTAILMENT
// stays only when the evidence is a strict-normalized substring of the
// chunk, is not itself the question and clears the relevance floor.
func validateDecision(d Decision, query string, hit adapters.Hit, minRelevance int) Decision {
	if d.Label != Entailment {
		return d
	}

	evidence := textnorm.Strict(d.Evidence)
	if evidence == "" || !strings.Contains(textnorm.Strict(hit.Text), evidence) {
		d.Label = Neutral
		d.Downgraded = "evidence not literal"
		return d
	}
	if isQuestionEcho(d.Evidence, query) {
		d.Label = Neutral
		d.Downgraded = "evidence is the question"
		return d
	}
	if d.Relevance < minRelevance {
		d.Label = Neutral
		d.Downgraded = "relevance below floor"
		return d
	}
	return d
}

func isQuestionEcho(evidence, query string) bool {
	if strings.Contains(evidence, "?") || strings.Contains(evidence, "¿") {
		return true
	}
	ne, nq := textnorm.Strict(evidence), textnorm.Strict(query)
	return ne == nq || (nq != "" && strings.Contains(ne, nq))
}

// directAnswerPatterns mark answer-shaped chunks that should outrank plain
// entailments of equal relevance.
var directAnswerPatterns = []string{
	"son:",
	"son los siguientes",
	"para ello se necesita",
	"documentos necesarios",
	"se requiere",
	"requisitos:",
	"debe presentar",
	"consiste en",
}

func directAnswerBoost(text string) int {
	n := textnorm.Strict(text)
	for _, p := range directAnswerPatterns {
		if strings.Contains(n, p) {
			return 1
		}
	}
	return 0
}

// selectChunks applies the selection ladder.
func (j *Judge) selectChunks(hits []adapters.Hit, decisions map[int]Decision, target int) Outcome {
	out := Outcome{Decisions: decisions}
	if target <= 0 {
		target = len(hits)
	}

	var entailments, neutrals []int
	for id := range hits {
		switch decisions[id].Label {
		case Entailment:
			entailments = append(entailments, id)
		case Neutral:
			neutrals = append(neutrals, id)
		}
	}

	sort.SliceStable(entailments, func(a, b int) bool {
		ia, ib := entailments[a], entailments[b]
		ba, bb := directAnswerBoost(hits[ia].Text), directAnswerBoost(hits[ib].Text)
		if ba != bb {
			return ba > bb
		}
		if decisions[ia].Relevance != decisions[ib].Relevance {
			return decisions[ia].Relevance > decisions[ib].Relevance
		}
		return hits[ia].FinalScore > hits[ib].FinalScore
	})

	picked := make(map[int]bool)
	var order []int
	add := func(id int) {
		if !picked[id] && len(order) < target {
			picked[id] = true
			order = append(order, id)
		}
	}

	for _, id := range entailments {
		add(id)
	}

	if len(entailments) > 0 {
		// List continuations: NEUTRAL neighbors of an entailment with list
		// structure in their text.
		for _, id := range neutrals {
			if picked[id] {
				continue
			}
			for _, eid := range entailments {
				if hits[id].SourceName != hits[eid].SourceName {
					continue
				}
				gap := hits[id].ChunkIndex - hits[eid].ChunkIndex
				if gap < 0 {
					gap = -gap
				}
				if gap <= listContinuationWindow && listdetect.Detect(hits[id].Text).IsList {
					add(id)
					break
				}
			}
		}
	}

	// Retrieval-trust guardrail on the raw retrieval score; boosts do not
	// buy a chunk past the judge.
	for _, id := range neutrals {
		if hits[id].Score >= j.trust {
			add(id)
		}
	}

	if len(entailments) == 0 {
		byScore := append([]int(nil), neutrals...)
		sort.SliceStable(byScore, func(a, b int) bool {
			return hits[byScore[a]].Score > hits[byScore[b]].Score
		})
		for _, id := range byScore {
			add(id)
		}
	}

	// Safety net: the retrieval top stays in even when judged irrelevant.
	for id := 0; id < len(hits) && id < j.safetyNet; id++ {
		if !picked[id] {
			picked[id] = true
			order = append(order, id)
		}
	}

	for _, id := range order {
		out.Selected = append(out.Selected, hits[id])
		if decisions[id].Label == Entailment {
			out.Strong = append(out.Strong, hits[id])
		}
	}
	return out
}

// fallbackOutcome returns the retrieval order untouched.
func fallbackOutcome(hits []adapters.Hit, target int, decisions map[int]Decision) Outcome {
	if target <= 0 || target > len(hits) {
		target = len(hits)
	}
	return Outcome{
		Selected:     append([]adapters.Hit(nil), hits[:target]...),
		Decisions:    decisions,
		UsedFallback: true,
	}
}

// Excerpt truncates text to the budget with the window centered on the first
// query-token match. The match is located in normalized space and mapped
// back proportionally to a raw offset, then 20% of the budget goes before
// the match and 80% after.
func Excerpt(text, query string, budget int) string {
	if len(text) <= budget {
		return text
	}

	normText := textnorm.Strict(text)
	matchNorm := -1
	for _, w := range textnorm.Words(textnorm.Strict(query)) {
		if len([]rune(w)) < 3 {
			continue
		}
		if idx := strings.Index(normText, w); idx >= 0 && (matchNorm == -1 || idx < matchNorm) {
			matchNorm = idx
		}
	}
	if matchNorm <= 0 {
		return textnorm.SafeTruncate(text, budget)
	}

	// Proportional map from normalized offset to raw offset.
	rawCenter := matchNorm * len(text) / len(normText)
	start := rawCenter - int(float64(budget)*excerptBeforeRatio)
	if start < 0 {
		start = 0
	}
	end := start + budget
	if end > len(text) {
		end = len(text)
		start = end - budget
	}

	// Snap to rune boundaries.
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	window := text[start:end]
	return textnorm.SafeTruncate(window, budget)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

const judgeSystemPrompt = `Eres un juez de relevancia para un sistema de consulta documental.
Para cada fragmento numerado decide si responde a la pregunta del usuario.

Responde SOLO con JSON: {"decisions":[{"id":<n>,"label":"ENTAILMENT|NEUTRAL|CONTRADICTION","relevance":<0-10>,"evidence":"<cita>"}]}

Reglas:
- "label" es ENTAILMENT solo si el fragmento contiene la respuesta.
- "evidence" debe ser una cita LITERAL y contigua del fragmento, de 6 a 25 palabras, sin puntos suspensivos. Copia el texto exactamente.
- Si el fragmento no responde pero trata el tema, usa NEUTRAL.
- Si el fragmento contradice la pregunta o es irrelevante, usa CONTRADICTION.
- Emite exactamente una decisión por fragmento.`

const judgeUserTemplate = `Pregunta: %s

Fragmentos:
%s`
