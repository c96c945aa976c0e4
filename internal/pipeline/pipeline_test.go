package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/clients/openai"
	"github.com/hsn0918/docqa/internal/rerank"
)

type fakeDB struct {
	adapters.VectorDB
	hits []adapters.Hit
}

func (f *fakeDB) SearchHybridBoth(ctx context.Context, bm25Query string, embedding []float32, limit int, alpha float64, fusion adapters.FusionMode) ([]adapters.Hit, error) {
	return f.hits, nil
}

func (f *fakeDB) GetChunksBySourceAndIndex(ctx context.Context, refs []adapters.ChunkRef) ([]adapters.Chunk, error) {
	return nil, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string, dims int) ([]float32, error) {
	return make([]float32, dims), nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, dims int) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, dims)
	}
	return out, nil
}

// scriptedLLM answers judge calls with judgeResponse and generation calls in
// order from answers.
type scriptedLLM struct {
	mu            sync.Mutex
	judgeResponse string
	judgePrompts  []string
	answers       []string
	generated     int
}

func (s *scriptedLLM) CreateChatCompletion(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error) {
	return nil, nil
}

func (s *scriptedLLM) Complete(ctx context.Context, messages []openai.Message, temperature float64) (string, error) {
	if s.generated >= len(s.answers) {
		return s.answers[len(s.answers)-1], nil
	}
	a := s.answers[s.generated]
	s.generated++
	return a, nil
}

func (s *scriptedLLM) CompleteJSON(ctx context.Context, messages []openai.Message, temperature float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		if m.Role == "user" {
			s.judgePrompts = append(s.judgePrompts, m.Content)
		}
	}
	return s.judgeResponse, nil
}

func intp(n int) *int { return &n }

func corpusHit(index int, page int, score float64, text string) adapters.Hit {
	return adapters.Hit{
		Chunk: adapters.Chunk{
			SourceName: "informe.pdf",
			ChunkIndex: index,
			TotalChunks: 10,
			PageNumber: intp(page),
			Text:       text,
		},
		Score:      score,
		FinalScore: score,
	}
}

func newTestPipeline(db *fakeDB, llm *scriptedLLM) *Pipeline {
	judge := rerank.NewJudge(llm, false)
	return New(db, fakeEmbedder{}, llm, judge, nil, Config{EmbedDims: 1024, Debug: true})
}

func TestAnswerHappyPath(t *testing.T) {
	chunk := "El plazo de entrega es de quince días hábiles contados desde la recepción de la solicitud completa."
	db := &fakeDB{hits: []adapters.Hit{corpusHit(2, 4, 0.9, chunk)}}
	llm := &scriptedLLM{
		judgeResponse: `{"decisions":[{"id":0,"label":"ENTAILMENT","relevance":9,"evidence":"quince días hábiles contados desde la recepción"}]}`,
		answers: []string{
			"El plazo es de quince días hábiles.\n\nFuente:\n- Página 4 — \"quince días hábiles contados desde la recepción\"",
		},
	}

	got, err := newTestPipeline(db, llm).Answer(context.Background(), Request{Query: "¿Cuál es el plazo de entrega?"})
	if err != nil {
		t.Fatal(err)
	}
	if got.WasRefused {
		t.Fatalf("refused: %s", got.RefusalReason)
	}
	if got.ChunksUsed != 1 {
		t.Errorf("chunks used = %d, want 1", got.ChunksUsed)
	}
	if len(got.Sources) != 1 || got.Sources[0] != "informe.pdf" {
		t.Errorf("sources = %v", got.Sources)
	}
	if !strings.Contains(got.Answer, "Página 4") {
		t.Errorf("answer lost its citation: %q", got.Answer)
	}
	if got.Debug == nil || got.Debug.StageLatencyMs["generate"] < 0 {
		t.Error("missing debug stage latencies")
	}
}

func TestAnswerJudgesFullDiverseSet(t *testing.T) {
	topics := []string{
		"requisitos de inscripción", "plazos de entrega", "montos de adjudicación",
		"garantías exigidas", "penalizaciones aplicables", "documentación legal",
		"criterios de evaluación", "vigencia del contrato",
	}
	var hits []adapters.Hit
	for i := 0; i < 16; i++ {
		hits = append(hits, corpusHit(i, i+1, 0.9-float64(i)*0.01,
			topics[i%len(topics)]+" del procedimiento, fragmento con detalle adicional"))
	}
	db := &fakeDB{hits: hits}
	llm := &scriptedLLM{
		judgeResponse: `{"decisions":[{"id":0,"label":"ENTAILMENT","relevance":9,"evidence":"requisitos de inscripción del procedimiento"}]}`,
		answers:       []string{"Esta información no se encuentra en los documentos."},
	}

	if _, err := newTestPipeline(db, llm).Answer(context.Background(), Request{Query: "¿Qué establece el procedimiento?"}); err != nil {
		t.Fatal(err)
	}

	// The diversity selection feeds 15 candidates to the judge even though
	// the keep target for this question type is 12.
	prompts := strings.Join(llm.judgePrompts, "\n")
	if !strings.Contains(prompts, "[14]") {
		t.Error("judge did not receive the full diverse set")
	}
	if strings.Contains(prompts, "[15]") {
		t.Error("judge received more candidates than the diversity target")
	}
}

func TestAnswerRefusesWithoutCandidates(t *testing.T) {
	db := &fakeDB{hits: nil}
	llm := &scriptedLLM{judgeResponse: `{"decisions":[]}`, answers: []string{"irrelevante"}}

	got, err := newTestPipeline(db, llm).Answer(context.Background(), Request{Query: "¿Cuál es el color favorito del CEO?"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.WasRefused || got.RefusalReason != RefusalNoChunks {
		t.Fatalf("refusal = %v/%s, want no_chunks", got.WasRefused, got.RefusalReason)
	}
	if !strings.Contains(got.Answer, "no se encuentra") {
		t.Errorf("refusal answer = %q", got.Answer)
	}
	if len(got.Sources) != 0 {
		t.Errorf("sources = %v, want empty", got.Sources)
	}
}

func TestAnswerRefusesZeroRelevant(t *testing.T) {
	db := &fakeDB{hits: []adapters.Hit{
		corpusHit(0, 1, 0.5, "contenido financiero sin relación"),
		corpusHit(1, 2, 0.4, "más contenido sin relación"),
	}}
	llm := &scriptedLLM{
		judgeResponse: `{"decisions":[
			{"id":0,"label":"CONTRADICTION","relevance":0,"evidence":""},
			{"id":1,"label":"CONTRADICTION","relevance":0,"evidence":""}
		]}`,
		answers: []string{"irrelevante"},
	}

	got, err := newTestPipeline(db, llm).Answer(context.Background(), Request{Query: "¿Cuál es el color favorito del CEO?"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.WasRefused || got.RefusalReason != RefusalFilterZeroRelevant {
		t.Fatalf("refusal = %v/%s, want llm_filter_zero_relevant", got.WasRefused, got.RefusalReason)
	}
}

func TestAnswerRepairsFabricatedCitation(t *testing.T) {
	chunk := "Los montos autorizados para adjudicación directa no excederán de trescientos mil pesos por contrato."
	db := &fakeDB{hits: []adapters.Hit{corpusHit(0, 4, 0.9, chunk)}}
	llm := &scriptedLLM{
		judgeResponse: `{"decisions":[{"id":0,"label":"ENTAILMENT","relevance":9,"evidence":"no excederán de trescientos mil pesos por contrato"}]}`,
		answers: []string{
			"El monto máximo es de trescientos mil pesos.\n\nFuente:\n- Página 4 — \"una cita totalmente inventada\"",
		},
	}

	got, err := newTestPipeline(db, llm).Answer(context.Background(), Request{Query: "¿Cuál es el monto máximo de adjudicación directa?"})
	if err != nil {
		t.Fatal(err)
	}
	if got.WasRefused {
		t.Fatalf("refused: %s", got.RefusalReason)
	}
	if strings.Contains(got.Answer, "totalmente inventada") {
		t.Errorf("fabricated quote survived: %q", got.Answer)
	}
	if !strings.Contains(got.Answer, "Página 4") {
		t.Errorf("citation dropped instead of repaired: %q", got.Answer)
	}
	found := false
	for _, g := range got.GuardrailsTriggered {
		if g == GuardrailCitationRepaired {
			found = true
		}
	}
	if !found {
		t.Errorf("guardrails = %v, want citation_repaired", got.GuardrailsTriggered)
	}
}

func TestAnswerDedupsDoubleBullets(t *testing.T) {
	chunk := "La oficina central atiende de lunes a viernes en horario corrido de nueve a diecisiete horas."
	db := &fakeDB{hits: []adapters.Hit{corpusHit(0, 3, 0.9, chunk)}}
	llm := &scriptedLLM{
		judgeResponse: `{"decisions":[{"id":0,"label":"ENTAILMENT","relevance":9,"evidence":"atiende de lunes a viernes en horario corrido"}]}`,
		answers: []string{
			"Atiende de lunes a viernes.\n\nFuente:\n" +
				"- Página 3 — \"atiende de lunes a viernes en horario corrido\"\n" +
				"- Página 3 — \"de nueve a diecisiete horas\"",
		},
	}

	got, err := newTestPipeline(db, llm).Answer(context.Background(), Request{Query: "¿Cuál es el horario de atención?"})
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(got.Answer, "Página 3"); n != 1 {
		t.Errorf("bullets for Página 3 = %d, want 1\n%s", n, got.Answer)
	}
}
