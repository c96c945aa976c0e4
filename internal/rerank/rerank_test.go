package rerank

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/clients/openai"
)

// mockLLM returns a canned JSON payload per call.
type mockLLM struct {
	responses []string
	calls     int
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error) {
	content, _ := m.next()
	return &openai.ChatResponse{Choices: []openai.Choice{{Message: openai.Message{Content: content}}}}, nil
}

func (m *mockLLM) Complete(ctx context.Context, messages []openai.Message, temperature float64) (string, error) {
	return m.next()
}

func (m *mockLLM) CompleteJSON(ctx context.Context, messages []openai.Message, temperature float64) (string, error) {
	return m.next()
}

func (m *mockLLM) next() (string, error) {
	if m.calls >= len(m.responses) {
		return m.responses[len(m.responses)-1], nil
	}
	r := m.responses[m.calls]
	m.calls++
	return r, nil
}

func candidate(source string, index int, score float64, text string) adapters.Hit {
	return adapters.Hit{
		Chunk:      adapters.Chunk{SourceName: source, ChunkIndex: index, Text: text},
		Score:      score,
		FinalScore: score,
	}
}

func TestRerankEntailmentFirst(t *testing.T) {
	hits := []adapters.Hit{
		candidate("a.pdf", 0, 0.9, "El horario de atención es de nueve a cinco de lunes a viernes en todas las oficinas."),
		candidate("a.pdf", 5, 0.8, "Los requisitos para el trámite son: acta constitutiva, comprobante de domicilio y identificación vigente."),
		candidate("b.pdf", 2, 0.7, "La misión institucional es servir a la ciudadanía con transparencia."),
	}

	llm := &mockLLM{responses: []string{
		`{"decisions":[
			{"id":0,"label":"NEUTRAL","relevance":3,"evidence":""},
			{"id":1,"label":"ENTAILMENT","relevance":9,"evidence":"acta constitutiva, comprobante de domicilio y identificación vigente"},
			{"id":2,"label":"CONTRADICTION","relevance":1,"evidence":""}
		]}`,
	}}

	judge := NewJudge(llm, false)
	got, err := judge.Rerank(context.Background(), "¿Cuáles son los requisitos para el trámite?", hits, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedFallback {
		t.Fatal("fallback should not trigger with full coverage")
	}
	if len(got.Strong) != 1 || got.Strong[0].ChunkIndex != 5 {
		t.Fatalf("strong = %+v, want chunk 5", got.Strong)
	}
	if got.Selected[0].ChunkIndex != 5 {
		t.Errorf("first selected = chunk %d, want the entailment", got.Selected[0].ChunkIndex)
	}
}

func TestRerankSafetyNet(t *testing.T) {
	hits := []adapters.Hit{
		candidate("a.pdf", 0, 0.9, "texto uno"),
		candidate("a.pdf", 1, 0.8, "texto dos"),
		candidate("a.pdf", 2, 0.3, "texto tres"),
	}
	llm := &mockLLM{responses: []string{
		`{"decisions":[
			{"id":0,"label":"CONTRADICTION","relevance":0,"evidence":""},
			{"id":1,"label":"CONTRADICTION","relevance":0,"evidence":""},
			{"id":2,"label":"CONTRADICTION","relevance":0,"evidence":""}
		]}`,
	}}
	got, err := NewJudge(llm, false).Rerank(context.Background(), "pregunta", hits, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Selected) != TopNSafetyNet {
		t.Fatalf("selected %d, want safety net of %d", len(got.Selected), TopNSafetyNet)
	}
	if got.Selected[0].ChunkIndex != 0 || got.Selected[1].ChunkIndex != 1 {
		t.Errorf("safety net kept %d,%d; want retrieval top 0,1",
			got.Selected[0].ChunkIndex, got.Selected[1].ChunkIndex)
	}
}

func TestRerankListContinuation(t *testing.T) {
	listText := "- Acta constitutiva\n- Comprobante de domicilio\n- Identificación oficial\n"
	hits := []adapters.Hit{
		candidate("a.pdf", 3, 0.9, "Los documentos necesarios son:\n- Solicitud firmada\n- Acta constitutiva\n"),
		candidate("a.pdf", 4, 0.5, listText),
		candidate("b.pdf", 9, 0.5, listText),
	}
	llm := &mockLLM{responses: []string{
		`{"decisions":[
			{"id":0,"label":"ENTAILMENT","relevance":9,"evidence":"Solicitud firmada"},
			{"id":1,"label":"NEUTRAL","relevance":4,"evidence":""},
			{"id":2,"label":"NEUTRAL","relevance":4,"evidence":""}
		]}`,
	}}
	got, err := NewJudge(llm, false).Rerank(context.Background(), "¿Qué documentos necesito?", hits, 5)
	if err != nil {
		t.Fatal(err)
	}

	selected := make(map[string]bool)
	for _, h := range got.Selected {
		selected[fmt.Sprintf("%s#%d", h.SourceName, h.ChunkIndex)] = true
	}
	if !selected["a.pdf#4"] {
		t.Error("adjacent list chunk of the same source should be admitted")
	}
	if selected["b.pdf#9"] {
		t.Error("list chunk of a different source should not ride along")
	}
}

func TestRerankTrustUsesRawScore(t *testing.T) {
	trusted := candidate("b.pdf", 7, 0.56, "El registro se renueva cada dos años ante la autoridad competente.")
	boosted := candidate("c.pdf", 3, 0.50, "La dependencia publica sus resolutivos en el portal oficial.")
	// Source aggregation pushed the final score past the threshold, but
	// admission goes by what retrieval itself scored.
	boosted.FinalScore = 0.65
	boosted.Boost = 0.15

	hits := []adapters.Hit{
		candidate("a.pdf", 0, 0.9, "El trámite se presenta en la ventanilla única del edificio central."),
		trusted,
		boosted,
	}
	llm := &mockLLM{responses: []string{
		`{"decisions":[
			{"id":0,"label":"ENTAILMENT","relevance":9,"evidence":"se presenta en la ventanilla única del edificio central"},
			{"id":1,"label":"NEUTRAL","relevance":4,"evidence":""},
			{"id":2,"label":"NEUTRAL","relevance":4,"evidence":""}
		]}`,
	}}
	got, err := NewJudge(llm, false).Rerank(context.Background(), "¿Dónde se presenta el trámite?", hits, 5)
	if err != nil {
		t.Fatal(err)
	}

	selected := make(map[string]bool)
	for _, h := range got.Selected {
		selected[h.SourceName] = true
	}
	if !selected["b.pdf"] {
		t.Error("neutral with raw score above the threshold should be admitted")
	}
	if selected["c.pdf"] {
		t.Error("boost-only score must not clear the trust threshold")
	}
}

func TestRerankCoverageFallback(t *testing.T) {
	var hits []adapters.Hit
	for i := 0; i < 8; i++ {
		hits = append(hits, candidate("a.pdf", i, 0.9-float64(i)*0.05, "texto"))
	}
	// Only 3 of 8 decided: coverage 0.375 < 0.5.
	llm := &mockLLM{responses: []string{
		`{"decisions":[
			{"id":0,"label":"NEUTRAL","relevance":5,"evidence":""},
			{"id":1,"label":"NEUTRAL","relevance":5,"evidence":""},
			{"id":2,"label":"NEUTRAL","relevance":5,"evidence":""}
		]}`,
	}}
	got, err := NewJudge(llm, false).Rerank(context.Background(), "pregunta", hits, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UsedFallback {
		t.Fatal("expected coverage fallback")
	}
	if len(got.Selected) != 4 {
		t.Errorf("selected %d, want target 4 in retrieval order", len(got.Selected))
	}
	for i, h := range got.Selected {
		if h.ChunkIndex != i {
			t.Errorf("position %d = chunk %d, want retrieval order", i, h.ChunkIndex)
		}
	}
}

func TestValidateDecisionGates(t *testing.T) {
	hit := candidate("a.pdf", 0, 0.9,
		"El plazo máximo de entrega es de quince días hábiles contados a partir de la solicitud.")

	tests := []struct {
		name      string
		decision  Decision
		wantLabel Label
	}{
		{
			name:      "literal evidence survives",
			decision:  Decision{Label: Entailment, Relevance: 8, Evidence: "plazo máximo de entrega es de quince días hábiles"},
			wantLabel: Entailment,
		},
		{
			name:      "accent variant still matches strictly",
			decision:  Decision{Label: Entailment, Relevance: 8, Evidence: "quince dias habiles"},
			wantLabel: Entailment,
		},
		{
			name:      "fabricated evidence downgraded",
			decision:  Decision{Label: Entailment, Relevance: 9, Evidence: "el plazo es de treinta días"},
			wantLabel: Neutral,
		},
		{
			name:      "question echo downgraded",
			decision:  Decision{Label: Entailment, Relevance: 9, Evidence: "¿cuál es el plazo máximo de entrega?"},
			wantLabel: Neutral,
		},
		{
			name:      "low relevance downgraded",
			decision:  Decision{Label: Entailment, Relevance: 4, Evidence: "quince días hábiles"},
			wantLabel: Neutral,
		},
		{
			name:      "neutral untouched",
			decision:  Decision{Label: Neutral, Relevance: 9, Evidence: "no importa"},
			wantLabel: Neutral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := validateDecision(tt.decision, "¿Cuál es el plazo máximo de entrega?", hit, MinEntailmentRelevance)
			if got.Label != tt.wantLabel {
				t.Errorf("label = %s, want %s (reason %q)", got.Label, tt.wantLabel, got.Downgraded)
			}
		})
	}
}

func TestDedupeDecisions(t *testing.T) {
	raw := []Decision{
		{ID: 0, Label: Neutral, Relevance: 5},
		{ID: 0, Label: Entailment, Relevance: 7},
		{ID: 1, Label: Neutral, Relevance: 3},
		{ID: 1, Label: Neutral, Relevance: 8},
		{ID: 9, Label: Entailment, Relevance: 9}, // unknown id
		{ID: 2, Label: "WRONG", Relevance: 5},    // unknown label
	}
	got := dedupeDecisions(raw, 3)
	if len(got) != 2 {
		t.Fatalf("kept %d decisions, want 2", len(got))
	}
	if got[0].Label != Entailment {
		t.Errorf("id 0 label = %s, want ENTAILMENT kept over NEUTRAL", got[0].Label)
	}
	if got[1].Relevance != 8 {
		t.Errorf("id 1 relevance = %d, want the higher duplicate", got[1].Relevance)
	}
}

func TestExcerptCentersOnMatch(t *testing.T) {
	filler := strings.Repeat("relleno introductorio sin interés alguno. ", 80)
	text := filler + "La clave del asunto es el umbral reglamentario de cuarenta unidades. " +
		strings.Repeat("texto posterior de cierre. ", 40)

	got := Excerpt(text, "¿Cuál es el umbral reglamentario?", ExcerptBudget)
	if len(got) > ExcerptBudget {
		t.Fatalf("excerpt length %d exceeds budget", len(got))
	}
	if !strings.Contains(got, "umbral reglamentario") {
		t.Error("excerpt should contain the query match")
	}
}

func TestExcerptShortTextUntouched(t *testing.T) {
	text := "texto corto"
	if got := Excerpt(text, "pregunta", ExcerptBudget); got != text {
		t.Errorf("short text modified: %q", got)
	}
}

func TestExcerptNoMatchFallsBackToHead(t *testing.T) {
	text := strings.Repeat("contenido sin coincidencias con la consulta. ", 100)
	got := Excerpt(text, "zzz", ExcerptBudget)
	if len(got) > ExcerptBudget {
		t.Fatalf("excerpt length %d exceeds budget", len(got))
	}
	if !strings.HasPrefix(text, got[:20]) {
		t.Error("fallback excerpt should start at the head")
	}
}
