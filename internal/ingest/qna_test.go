package ingest

import (
	"strings"
	"testing"
)

const faqText = `¿Cuál es el horario de atención?
La oficina atiende de lunes a viernes de nueve a diecisiete horas.

¿Dónde se presentan las solicitudes?
En la ventanilla única de la planta baja del edificio central.

¿Qué documentos se requieren?
Identificación oficial vigente y comprobante de domicilio reciente.

¿Cuánto tarda el trámite?
El plazo máximo de respuesta es de quince días hábiles.

¿Tiene algún costo?
No, el trámite es completamente gratuito.`

func TestDetectQAQualifyingDocument(t *testing.T) {
	pairs, ok := DetectQA(faqText, "preguntas_frecuentes.txt")
	if !ok {
		t.Fatal("FAQ document did not qualify")
	}
	if len(pairs) != 5 {
		t.Fatalf("pairs = %d, want 5", len(pairs))
	}
	if pairs[0].Question != "¿Cuál es el horario de atención?" {
		t.Errorf("question = %q", pairs[0].Question)
	}
	if !strings.Contains(pairs[0].Answer, "de lunes a viernes") {
		t.Errorf("answer = %q", pairs[0].Answer)
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i].Start < pairs[i-1].End {
			t.Errorf("pair %d overlaps pair %d", i, i-1)
		}
	}
}

func TestDetectQATooFewPairs(t *testing.T) {
	text := "¿Cuál es el horario?\nDe nueve a cinco.\n\n¿Dónde queda?\nEn el centro."
	pairs, ok := DetectQA(text, "documento.txt")
	if ok {
		t.Error("two pairs should not qualify")
	}
	if len(pairs) != 2 {
		t.Errorf("pairs = %d, want 2", len(pairs))
	}
}

func TestDetectQALowCoverage(t *testing.T) {
	filler := strings.Repeat("Texto narrativo extenso sin estructura de preguntas. ", 40)
	text := faqText + "\n\n" + filler + filler + filler
	_, ok := DetectQA(text, "informe.txt")
	if ok {
		t.Error("low-coverage document should not qualify")
	}
}

func TestDetectQAFilenameForces(t *testing.T) {
	text := "¿Cuál es el horario?\nDe nueve a cinco."
	pairs, ok := DetectQA(text, "faq_qna.txt")
	if !ok {
		t.Error("QNA filename should force qualification")
	}
	if len(pairs) != 1 {
		t.Errorf("pairs = %d, want 1", len(pairs))
	}
}

func TestDetectQASkipsOversizedAnswers(t *testing.T) {
	text := "¿Primera pregunta?\n" + strings.Repeat("respuesta larguísima ", 200) +
		"\n¿Segunda pregunta?\nRespuesta normal."
	pairs, _ := DetectQA(text, "faq_qna.txt")
	for _, p := range pairs {
		if len(p.Answer) > maxQAAnswerChars {
			t.Errorf("oversized answer kept: %d chars", len(p.Answer))
		}
	}
	if len(pairs) != 1 {
		t.Errorf("pairs = %d, want 1 after dropping the oversized answer", len(pairs))
	}
}

func TestUncoveredText(t *testing.T) {
	text := "Introducción al trámite.\n\n¿Primera?\nUno.\n\n¿Segunda?\nDos.\n\nNota final."
	pairs, _ := DetectQA(text, "faq_qna.txt")
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(pairs))
	}

	// The last pair's span runs to the end of the text, so only the
	// preamble is left over here.
	spans := UncoveredText(text, pairs)
	if len(spans) != 1 {
		t.Fatalf("spans = %q, want 1", spans)
	}
	if spans[0] != "Introducción al trámite." {
		t.Errorf("span = %q", spans[0])
	}

	// A dropped pair leaves a gap between its neighbors.
	gapped := []QAPair{pairs[0]}
	spans = UncoveredText(text, gapped)
	if len(spans) != 2 {
		t.Fatalf("spans = %q, want preamble and tail", spans)
	}
	if !strings.Contains(spans[1], "¿Segunda?") || !strings.Contains(spans[1], "Nota final.") {
		t.Errorf("tail span = %q", spans[1])
	}

	if spans := UncoveredText(text, nil); len(spans) != 1 || spans[0] != strings.TrimSpace(text) {
		t.Errorf("no pairs should leave the whole text uncovered, got %q", spans)
	}
}

func TestDetectQAPlainQuestionLines(t *testing.T) {
	text := "Cuál es el horario de atención?\nDe nueve a cinco.\n\n" +
		"Dónde se presentan las solicitudes?\nEn la ventanilla única.\n\n" +
		"Qué documentos se requieren?\nIdentificación oficial."
	pairs, ok := DetectQA(text, "documento.txt")
	if !ok {
		t.Error("plain question lines should qualify")
	}
	if len(pairs) != 3 {
		t.Errorf("pairs = %d, want 3", len(pairs))
	}
}
