package classify_test

import (
	"testing"

	"github.com/hsn0918/docqa/internal/classify"
)

func TestClassifyTypes(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantType  classify.QueryType
		wantAlpha float64
	}{
		{
			name:      "numeric question",
			query:     "¿Cuántos estados cubre la póliza nacional de la empresa?",
			wantType:  classify.TypeNumeric,
			wantAlpha: 0.35,
		},
		{
			name:      "list question",
			query:     "¿Cuáles son los documentos necesarios para abrir una cuenta bancaria?",
			wantType:  classify.TypeList,
			wantAlpha: 0.50,
		},
		{
			name:      "ordered question",
			query:     "Explícame el procedimiento para renovar la licencia paso a paso",
			wantType:  classify.TypeOrdered,
			wantAlpha: 0.40,
		},
		{
			name:      "general fallback",
			query:     "Háblame sobre la misión institucional del organismo regulador",
			wantType:  classify.TypeGeneral,
			wantAlpha: 0.75,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify.Classify(tt.query)
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s", got.Type, tt.wantType)
			}
			if got.Alpha != tt.wantAlpha {
				t.Errorf("alpha = %.2f, want %.2f", got.Alpha, tt.wantAlpha)
			}
		})
	}
}

func TestClassifyFusion(t *testing.T) {
	numeric := classify.Classify("¿Cuántos empleados directos reporta la memoria anual corporativa?")
	if numeric.Fusion != classify.FusionRanked {
		t.Errorf("numeric fusion = %s, want rankedFusion", numeric.Fusion)
	}
	general := classify.Classify("Describe brevemente la historia reciente de la institución")
	if general.Fusion != classify.FusionRelativeScore {
		t.Errorf("general fusion = %s, want relativeScoreFusion", general.Fusion)
	}
}

func TestShortQueryAlphaCap(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "one token", query: "impuestos"},
		{name: "exactly three tokens", query: "definición de impuestos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify.Classify(tt.query)
			if got.Alpha > 0.35 {
				t.Errorf("short query alpha = %.2f, want <= 0.35", got.Alpha)
			}
		})
	}
}

func TestFourTokenGeneralKeepsAlpha(t *testing.T) {
	got := classify.Classify("describe la estructura organizacional completa")
	if got.Alpha != 0.75 {
		t.Errorf("alpha = %.2f, want 0.75 for a 5-token general query", got.Alpha)
	}
}

func TestCodeAndDigitAlphaCap(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "uppercase code", query: "explica el alcance de la norma EC101 en el reglamento interno"},
		{name: "embedded digit", query: "describe el contenido del artículo 27 de la constitución interna"},
		{name: "quoted phrase", query: `explica el término "activo circulante" mencionado en el informe general`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify.Classify(tt.query)
			if got.Alpha > 0.35 {
				t.Errorf("alpha = %.2f, want <= 0.35", got.Alpha)
			}
		})
	}
}

func TestTotalsTargetChunks(t *testing.T) {
	got := classify.Classify("¿Cuál es el total de sucursales reportadas en el informe?")
	if got.TargetChunks != 20 {
		t.Errorf("target chunks = %d, want 20", got.TargetChunks)
	}
	plain := classify.Classify("Describe la política general de contrataciones del organismo público")
	if plain.TargetChunks != 12 {
		t.Errorf("target chunks = %d, want 12", plain.TargetChunks)
	}
}
