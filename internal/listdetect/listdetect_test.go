package listdetect_test

import (
	"strings"
	"testing"

	"github.com/hsn0918/docqa/internal/listdetect"
)

func TestDetectBullets(t *testing.T) {
	text := "Los requisitos son los siguientes:\n" +
		"- Acta constitutiva\n" +
		"- Comprobante de domicilio\n" +
		"- Identificación oficial vigente\n"

	got := listdetect.Detect(text)
	if !got.IsList {
		t.Fatal("expected list structure")
	}
	if got.ItemCount != 3 {
		t.Errorf("item count = %d, want 3", got.ItemCount)
	}
	if !hasPattern(got.Patterns, listdetect.PatternBullets) {
		t.Errorf("patterns = %v, want bullets", got.Patterns)
	}
	wantStart := strings.Index(text, "- Acta")
	if got.ListStart != wantStart {
		t.Errorf("list start = %d, want %d", got.ListStart, wantStart)
	}
}

func TestDetectNumbered(t *testing.T) {
	text := "Pasos del trámite:\n1. Llenar la solicitud\n2) Pagar derechos\n3.- Entregar documentos\n"
	got := listdetect.Detect(text)
	if !got.IsList || !hasPattern(got.Patterns, listdetect.PatternNumbered) {
		t.Fatalf("numbered list not detected: %+v", got)
	}
	if got.ItemCount != 3 {
		t.Errorf("item count = %d, want 3", got.ItemCount)
	}
}

func TestDetectDomainCodes(t *testing.T) {
	text := "Aplican los estándares EC0217 y EC0301.2 según el registro nacional."
	got := listdetect.Detect(text)
	if !got.IsList || !hasPattern(got.Patterns, listdetect.PatternCodes) {
		t.Fatalf("code list not detected: %+v", got)
	}
}

func TestDetectRepeatedCodeNotDistinct(t *testing.T) {
	text := "El estándar EC0217 se cita dos veces: EC0217."
	got := listdetect.Detect(text)
	if got.IsList {
		t.Errorf("repeated identical code should not count as a list: %+v", got)
	}
}

func TestDetectSingleBulletNotList(t *testing.T) {
	got := listdetect.Detect("Nota:\n- un único punto\n")
	if got.IsList {
		t.Error("single bullet should not be a list")
	}
	if got.ListStart != -1 {
		t.Errorf("list start = %d, want -1", got.ListStart)
	}
}

func TestDetectCountMismatch(t *testing.T) {
	buildText := func(declared string, items int) (string, listdetect.Result) {
		var b strings.Builder
		b.WriteString("La empresa opera en " + declared + " estados de la república:\n")
		names := []string{"Jalisco", "Nuevo León", "Sonora", "Yucatán", "Puebla", "Coahuila", "Chiapas", "Durango"}
		for i := 0; i < items; i++ {
			b.WriteString("- " + names[i%len(names)] + "\n")
		}
		text := b.String()
		return text, listdetect.Detect(text)
	}

	tests := []struct {
		name         string
		declared     string
		visible      int
		wantMismatch bool
		wantDeclared int
	}{
		{name: "thirteen declared six visible", declared: "13", visible: 6, wantMismatch: true, wantDeclared: 13},
		{name: "declared below slack", declared: "8", visible: 6, wantMismatch: false, wantDeclared: 8},
		{name: "implausible declared", declared: "55", visible: 6, wantMismatch: false, wantDeclared: 55},
		{name: "declared matches visible", declared: "6", visible: 6, wantMismatch: false, wantDeclared: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, list := buildText(tt.declared, tt.visible)
			got := listdetect.DetectCountMismatch(text, list)
			if got.Mismatch != tt.wantMismatch {
				t.Errorf("mismatch = %v, want %v", got.Mismatch, tt.wantMismatch)
			}
			if got.DeclaredTotal != tt.wantDeclared {
				t.Errorf("declared = %d, want %d", got.DeclaredTotal, tt.wantDeclared)
			}
			if got.VisibleItems != tt.visible {
				t.Errorf("visible = %d, want %d", got.VisibleItems, tt.visible)
			}
		})
	}
}

func TestDetectCountMismatchNoList(t *testing.T) {
	text := "Existen 3 oficinas regionales según el directorio."
	got := listdetect.DetectCountMismatch(text, listdetect.Detect(text))
	if got.Mismatch {
		t.Error("mismatch should not fire without list structure")
	}
}

func TestDeclaredTotalFiltersUnits(t *testing.T) {
	text := "El presupuesto subió 40% hasta $95 millones. Cubre 13 programas:\n" +
		"- programa uno\n- programa dos\n- programa tres\n- programa cuatro\n"
	list := listdetect.Detect(text)
	got := listdetect.DetectCountMismatch(text, list)
	if got.DeclaredTotal != 13 {
		t.Errorf("declared = %d, want 13 (percent and currency filtered)", got.DeclaredTotal)
	}
	if !got.Mismatch {
		t.Error("expected mismatch 13 vs 4")
	}
}

func hasPattern(patterns []string, want string) bool {
	for _, p := range patterns {
		if p == want {
			return true
		}
	}
	return false
}
