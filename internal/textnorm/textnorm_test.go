package textnorm_test

import (
	"testing"

	"github.com/hsn0918/docqa/internal/textnorm"
)

func TestStrict(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercase and fold accents",
			in:   "¿Cuántos ESTADOS opera la compañía?",
			want: "¿cuantos estados opera la compania?",
		},
		{
			name: "collapse whitespace",
			in:   "dos   palabras\n\tseparadas",
			want: "dos palabras separadas",
		},
		{
			name: "drop exotic symbols keep basic punctuation",
			in:   "Total: 13 estados® (ver «anexo»)",
			want: "total: 13 estados (ver anexo)",
		},
		{
			name: "unicode ellipsis becomes three dots",
			in:   "Jalisco, Nuevo León…",
			want: "jalisco, nuevo leon...",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := textnorm.Strict(tt.in); got != tt.want {
				t.Errorf("Strict(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStrictIdempotent(t *testing.T) {
	inputs := []string{
		"¿Cuál es el IVA aplicable?",
		"EC101.5 — requisitos básicos",
		"3.14 por ciento",
	}
	for _, in := range inputs {
		once := textnorm.Strict(in)
		if twice := textnorm.Strict(once); twice != once {
			t.Errorf("Strict not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestLooseDecimalSafe(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "decimal point survives",
			in:   "la tasa es 3.14%",
			want: "la tasa es 3.14",
		},
		{
			name: "other punctuation stripped",
			in:   "requisitos: (a) acta; (b) comprobante.",
			want: "requisitos a acta b comprobante",
		},
		{
			name: "decimal run",
			in:   "versión 1.2.3 del manual",
			want: "version 1.2.3 del manual",
		},
		{
			name: "trailing dot after number is not decimal",
			in:   "son 13. Estados",
			want: "son 13 estados",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := textnorm.LooseDecimalSafe(tt.in)
			if got != tt.want {
				t.Errorf("LooseDecimalSafe(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := textnorm.LooseDecimalSafe(got); again != got {
				t.Errorf("LooseDecimalSafe not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	got := textnorm.Detect("No especificado en los documentos proporcionados.")
	want := "no especificado en los documentos proporcionados"
	if got != want {
		t.Errorf("Detect() = %q, want %q", got, want)
	}
}

func TestRepairMojibake(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "cp850 double encoding",
			in:   "informaci├│n p├║blica",
			want: "información pública",
		},
		{
			name: "latin1 double encoding",
			in:   "Ã¡rea de operaciÃ³n",
			want: "área de operación",
		},
		{
			name: "clean text unchanged",
			in:   "texto limpio",
			want: "texto limpio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := textnorm.RepairMojibake(tt.in); got != tt.want {
				t.Errorf("RepairMojibake(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNeedsRepair(t *testing.T) {
	if textnorm.NeedsRepair([]byte("todo bien")) {
		t.Error("valid UTF-8 flagged for repair")
	}
	if !textnorm.NeedsRepair([]byte{0xff, 0xfe, 'a'}) {
		t.Error("invalid UTF-8 not flagged")
	}
}

func TestSafeTruncate(t *testing.T) {
	s := "ñandú corre"
	got := textnorm.SafeTruncate(s, 3)
	if got != "ña" {
		t.Errorf("SafeTruncate() = %q, want %q", got, "ña")
	}
	if full := textnorm.SafeTruncate(s, 100); full != s {
		t.Errorf("SafeTruncate should not modify short strings, got %q", full)
	}
}
