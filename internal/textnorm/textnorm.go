// Package textnorm provides accent, punctuation and ellipsis aware text
// canonicalization for citation matching over Spanish/English corpora.
//
// Three strictness levels are exposed:
//   - Strict: collapse whitespace, keep letters/digits/basic punctuation.
//   - LooseDecimalSafe: additionally strip punctuation, preserving the
//     decimal point inside numbers so "3.14" never collapses into "314".
//   - Detect: strict plus trailing-punctuation strip, for generated answers.
//
// All levels are NFC-based, lowercased and diacritic-folded, and are
// idempotent: normalizing an already-normalized string is a no-op.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// decimalPlaceholder temporarily protects the dot between two digits while
// loose normalization strips the remaining punctuation. The rune never
// appears in normalized input because Strict drops control characters.
const decimalPlaceholder = "\x00"

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	// basicPunct is the punctuation Strict keeps. Everything else outside
	// letters/digits/space is dropped.
	basicPunct = map[rune]bool{
		'.': true, ',': true, ';': true, ':': true, '?': true, '!': true,
		'¿': true, '¡': true, '(': true, ')': true, '"': true, '\'': true,
		'-': true, '%': true, '$': true, '/': true,
	}
	decimalDotRE = regexp.MustCompile(`(\d)\.(\d)`)
)

// diacriticFold maps accented Latin letters onto their base letter.
// Applied after lowercasing; covers the Spanish corpus plus common
// French/Portuguese spillover found in mixed documents.
var diacriticFold = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ä': 'a', 'ã': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'ö': 'o', 'õ': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ñ': 'n', 'ç': 'c',
}

// Strict canonicalizes text for exact-ish substring matching: NFC, lowercase,
// diacritics folded, whitespace collapsed, only letters/digits/basic
// punctuation kept.
func Strict(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if folded, ok := diacriticFold[r]; ok {
			r = folded
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case basicPunct[r]:
			b.WriteRune(r)
		case r == '…':
			b.WriteString("...")
		}
	}

	return strings.TrimSpace(whitespaceRE.ReplaceAllString(b.String(), " "))
}

// LooseDecimalSafe builds on Strict and removes all punctuation except the
// decimal point between two digits. Used as the second-chance citation match
// to tolerate punctuation drift while preserving numeric identity.
func LooseDecimalSafe(s string) string {
	s = Strict(s)

	// Go's RE2 has no lookaround; protect "\d.\d" via placeholder, strip,
	// then restore. The loop handles runs like "1.2.3".
	for decimalDotRE.MatchString(s) {
		s = decimalDotRE.ReplaceAllString(s, "$1"+decimalPlaceholder+"$2")
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == rune(decimalPlaceholder[0]) {
			b.WriteRune(r)
		}
	}

	s = strings.ReplaceAll(b.String(), decimalPlaceholder, ".")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

// Detect canonicalizes generated answers for phrase detection: Strict plus
// stripping trailing punctuation.
func Detect(s string) string {
	s = Strict(s)
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Words splits a normalized string into its words.
func Words(s string) []string {
	return strings.Fields(s)
}

// WordCount returns the number of whitespace-separated words in s without
// normalizing it first.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// NeedsRepair reports whether raw request bytes fail clean UTF-8 decoding.
// Only then is the mojibake table consulted.
func NeedsRepair(raw []byte) bool {
	return !utf8.Valid(raw)
}

// mojibakeTable maps byte patterns observed in mis-encoded upstream input
// (CP850/Latin-1 double encodings) back to the intended characters.
var mojibakeTable = []struct{ broken, fixed string }{
	{"├í", "á"}, {"├®", "é"}, {"├¡", "í"}, {"├│", "ó"}, {"├║", "ú"},
	{"├▒", "ñ"}, {"├╝", "ü"}, {"├ü", "Á"}, {"├ë", "É"}, {"├ô", "Ó"},
	{"Ã¡", "á"}, {"Ã©", "é"}, {"Ã­", "í"}, {"Ã³", "ó"}, {"Ãº", "ú"},
	{"Ã±", "ñ"}, {"Ã¼", "ü"}, {"Â¿", "¿"}, {"Â¡", "¡"},
}

// RepairMojibake applies the repair table and drops any remaining invalid
// bytes. Callers gate this on NeedsRepair plus the compat flag.
func RepairMojibake(s string) string {
	for _, m := range mojibakeTable {
		s = strings.ReplaceAll(s, m.broken, m.fixed)
	}
	if utf8.ValidString(s) {
		return s
	}

	// Remove whatever invalid sequences the table did not cover.
	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError && size == 1 {
			s = s[1:]
			continue
		}
		b.WriteRune(r)
		s = s[size:]
	}
	return b.String()
}

// SafeTruncate truncates a UTF-8 string to a maximum number of bytes without
// breaking multi-byte character boundaries. No ellipsis marker is appended:
// downstream prompts must never contain truncation markers.
func SafeTruncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for i := maxBytes; i >= 0 && i > maxBytes-4; i-- {
		if utf8.ValidString(s[:i]) {
			return s[:i]
		}
	}
	return s[:0]
}
