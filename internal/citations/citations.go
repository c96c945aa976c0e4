// Package citations validates and repairs the literal quotes in a generated
// answer. Every quote must be provably a substring of the context the LLM
// saw; quotes that fail strict matching are auto-fixed through progressively
// looser passes rather than discarded.
package citations

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hsn0918/docqa/internal/textnorm"
)

// Kind classifies a generated answer.
type Kind int

const (
	KindFull Kind = iota
	KindPartial
	KindAbsent
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindPartial:
		return "partial"
	default:
		return "full"
	}
}

// Quote length bounds enforced by the contract and the auto-fix passes.
const (
	MinQuoteWords = 4
	MaxQuoteWords = 15

	// Best-span extraction scans windows of this size range.
	minSpanWords = 6
	maxSpanWords = 12

	// Chunks shorter than this cannot be cited at all.
	minChunkWords = 6

	fallbackWords = 15
)

// Parsed is one citation bullet.
type Parsed struct {
	SourceKey string // "Página N"
	Page      int
	Quote     string
}

// Validated is the outcome of the five-pass check for one citation.
type Validated struct {
	Parsed
	FinalQuote string
	Pass       int // 1..5, 0 when invalid
	Valid      bool
	Reason     string
}

var (
	bulletRE = regexp.MustCompile(`(?m)^[ \t]*-+\s*P[aá]gina\s+(\d+)\s*[—–-]\s*"([^"]+)".*$`)

	absentREs = []*regexp.Regexp{
		regexp.MustCompile(`esta informacion no se encuentra en los documentos`),
		regexp.MustCompile(`no especificado en los documentos`),
		regexp.MustCompile(`no se encuentra en los documentos proporcionados`),
	}
)

// EnforceOneBulletPerPage keeps only the first bullet per page in the last
// Fuente section. Running it twice is a no-op.
func EnforceOneBulletPerPage(answer string) string {
	idx := strings.LastIndex(answer, "Fuente:")
	if idx < 0 {
		return answer
	}
	head, tail := answer[:idx], answer[idx:]

	seen := make(map[string]bool)
	lines := strings.Split(tail, "\n")
	out := lines[:0]
	for _, line := range lines {
		if m := bulletRE.FindStringSubmatch(line); m != nil {
			if seen[m[1]] {
				continue
			}
			seen[m[1]] = true
		}
		out = append(out, line)
	}
	return head + strings.Join(out, "\n")
}

// ClassifyResponse inspects the normalized answer for the absent phrases.
func ClassifyResponse(answer string) Kind {
	norm := textnorm.Strict(answer)
	absent := false
	for _, re := range absentREs {
		if re.MatchString(norm) {
			absent = true
			break
		}
	}
	if !absent {
		return KindFull
	}
	if len(Parse(answer)) > 0 {
		return KindPartial
	}
	return KindAbsent
}

// Parse extracts the citation bullets from the answer.
func Parse(answer string) []Parsed {
	var out []Parsed
	for _, m := range bulletRE.FindAllStringSubmatch(answer, -1) {
		page, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, Parsed{
			SourceKey: "Página " + m[1],
			Page:      page,
			Quote:     strings.TrimSpace(m[2]),
		})
	}
	return out
}

// Validate runs the five passes for one citation against the context index.
func Validate(c Parsed, contextByKey map[string]string) Validated {
	v := Validated{Parsed: c}

	chunk, ok := contextByKey[c.SourceKey]
	if !ok {
		v.Reason = fmt.Sprintf("%s no está en el contexto", c.SourceKey)
		return v
	}
	rawWords := strings.Fields(chunk)
	if len(rawWords) < minChunkWords {
		v.Reason = fmt.Sprintf("%s es demasiado corto para citar", c.SourceKey)
		return v
	}

	// PASS 1: strict substring, tolerating ellipses inside the quote.
	if containsWithEllipsis(chunk, c.Quote, textnorm.Strict) {
		if n := len(strings.Fields(c.Quote)); n >= MinQuoteWords && n <= MaxQuoteWords {
			v.FinalQuote, v.Pass, v.Valid = c.Quote, 1, true
			return v
		}
		// Literal but out of length bounds: fall through to the auto-fix.
	} else if containsWithEllipsis(chunk, c.Quote, textnorm.LooseDecimalSafe) {
		// PASS 2: loose-decimal-safe substring.
		if n := len(strings.Fields(c.Quote)); n >= MinQuoteWords && n <= MaxQuoteWords {
			v.FinalQuote, v.Pass, v.Valid = c.Quote, 2, true
			return v
		}
	}

	// PASS 3: window slide around the best match to restore legal length.
	if fixed, ok := autoFixQuoteLength(rawWords, c.Quote); ok {
		v.FinalQuote, v.Pass, v.Valid = fixed, 3, true
		return v
	}

	// PASS 4: best-span extraction by hint overlap.
	if span, ok := extractBestSpan(rawWords, c.Quote); ok {
		v.FinalQuote, v.Pass, v.Valid = span, 4, true
		return v
	}

	// PASS 5: first words of the chunk.
	n := min(fallbackWords, len(rawWords))
	v.FinalQuote, v.Pass, v.Valid = strings.Join(rawWords[:n], " "), 5, true
	return v
}

// ValidateAll validates every parsed citation and returns them with the
// failure reasons collected for the repair prompt.
func ValidateAll(parsed []Parsed, contextByKey map[string]string) ([]Validated, []string) {
	var out []Validated
	var reasons []string
	for _, c := range parsed {
		v := Validate(c, contextByKey)
		out = append(out, v)
		if !v.Valid {
			reasons = append(reasons, v.Reason)
		} else if v.Pass > 2 {
			reasons = append(reasons, fmt.Sprintf("la cita de %s no era literal y fue sustituida", c.SourceKey))
		}
	}
	return out, reasons
}

// Rewrite replaces each bullet's quote with the validated one and drops
// invalid bullets entirely.
func Rewrite(answer string, validated []Validated) string {
	byPage := make(map[string]Validated, len(validated))
	for _, v := range validated {
		byPage[strconv.Itoa(v.Page)] = v
	}

	lines := strings.Split(answer, "\n")
	out := lines[:0]
	for _, line := range lines {
		m := bulletRE.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		v, ok := byPage[m[1]]
		if !ok || !v.Valid {
			continue
		}
		out = append(out, fmt.Sprintf("- Página %d — %q", v.Page, v.FinalQuote))
	}
	return strings.Join(out, "\n")
}

// AvailableKeys lists the citable page keys sorted by page number, for the
// repair prompt.
func AvailableKeys(contextByKey map[string]string) []string {
	keys := make([]string, 0, len(contextByKey))
	for k := range contextByKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return pageOf(keys[i]) < pageOf(keys[j])
	})
	return keys
}

func pageOf(key string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(key, "Página "))
	return n
}

// containsWithEllipsis splits the quote on ellipses and requires each part
// to appear in the chunk in order under the given normalizer.
func containsWithEllipsis(chunk, quote string, normalize func(string) string) bool {
	normChunk := normalize(chunk)
	quote = strings.ReplaceAll(quote, "…", "...")
	parts := strings.Split(quote, "...")

	pos := 0
	matched := false
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		normPart := normalize(p)
		if normPart == "" {
			continue
		}
		idx := strings.Index(normChunk[pos:], normPart)
		if idx < 0 {
			return false
		}
		pos += idx + len(normPart)
		matched = true
	}
	return matched
}

// autoFixQuoteLength slides a window around the best word-level match of the
// quote inside the chunk until the word count lands in [4,15]. Returns the
// literal span from the raw chunk.
func autoFixQuoteLength(rawWords []string, quote string) (string, bool) {
	quoteWords := normalizedWords(quote)
	if len(quoteWords) == 0 {
		return "", false
	}
	chunkWords := make([]string, len(rawWords))
	for i, w := range rawWords {
		chunkWords[i] = textnorm.Strict(w)
	}

	// Best match = the start offset with the longest run of consecutive
	// quote words.
	bestStart, bestRun := -1, 0
	for start := range chunkWords {
		run := 0
		for run < len(quoteWords) && start+run < len(chunkWords) &&
			chunkWords[start+run] == quoteWords[run] {
			run++
		}
		if run > bestRun {
			bestStart, bestRun = start, run
		}
	}
	if bestStart < 0 || bestRun == 0 {
		return "", false
	}

	end := bestStart + bestRun
	// Grow to the minimum, shrink to the maximum.
	for end-bestStart < MinQuoteWords && end < len(rawWords) {
		end++
	}
	for end-bestStart < MinQuoteWords && bestStart > 0 {
		bestStart--
	}
	if end-bestStart > MaxQuoteWords {
		end = bestStart + MaxQuoteWords
	}
	if end-bestStart < MinQuoteWords {
		return "", false
	}
	return strings.Join(rawWords[bestStart:end], " "), true
}

// extractBestSpan scans every contiguous 6-to-12-word window of the chunk
// and returns the one with maximum normalized word overlap with the quote.
func extractBestSpan(rawWords []string, hint string) (string, bool) {
	hintSet := make(map[string]bool)
	for _, w := range normalizedWords(hint) {
		hintSet[w] = true
	}
	if len(hintSet) == 0 {
		return "", false
	}
	chunkWords := make([]string, len(rawWords))
	for i, w := range rawWords {
		chunkWords[i] = textnorm.Strict(w)
	}

	bestStart, bestSize, bestOverlap := -1, 0, 0
	for size := minSpanWords; size <= maxSpanWords; size++ {
		for start := 0; start+size <= len(chunkWords); start++ {
			overlap := 0
			for _, w := range chunkWords[start : start+size] {
				if hintSet[w] {
					overlap++
				}
			}
			if overlap > bestOverlap {
				bestStart, bestSize, bestOverlap = start, size, overlap
			}
		}
	}
	if bestOverlap == 0 {
		return "", false
	}
	return strings.Join(rawWords[bestStart:bestStart+bestSize], " "), true
}

func normalizedWords(s string) []string {
	return textnorm.Words(textnorm.Strict(s))
}
