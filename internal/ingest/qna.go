package ingest

import (
	"regexp"
	"strings"
)

const (
	// FAQ detection thresholds: at least this many pairs covering at least
	// this fraction of the document, unless the filename forces Q&A mode.
	minQAPairs    = 3
	minQACoverage = 0.6

	// Answers longer than this are skipped rather than embedded whole.
	maxQAAnswerChars = 3000
)

// QAPair is one question with its answer block.
type QAPair struct {
	Question   string
	Answer     string
	Start, End int
}

var (
	// Inverted-question lines and capitalized lines ending in '?' both open
	// a pair.
	invertedQuestionRE = regexp.MustCompile(`(?m)^[ \t]*¿[^\n]+\?[ \t]*$`)
	plainQuestionRE    = regexp.MustCompile(`(?m)^[ \t]*[A-ZÁÉÍÓÚÑ¿][^\n]*\?[ \t]*$`)
)

// DetectQA scans text for FAQ structure. It returns the pairs and whether
// the document qualifies for Q&A chunking: >=3 pairs covering >=60% of the
// text, or a filename containing "QNA".
func DetectQA(text, filename string) ([]QAPair, bool) {
	return detectQA(text, filename, maxQAAnswerChars)
}

func detectQA(text, filename string, maxAnswer int) ([]QAPair, bool) {
	pairs := extractPairs(text, maxAnswer)
	if len(pairs) == 0 {
		return nil, false
	}

	forced := strings.Contains(strings.ToUpper(filename), "QNA")
	if forced {
		return pairs, true
	}
	if len(pairs) < minQAPairs {
		return pairs, false
	}

	covered := 0
	for _, p := range pairs {
		covered += p.End - p.Start
	}
	total := len(strings.TrimSpace(text))
	if total == 0 {
		return pairs, false
	}
	return pairs, float64(covered)/float64(total) >= minQACoverage
}

// extractPairs pairs each question line with the text up to the next
// question or end of document. Oversized answers are dropped; their span
// falls back to the recursive chunker via UncoveredText.
func extractPairs(text string, maxAnswer int) []QAPair {
	starts := questionStarts(text)
	if len(starts) == 0 {
		return nil
	}

	var pairs []QAPair
	for i, loc := range starts {
		qStart, qEnd := loc[0], loc[1]
		answerEnd := len(text)
		if i+1 < len(starts) {
			answerEnd = starts[i+1][0]
		}

		question := strings.TrimSpace(text[qStart:qEnd])
		answer := strings.TrimSpace(text[qEnd:answerEnd])
		if question == "" || answer == "" {
			continue
		}
		if len(answer) > maxAnswer {
			continue
		}
		pairs = append(pairs, QAPair{
			Question: question,
			Answer:   answer,
			Start:    qStart,
			End:      answerEnd,
		})
	}
	return pairs
}

// UncoveredText returns the spans no pair claims: preamble before the first
// question, gaps left by dropped pairs, and any tail. Callers index these as
// regular chunks so qualifying as a FAQ never loses text.
func UncoveredText(text string, pairs []QAPair) []string {
	var spans []string
	pos := 0
	for _, p := range pairs {
		if p.Start > pos {
			if s := strings.TrimSpace(text[pos:p.Start]); s != "" {
				spans = append(spans, s)
			}
		}
		if p.End > pos {
			pos = p.End
		}
	}
	if pos < len(text) {
		if s := strings.TrimSpace(text[pos:]); s != "" {
			spans = append(spans, s)
		}
	}
	return spans
}

// questionStarts merges both question patterns into one ordered, deduped
// list of [start,end) line locations.
func questionStarts(text string) [][]int {
	locs := invertedQuestionRE.FindAllStringIndex(text, -1)
	for _, l := range plainQuestionRE.FindAllStringIndex(text, -1) {
		duplicate := false
		for _, existing := range locs {
			if l[0] == existing[0] {
				duplicate = true
				break
			}
		}
		if !duplicate {
			locs = append(locs, l)
		}
	}

	// Insertion sort keeps this simple; question counts are small.
	for i := 1; i < len(locs); i++ {
		for j := i; j > 0 && locs[j][0] < locs[j-1][0]; j-- {
			locs[j], locs[j-1] = locs[j-1], locs[j]
		}
	}
	return locs
}
