// Package listdetect finds list structure inside chunk text and detects the
// "declared total vs visible items" mismatch that drives list-aware context
// expansion. Detection operates on raw chunk text, not normalized text, so
// character offsets stay valid for windowed scans.
package listdetect

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern names reported in Result.Patterns.
const (
	PatternBullets  = "bullets"
	PatternNumbered = "numbered"
	PatternCodes    = "codes"
)

// Result describes the list structure found in a chunk.
type Result struct {
	IsList    bool
	ItemCount int
	Patterns  []string
	// ListStart is the byte offset of the earliest strong list line,
	// or -1 when no list was found.
	ListStart int
}

// CountMismatch reports a declared total that exceeds the visible items.
type CountMismatch struct {
	Mismatch      bool
	DeclaredTotal int
	VisibleItems  int
}

const (
	// minSignalMatches: a signal needs at least this many matching lines.
	minSignalMatches = 2

	// declaredWindowChars is scanned immediately before ListStart for a
	// standalone declared total.
	declaredWindowChars = 220

	minDeclaredTotal = 3
	maxDeclaredTotal = 100

	// mismatchSlack: the declared total must exceed the visible items by at
	// least this much before a mismatch fires.
	mismatchSlack = 3

	// plausibilityFloor bounds the gate for small lists: a declared total is
	// plausible while it does not exceed max(visible*3, plausibilityFloor).
	plausibilityFloor = 25
)

var (
	bulletLineRE   = regexp.MustCompile(`(?m)^[ \t]*[-•*◦▪►][ \t]+\S`)
	numberedLineRE = regexp.MustCompile(`(?m)^[ \t]*(?:\d{1,3}|[a-z]|[ivxlcdm]{1,7})[.):-][ \t]*\S`)
	codeRE         = regexp.MustCompile(`EC\d{3,4}(?:\.\d{1,3})?`)

	// standaloneIntRE captures integers for the declared-total scan along
	// with one character of context either side to filter %/$/decimals.
	standaloneIntRE = regexp.MustCompile(`(^|[^0-9.,$%])(\d{1,3})($|[^0-9.%])`)
)

// Detect scans text for list structure. Each of the three signals (bullets,
// numbered/lettered/roman lines, domain codes) must match at least twice to
// count; codes must additionally be distinct.
func Detect(text string) Result {
	res := Result{ListStart: -1}
	if text == "" {
		return res
	}

	itemCount := 0

	if locs := bulletLineRE.FindAllStringIndex(text, -1); len(locs) >= minSignalMatches {
		res.Patterns = append(res.Patterns, PatternBullets)
		itemCount = max(itemCount, len(locs))
		res.ListStart = earliest(res.ListStart, lineStart(text, locs[0][0]))
	}

	if locs := numberedLineRE.FindAllStringIndex(text, -1); len(locs) >= minSignalMatches {
		res.Patterns = append(res.Patterns, PatternNumbered)
		itemCount = max(itemCount, len(locs))
		res.ListStart = earliest(res.ListStart, lineStart(text, locs[0][0]))
	}

	if locs := codeRE.FindAllStringIndex(text, -1); len(locs) >= minSignalMatches {
		if distinctCodes(text) >= minSignalMatches {
			res.Patterns = append(res.Patterns, PatternCodes)
			itemCount = max(itemCount, len(locs))
			res.ListStart = earliest(res.ListStart, locs[0][0])
		}
	}

	res.IsList = len(res.Patterns) > 0
	res.ItemCount = itemCount
	if !res.IsList {
		res.ListStart = -1
	}
	return res
}

// DetectCountMismatch scans the window before the list start for a declared
// total and compares it against the visible item count. The plausibility
// gate rejects phone numbers, IDs and other numeric noise: a declared total
// is only believed while declared <= max(visible*3, 25).
func DetectCountMismatch(text string, list Result) CountMismatch {
	out := CountMismatch{VisibleItems: list.ItemCount}
	if !list.IsList || list.ListStart < 0 {
		return out
	}

	start := list.ListStart - declaredWindowChars
	if start < 0 {
		start = 0
	}
	window := text[start:list.ListStart]

	declared := lastDeclaredTotal(window)
	if declared == 0 {
		return out
	}
	out.DeclaredTotal = declared

	visible := list.ItemCount
	ceiling := visible * 3
	if ceiling < plausibilityFloor {
		ceiling = plausibilityFloor
	}
	out.Mismatch = declared >= visible+mismatchSlack && declared <= ceiling
	return out
}

// lastDeclaredTotal returns the last standalone integer in [3,100] found in
// the window, filtering out numbers adjacent to %, $ or a decimal point.
func lastDeclaredTotal(window string) int {
	declared := 0
	rest := window
	for {
		m := standaloneIntRE.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}
		numStr := rest[m[4]:m[5]]
		if n, err := strconv.Atoi(numStr); err == nil {
			if n >= minDeclaredTotal && n <= maxDeclaredTotal {
				declared = n
			}
		}
		// Resume after the digits; the trailing context character may
		// start the next match.
		rest = rest[m[5]:]
	}
	return declared
}

func distinctCodes(text string) int {
	seen := make(map[string]bool)
	for _, c := range codeRE.FindAllString(text, -1) {
		seen[c] = true
	}
	return len(seen)
}

func lineStart(text string, offset int) int {
	if idx := strings.LastIndexByte(text[:offset], '\n'); idx >= 0 {
		return idx + 1
	}
	return 0
}

func earliest(current, candidate int) int {
	if current < 0 || candidate < current {
		return candidate
	}
	return current
}
