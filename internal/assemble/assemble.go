// Package assemble builds the budget-bounded context string handed to the
// LLM and the citation index used to validate its quotes. ContextByKey holds
// exactly the text the model saw; nothing else may be cited.
package assemble

import (
	"fmt"
	"strings"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/textnorm"
)

const (
	MaxContextChars    = 12000
	MaxChunksTotal     = 10
	MaxChunksPerSource = 4
	MaxCharsPerChunk   = 2400

	sectionSeparator = "\n\n---\n\n"
)

// Bundle is the assembled context plus its citation index.
type Bundle struct {
	Context    string
	UsedChunks int
	Sources    []string
	// ContextByKey maps "Página N" to the exact text the LLM saw for that
	// page. Same-page sections concatenate.
	ContextByKey map[string]string
}

// PageKey builds the citation key for a page number.
func PageKey(page int) string {
	return fmt.Sprintf("Página %d", page)
}

// Limits are the context budget tunables. Zero fields fall back to the
// package defaults.
type Limits struct {
	MaxContextChars    int
	MaxChunksTotal     int
	MaxChunksPerSource int
	MaxCharsPerChunk   int
}

// DefaultLimits returns the stock context budgets.
func DefaultLimits() Limits {
	return Limits{
		MaxContextChars:    MaxContextChars,
		MaxChunksTotal:     MaxChunksTotal,
		MaxChunksPerSource: MaxChunksPerSource,
		MaxCharsPerChunk:   MaxCharsPerChunk,
	}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxContextChars <= 0 {
		l.MaxContextChars = d.MaxContextChars
	}
	if l.MaxChunksTotal <= 0 {
		l.MaxChunksTotal = d.MaxChunksTotal
	}
	if l.MaxChunksPerSource <= 0 {
		l.MaxChunksPerSource = d.MaxChunksPerSource
	}
	if l.MaxCharsPerChunk <= 0 {
		l.MaxCharsPerChunk = d.MaxCharsPerChunk
	}
	return l
}

// Build assembles the context from hits in selection order.
func Build(hits []adapters.Hit, limits Limits) Bundle {
	limits = limits.normalized()
	bundle := Bundle{ContextByKey: make(map[string]string)}
	if len(hits) == 0 {
		return bundle
	}

	uniqueSources := make(map[string]bool)
	for _, h := range hits {
		uniqueSources[h.SourceName] = true
	}
	diversityMode := len(uniqueSources) > 1

	var sections []string
	perSource := make(map[string]int)
	seenSource := make(map[string]bool)
	totalChars := 0
	var prev *adapters.Hit

	for i := range hits {
		h := hits[i]
		if bundle.UsedChunks >= limits.MaxChunksTotal {
			break
		}

		remaining := len(hits) - i
		needed := limits.MaxChunksTotal - bundle.UsedChunks
		if diversityMode && perSource[h.SourceName] >= limits.MaxChunksPerSource && remaining > needed*2 {
			continue
		}

		text := h.Text
		// Consecutive chunks of the same source repeat the chunker overlap;
		// the deduplicated variant avoids showing it twice.
		if prev != nil && prev.SourceName == h.SourceName &&
			h.ChunkIndex == prev.ChunkIndex+1 && h.ContentWithoutOverlap != "" {
			text = h.ContentWithoutOverlap
		}
		// No ellipsis markers: the model must never learn to emit "...".
		text = textnorm.SafeTruncate(text, limits.MaxCharsPerChunk)

		section := fmt.Sprintf("SOURCE %s\n%s", PageKey(h.Page()), text)
		if totalChars+len(section) > limits.MaxContextChars && bundle.UsedChunks > 0 {
			break
		}

		sections = append(sections, section)
		totalChars += len(section) + len(sectionSeparator)
		bundle.UsedChunks++
		perSource[h.SourceName]++
		if !seenSource[h.SourceName] {
			seenSource[h.SourceName] = true
			bundle.Sources = append(bundle.Sources, h.SourceName)
		}

		key := PageKey(h.Page())
		if existing, ok := bundle.ContextByKey[key]; ok {
			bundle.ContextByKey[key] = existing + "\n" + text
		} else {
			bundle.ContextByKey[key] = text
		}
		prev = &hits[i]
	}

	bundle.Context = strings.Join(sections, sectionSeparator)
	return bundle
}
