// Package ingest turns uploaded documents into indexed chunks: reader
// dispatch, Q&A-aware chunking, paced embedding and dual-collection saving,
// driven by a single background worker with polled job progress.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	"github.com/hsn0918/docqa/internal/clients/docparse"
	"github.com/hsn0918/docqa/internal/textnorm"
)

// Reader failure modes. Empty output distinguishes "the file may be scanned,
// retry with OCR" from "the file is unreadable".
var (
	ErrUnsupportedFormat = errors.New("ingest: unsupported file format")
	ErrEmptyNeedsOCR     = errors.New("ingest: no extractable text, el documento parece escaneado, intente con OCR")
	ErrEmptyCorrupt      = errors.New("ingest: no extractable text, el documento está vacío o dañado")
)

// PageText is the extraction unit handed to the chunker.
type PageText struct {
	Page int
	Text string
}

// Reader extracts per-page text from one uploaded file.
type Reader interface {
	Read(ctx context.Context, filename string, data []byte) ([]PageText, error)
}

// ProgressFunc reports per-page OCR progress.
type ProgressFunc func(page, totalPages int)

// SelectReader dispatches on the file extension.
func SelectReader(filename string, useOCR bool, parser docparse.Parser, onPage ProgressFunc) (Reader, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return &pdfReader{parser: parser, ocr: useOCR, onPage: onPage}, nil
	case ".docx", ".doc":
		return &pdfReader{parser: parser, onPage: onPage}, nil
	case ".png", ".jpg", ".jpeg", ".webp", ".tiff":
		// Images always go through OCR.
		return &pdfReader{parser: parser, ocr: true, onPage: onPage}, nil
	case ".md", ".markdown":
		return markdownReader{}, nil
	case ".txt", ".json", ".csv":
		return textReader{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

// textReader treats the whole file as one page of plain text.
type textReader struct{}

func (textReader) Read(_ context.Context, filename string, data []byte) ([]PageText, error) {
	text := string(data)
	// Double-encoded text is valid UTF-8, so check for encoding markers too.
	if textnorm.NeedsRepair(data) || strings.ContainsAny(text, "Ã├") {
		text = textnorm.RepairMojibake(text)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCorrupt, filename)
	}
	return []PageText{{Page: 1, Text: text}}, nil
}

// markdownReader renders markdown to plain text by walking the goldmark AST,
// so headings and list markers do not leak into chunk text.
type markdownReader struct{}

func (markdownReader) Read(_ context.Context, filename string, data []byte) ([]PageText, error) {
	md := goldmark.New()
	source := data
	doc := md.Parser().Parse(gmtext.NewReader(source))

	var sb strings.Builder
	err := ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node.(type) {
		case *ast.Heading, *ast.Paragraph, *ast.ListItem,
			*ast.CodeBlock, *ast.FencedCodeBlock, *ast.Blockquote:
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			writeNodeText(&sb, node, source)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse markdown %s: %w", filename, err)
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCorrupt, filename)
	}
	return []PageText{{Page: 1, Text: text}}, nil
}

func writeNodeText(sb *strings.Builder, node ast.Node, source []byte) {
	if t, ok := node.(*ast.Text); ok {
		sb.Write(t.Segment.Value(source))
		return
	}
	if lines, ok := node.(interface{ Lines() *gmtext.Segments }); ok {
		segs := lines.Lines()
		for i := 0; i < segs.Len(); i++ {
			seg := segs.At(i)
			sb.Write(seg.Value(source))
		}
		if segs.Len() > 0 {
			return
		}
	}
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		writeNodeText(sb, child, source)
	}
}

// pdfReader extracts PDFs, DOCX and images through the docparse service.
type pdfReader struct {
	parser docparse.Parser
	ocr    bool
	onPage ProgressFunc
}

func (r *pdfReader) Read(ctx context.Context, filename string, data []byte) ([]PageText, error) {
	pages, err := r.parser.ParsePDF(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filename, err)
	}

	var out []PageText
	for i, p := range pages {
		if r.onPage != nil {
			r.onPage(i+1, len(pages))
		}
		if strings.TrimSpace(p.Markdown) == "" {
			continue
		}
		out = append(out, PageText{Page: p.PageNumber + 1, Text: p.Markdown})
	}
	if len(out) == 0 {
		if !r.ocr {
			return nil, fmt.Errorf("%w: %s", ErrEmptyNeedsOCR, filename)
		}
		return nil, fmt.Errorf("%w: %s", ErrEmptyCorrupt, filename)
	}
	return out, nil
}

// DetectLanguage is a small stopword-ratio heuristic between Spanish and
// English, the two corpus languages.
func DetectLanguage(text string) string {
	spanish := map[string]bool{
		"el": true, "la": true, "los": true, "las": true, "de": true,
		"que": true, "y": true, "en": true, "un": true, "una": true,
		"por": true, "para": true, "con": true, "del": true, "se": true,
	}
	english := map[string]bool{
		"the": true, "of": true, "and": true, "to": true, "in": true,
		"is": true, "that": true, "for": true, "with": true, "as": true,
	}

	es, en := 0, 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if spanish[w] {
			es++
		}
		if english[w] {
			en++
		}
		if es+en > 200 {
			break
		}
	}
	if en > es {
		return "en"
	}
	return "es"
}
