package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/clients/docparse"
	"github.com/hsn0918/docqa/internal/clients/embedding"
	"github.com/hsn0918/docqa/internal/logger"
)

const (
	// Embedding dimensions per collection. Regular chunks use the truncated
	// space the hybrid index was built for, Q&A pairs keep the full vector.
	RegularDimensions = 512
	QnADimensions     = 1024

	// embedBatchSize bounds one embedding API call.
	embedBatchSize = 64
)

// Chunker names recorded on the file record.
const (
	ChunkerRecursive = "recursive"
	ChunkerQnA       = "qna"
)

// FileRecord is the per-file ingestion state persisted alongside chunks.
type FileRecord struct {
	Filename        string
	Size            int
	Type            string
	Chunks          int
	VectorsUploaded int
	Namespace       string
	UploadDate      time.Time
	Status          int
	UserID          string
	Language        string
	ChunkerUsed     string
	// ObjectKey locates the raw upload in object storage for re-ingestion.
	ObjectKey string
}

// File status values.
const (
	FileStatusProcessing = 1
	FileStatusDone       = 2
	FileStatusError      = -1
)

// FileStore is what the ingestor needs from the metadata store.
type FileStore interface {
	UpsertFile(ctx context.Context, rec FileRecord) error
}

// Ingestor runs one upload end to end: extract, chunk, embed, save.
type Ingestor struct {
	db          adapters.VectorDB
	embedder    embedding.Embedder
	parser      docparse.Parser
	files       FileStore
	chunker     Chunker
	maxQAAnswer int
}

// Option tunes an Ingestor.
type Option func(*Ingestor)

// WithChunking overrides the recursive chunker's size and overlap.
// Non-positive values keep the defaults.
func WithChunking(size, overlap int) Option {
	return func(ing *Ingestor) {
		if size > 0 {
			ing.chunker.Size = size
		}
		if overlap > 0 {
			ing.chunker.Overlap = overlap
		}
	}
}

// WithQAAnswerLimit overrides the atomic answer cap for FAQ detection.
func WithQAAnswerLimit(limit int) Option {
	return func(ing *Ingestor) {
		if limit > 0 {
			ing.maxQAAnswer = limit
		}
	}
}

func NewIngestor(db adapters.VectorDB, embedder embedding.Embedder, parser docparse.Parser, files FileStore, opts ...Option) *Ingestor {
	ing := &Ingestor{
		db:          db,
		embedder:    embedder,
		parser:      parser,
		files:       files,
		chunker:     DefaultChunker(),
		maxQAAnswer: maxQAAnswerChars,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Process is the queue worker body. Progress moves through fixed bands per
// stage so pollers see steady movement: extracting 10..30, chunking 35..50,
// embedding 55..80, saving 82..90.
func (ing *Ingestor) Process(ctx context.Context, job *JobHandle, payload Payload) error {
	record := FileRecord{
		Filename:   payload.Filename,
		Size:       len(payload.Data),
		Type:       fileType(payload.Filename),
		Namespace:  payload.Namespace,
		UploadDate: time.Now(),
		Status:     FileStatusProcessing,
		ObjectKey:  payload.ObjectKey,
	}
	if err := ing.files.UpsertFile(ctx, record); err != nil {
		logger.Get().Warn("file record write failed", "file", payload.Filename, "error", err)
	}

	chunks, language, chunker, err := ing.run(ctx, job, payload)
	if err != nil {
		record.Status = FileStatusError
		if storeErr := ing.files.UpsertFile(ctx, record); storeErr != nil {
			logger.Get().Warn("file record write failed", "file", payload.Filename, "error", storeErr)
		}
		return err
	}

	record.Status = FileStatusDone
	record.Chunks = chunks
	record.VectorsUploaded = chunks
	record.Language = language
	record.ChunkerUsed = chunker
	if err := ing.files.UpsertFile(ctx, record); err != nil {
		logger.Get().Warn("file record write failed", "file", payload.Filename, "error", err)
	}
	return nil
}

func (ing *Ingestor) run(ctx context.Context, job *JobHandle, payload Payload) (chunks int, language, chunker string, err error) {
	job.SetProgress(StageExtracting, 10)
	pages, err := ing.extract(ctx, job, payload)
	if err != nil {
		return 0, "", "", err
	}
	job.SetProgress(StageExtracting, 30)

	job.SetProgress(StageChunking, 35)
	regular, qna, language, chunker := ing.chunk(pages, payload)
	if len(regular) == 0 && len(qna) == 0 {
		return 0, "", "", fmt.Errorf("chunk %s: %w", payload.Filename, ErrEmptyCorrupt)
	}
	job.SetProgress(StageChunking, 50)

	job.SetProgress(StageEmbedding, 55)
	regularVecs, err := ing.embedAll(ctx, job, chunkTexts(regular), RegularDimensions, 55, embedShare(len(regular), len(qna)))
	if err != nil {
		return 0, "", "", fmt.Errorf("embed %s: %w", payload.Filename, err)
	}
	qnaVecs, err := ing.embedAll(ctx, job, chunkTexts(qna), QnADimensions, 55+embedShare(len(regular), len(qna)), 25-embedShare(len(regular), len(qna)))
	if err != nil {
		return 0, "", "", fmt.Errorf("embed %s: %w", payload.Filename, err)
	}
	job.SetProgress(StageEmbedding, 80)

	job.SetProgress(StageSaving, 82)
	if err := ing.save(ctx, payload.Filename, regular, regularVecs, qna, qnaVecs); err != nil {
		return 0, "", "", fmt.Errorf("save %s: %w", payload.Filename, err)
	}
	job.SetProgress(StageSaving, 90)

	total := len(regular) + len(qna)
	logger.Get().Info("document ingested",
		"file", payload.Filename,
		"chunks", total,
		"qaPairs", len(qna),
		"language", language,
		"chunker", chunker,
	)
	return total, language, chunker, nil
}

func (ing *Ingestor) extract(ctx context.Context, job *JobHandle, payload Payload) ([]PageText, error) {
	onPage := func(page, total int) {
		job.SetOCRPage(page, total)
		if total > 0 {
			job.SetProgress(StageExtracting, 10+20*page/total)
		}
	}
	reader, err := SelectReader(payload.Filename, payload.UseOCR, ing.parser, onPage)
	if err != nil {
		return nil, err
	}
	return reader.Read(ctx, payload.Filename, payload.Data)
}

// chunk decides between Q&A and recursive chunking. A qualifying FAQ document
// produces atomic Q&A chunks plus regular chunks for any text the pairs do
// not cover; everything else is chunked per page.
func (ing *Ingestor) chunk(pages []PageText, payload Payload) (regular, qna []adapters.Chunk, language, chunker string) {
	var full strings.Builder
	for i, p := range pages {
		if i > 0 {
			full.WriteString("\n\n")
		}
		full.WriteString(p.Text)
	}
	fullText := full.String()
	language = DetectLanguage(fullText)
	now := time.Now()

	if pairs, ok := detectQA(fullText, payload.Filename, ing.maxQAAnswer); ok {
		qna = ing.qaChunks(pairs, payload, language, now)
		// Preambles and spans left by dropped pairs still get indexed.
		for _, span := range UncoveredText(fullText, pairs) {
			for _, piece := range ing.chunker.Split(span) {
				regular = append(regular, ing.chunkFromPiece(piece, payload, nil, language, now))
			}
		}
		linkChunks(regular)
		return regular, qna, language, ChunkerQnA
	}

	for _, page := range pages {
		pageNum := page.Page
		for _, piece := range ing.chunker.Split(page.Text) {
			regular = append(regular, ing.chunkFromPiece(piece, payload, &pageNum, language, now))
		}
	}
	linkChunks(regular)
	return regular, nil, language, ChunkerRecursive
}

func (ing *Ingestor) chunkFromPiece(piece Piece, payload Payload, page *int, language string, now time.Time) adapters.Chunk {
	return adapters.Chunk{
		Text:                  piece.Text,
		SourceName:            payload.Filename,
		PageNumber:            page,
		SourceNamespace:       payload.Namespace,
		UploadDate:            now,
		Language:              language,
		ContentWithoutOverlap: piece.ContentWithoutOverlap,
		StartPosition:         piece.Start,
		EndPosition:           piece.End,
	}
}

func (ing *Ingestor) qaChunks(pairs []QAPair, payload Payload, language string, now time.Time) []adapters.Chunk {
	chunks := make([]adapters.Chunk, 0, len(pairs))
	for _, pair := range pairs {
		question := pair.Question
		chunks = append(chunks, adapters.Chunk{
			Text:            pair.Question + "\n" + pair.Answer,
			SourceName:      payload.Filename,
			SourceNamespace: payload.Namespace,
			UploadDate:      now,
			Language:        language,
			IsQAPair:        true,
			QuestionText:    &question,
			StartPosition:   pair.Start,
			EndPosition:     pair.End,
		})
	}
	linkChunks(chunks)
	return chunks
}

// linkChunks assigns contiguous indices and prev/next links across the whole
// document.
func linkChunks(chunks []adapters.Chunk) {
	total := len(chunks)
	for i := range chunks {
		chunks[i].ChunkIndex = i
		chunks[i].TotalChunks = total
		chunks[i].ContentWithoutOverlap = nonEmpty(chunks[i].ContentWithoutOverlap, chunks[i].Text)
		if i > 0 {
			prev := i - 1
			chunks[i].PrevChunkIndex = &prev
		}
		if i < total-1 {
			next := i + 1
			chunks[i].NextChunkIndex = &next
		}
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// embedAll embeds texts in batches, advancing progress through the given
// band. The embedding client paces requests itself.
func (ing *Ingestor) embedAll(ctx context.Context, job *JobHandle, texts []string, dims, progressFrom, progressSpan int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		batch, err := ing.embedder.EmbedBatch(ctx, texts[start:end], dims)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
		if progressSpan > 0 {
			job.SetProgress(StageEmbedding, progressFrom+progressSpan*end/len(texts))
		}
	}
	return vectors, nil
}

// save replaces every chunk of the source in both collections.
func (ing *Ingestor) save(ctx context.Context, sourceName string, regular []adapters.Chunk, regularVecs [][]float32, qna []adapters.Chunk, qnaVecs [][]float32) error {
	if err := ing.db.EnsureBothCollectionsExist(ctx); err != nil {
		return err
	}
	if err := ing.db.DeleteBySource(ctx, sourceName); err != nil {
		return err
	}
	if err := ing.db.DeleteBySourceQnA(ctx, sourceName); err != nil {
		return err
	}
	if len(regular) > 0 {
		if err := ing.db.InsertBatch(ctx, regular, regularVecs); err != nil {
			return err
		}
	}
	if len(qna) > 0 {
		if err := ing.db.InsertBatchQnA(ctx, qna, qnaVecs); err != nil {
			return err
		}
	}
	return nil
}

func chunkTexts(chunks []adapters.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return texts
}

// embedShare splits the 25-point embedding band proportionally between the
// regular and Q&A batches.
func embedShare(regular, qna int) int {
	total := regular + qna
	if total == 0 {
		return 0
	}
	return 25 * regular / total
}

func fileType(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 && i < len(filename)-1 {
		return strings.ToLower(filename[i+1:])
	}
	return "bin"
}
