// Package adapters wraps the vector database behind the VectorDB interface:
// hybrid (BM25+vector) search across the regular and QnA collections,
// neighbor fetch by index, batch insert and replace-on-reingest deletes.
package adapters

import (
	"context"
	"time"
)

// Chunk is the unit of retrieval. Chunks are immutable after ingestion.
// Metadata access is a flat struct: hits normalize at this boundary, there
// is no secondary properties bag.
type Chunk struct {
	Text                  string
	SourceName            string
	ChunkIndex            int
	TotalChunks           int
	PrevChunkIndex        *int
	NextChunkIndex        *int
	PageNumber            *int
	SourceNamespace       string
	UploadDate            time.Time
	Language              string
	ContentWithoutOverlap string
	IsQAPair              bool
	QuestionText          *string
	StartPosition         int
	EndPosition           int
}

// Page returns the chunk's page number, defaulting to 1 when the reader did
// not report one. Citation keys are built from this value.
func (c Chunk) Page() int {
	if c.PageNumber != nil {
		return *c.PageNumber
	}
	return 1
}

// Hit is a retrieval result scoped to one query.
type Hit struct {
	Chunk

	// Score is the hybrid score from fusion.
	Score float64
	// FinalScore is the score after source-aggregation boosting.
	FinalScore float64
	// Boost and SourceBoost record how FinalScore was derived.
	Boost       float64
	SourceBoost float64
	// IsWindowExpansion marks chunks added by the context expander rather
	// than retrieved directly.
	IsWindowExpansion bool
}

// ChunkRef addresses one chunk by source and index for batched exact fetch.
type ChunkRef struct {
	SourceName string
	ChunkIndex int
}

// VectorDB defines the operations the pipelines need from the vector store.
type VectorDB interface {
	// SearchHybridBoth issues one hybrid query per collection (regular with
	// a dimension-truncated embedding, QnA with the full embedding) and
	// merges results ranked by fused score. Ties keep insertion order.
	SearchHybridBoth(ctx context.Context, bm25Query string, embedding []float32, limit int, alpha float64, fusion FusionMode) ([]Hit, error)

	// SearchByVector is the pure-vector fallback used when hybrid search is
	// unavailable.
	SearchByVector(ctx context.Context, embedding []float32, limit int) ([]Hit, error)

	// GetChunksByIDs fetches specific chunk indices of one source from the
	// regular collection. Used by the similarity expander.
	GetChunksByIDs(ctx context.Context, sourceName string, indices []int) ([]Chunk, error)

	// GetChunksBySourceAndIndex is the batched exact fetch used by ordered
	// expansion.
	GetChunksBySourceAndIndex(ctx context.Context, refs []ChunkRef) ([]Chunk, error)

	InsertBatch(ctx context.Context, chunks []Chunk, vectors [][]float32) error
	InsertBatchQnA(ctx context.Context, chunks []Chunk, vectors [][]float32) error

	// DeleteBySource removes every chunk of a source from one collection.
	// Re-ingestion calls both before inserting.
	DeleteBySource(ctx context.Context, sourceName string) error
	DeleteBySourceQnA(ctx context.Context, sourceName string) error

	// EnsureBothCollectionsExist is the idempotent schema bootstrap.
	EnsureBothCollectionsExist(ctx context.Context) error

	Close()
}
