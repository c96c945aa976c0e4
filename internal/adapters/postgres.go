package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/hsn0918/docqa/internal/logger"
)

var (
	// ErrBatchSizeMismatch is returned when chunks and vectors differ in length.
	ErrBatchSizeMismatch = errors.New("adapters: chunk and vector counts differ")
	// ErrEmptyQuery is returned when hybrid search receives no usable signal.
	ErrEmptyQuery = errors.New("adapters: empty query")
)

// CollectionSpec names one table and the embedding width it stores.
type CollectionSpec struct {
	Table      string
	Dimensions int
}

// PostgresVectorDB implements VectorDB on PostgreSQL with pgvector. Lexical
// ranking uses the Spanish text-search configuration over a generated
// tsvector column; fusion of the two signals happens in Go so both fusion
// modes share one SQL shape.
type PostgresVectorDB struct {
	pool    *pgxpool.Pool
	regular CollectionSpec
	qna     CollectionSpec
}

var _ VectorDB = (*PostgresVectorDB)(nil)

// NewPostgresVectorDB connects, verifies the connection and bootstraps both
// collections.
func NewPostgresVectorDB(ctx context.Context, dsn string, regular, qna CollectionSpec) (*PostgresVectorDB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &PostgresVectorDB{pool: pool, regular: regular, qna: qna}
	if err := db.EnsureBothCollectionsExist(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Get().Info("vector store ready",
		"regular_table", regular.Table,
		"qna_table", qna.Table,
	)
	return db, nil
}

// EnsureBothCollectionsExist creates the extension, tables and indexes if
// missing. Safe to call more than once.
func (db *PostgresVectorDB) EnsureBothCollectionsExist(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("enable pgvector extension: %w", err)
	}
	for _, spec := range []CollectionSpec{db.regular, db.qna} {
		if err := db.ensureCollection(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (db *PostgresVectorDB) ensureCollection(ctx context.Context, spec CollectionSpec) error {
	createTable := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		source_name TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL DEFAULT 0,
		prev_chunk_index INTEGER,
		next_chunk_index INTEGER,
		page_number INTEGER,
		source_namespace TEXT NOT NULL DEFAULT '',
		upload_date TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		language TEXT NOT NULL DEFAULT 'es',
		content TEXT NOT NULL,
		content_without_overlap TEXT NOT NULL DEFAULT '',
		is_qa_pair BOOLEAN NOT NULL DEFAULT FALSE,
		question_text TEXT,
		start_position INTEGER NOT NULL DEFAULT 0,
		end_position INTEGER NOT NULL DEFAULT 0,
		embedding vector(%d),
		tsv tsvector GENERATED ALWAYS AS (to_tsvector('spanish', content)) STORED,
		UNIQUE (source_name, chunk_index)
	)`, spec.Table, spec.Dimensions)
	if _, err := db.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Table, err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)", spec.Table, spec.Table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_tsv_idx ON %s USING gin (tsv)", spec.Table, spec.Table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source_name, chunk_index)", spec.Table, spec.Table),
	}
	for _, stmt := range indexes {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index on %s: %w", spec.Table, err)
		}
	}
	return nil
}

const chunkColumns = `source_name, chunk_index, total_chunks, prev_chunk_index,
	next_chunk_index, page_number, source_namespace, upload_date, language,
	content, content_without_overlap, is_qa_pair, question_text,
	start_position, end_position`

// SearchHybridBoth runs one hybrid query per collection and merges the fused
// rankings by score. The regular collection receives the truncated embedding;
// the QnA collection receives the full one.
func (db *PostgresVectorDB) SearchHybridBoth(ctx context.Context, bm25Query string, embedding []float32, limit int, alpha float64, fusion FusionMode) ([]Hit, error) {
	if strings.TrimSpace(bm25Query) == "" && len(embedding) == 0 {
		return nil, ErrEmptyQuery
	}

	regularHits, err := db.searchHybrid(ctx, db.regular, bm25Query, truncateVector(embedding, db.regular.Dimensions), limit, alpha, fusion)
	if err != nil {
		return nil, err
	}
	qnaHits, err := db.searchHybrid(ctx, db.qna, bm25Query, embedding, limit, alpha, fusion)
	if err != nil {
		return nil, err
	}

	merged := append(regularHits, qnaHits...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// searchHybrid gathers the union of the top vector and top keyword candidates
// of one collection together with both raw scores, then fuses them.
func (db *PostgresVectorDB) searchHybrid(ctx context.Context, spec CollectionSpec, bm25Query string, embedding []float32, limit int, alpha float64, fusion FusionMode) ([]Hit, error) {
	query := fmt.Sprintf(`
	WITH vec AS (
		SELECT id, 1 - (embedding <=> $1) AS vec_score
		FROM %[1]s
		ORDER BY embedding <=> $1
		LIMIT $3
	), kw AS (
		SELECT id, ts_rank_cd(tsv, plainto_tsquery('spanish', $2)) AS bm25_score
		FROM %[1]s
		WHERE tsv @@ plainto_tsquery('spanish', $2)
		ORDER BY bm25_score DESC
		LIMIT $3
	)
	SELECT %[2]s, COALESCE(vec.vec_score, 0), COALESCE(kw.bm25_score, 0)
	FROM %[1]s c
	JOIN (SELECT id FROM vec UNION SELECT id FROM kw) ids ON ids.id = c.id
	LEFT JOIN vec ON vec.id = c.id
	LEFT JOIN kw ON kw.id = c.id
	ORDER BY COALESCE(vec.vec_score, 0) DESC, c.source_name, c.chunk_index`,
		spec.Table, prefixColumns("c"))

	rows, err := db.pool.Query(ctx, query, pgvector.NewVector(embedding), bm25Query, limit)
	if err != nil {
		return nil, fmt.Errorf("hybrid search on %s: %w", spec.Table, err)
	}
	defer rows.Close()

	var candidates []signalHit
	for rows.Next() {
		var c Chunk
		var vecScore, bm25Score float64
		if err := scanChunk(rows, &c, &vecScore, &bm25Score); err != nil {
			return nil, fmt.Errorf("scan hybrid row from %s: %w", spec.Table, err)
		}
		candidates = append(candidates, signalHit{
			hit:       Hit{Chunk: c},
			vecScore:  vecScore,
			bm25Score: bm25Score,
			order:     len(candidates),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hybrid rows from %s: %w", spec.Table, err)
	}

	return fuse(candidates, alpha, fusion), nil
}

// SearchByVector is the pure-vector fallback over the regular collection.
func (db *PostgresVectorDB) SearchByVector(ctx context.Context, embedding []float32, limit int) ([]Hit, error) {
	if len(embedding) == 0 {
		return nil, ErrEmptyQuery
	}
	query := fmt.Sprintf(`
	SELECT %s, 1 - (embedding <=> $1) AS vec_score
	FROM %s
	ORDER BY embedding <=> $1
	LIMIT $2`, chunkColumns, db.regular.Table)

	rows, err := db.pool.Query(ctx, query, pgvector.NewVector(truncateVector(embedding, db.regular.Dimensions)), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search on %s: %w", db.regular.Table, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var c Chunk
		var score float64
		if err := scanChunkWithScore(rows, &c, &score); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		hits = append(hits, Hit{Chunk: c, Score: score, FinalScore: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}
	return hits, nil
}

// GetChunksByIDs fetches the given chunk indices of one source from the
// regular collection, ordered by index.
func (db *PostgresVectorDB) GetChunksByIDs(ctx context.Context, sourceName string, indices []int) ([]Chunk, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE source_name = $1 AND chunk_index = ANY($2)
	ORDER BY chunk_index`, chunkColumns, db.regular.Table)

	rows, err := db.pool.Query(ctx, query, sourceName, indices)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks of %s: %w", sourceName, err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// GetChunksBySourceAndIndex fetches an arbitrary set of (source, index) pairs
// in one round trip.
func (db *PostgresVectorDB) GetChunksBySourceAndIndex(ctx context.Context, refs []ChunkRef) ([]Chunk, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	sources := make([]string, len(refs))
	indices := make([]int, len(refs))
	for i, r := range refs {
		sources[i] = r.SourceName
		indices[i] = r.ChunkIndex
	}

	// unnest keeps the pairing between the two arrays.
	query := fmt.Sprintf(`
	SELECT %s FROM %s c
	JOIN unnest($1::text[], $2::int[]) AS want(source_name, chunk_index)
	ON c.source_name = want.source_name AND c.chunk_index = want.chunk_index
	ORDER BY c.source_name, c.chunk_index`, prefixColumns("c"), db.regular.Table)

	rows, err := db.pool.Query(ctx, query, sources, indices)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk refs: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// InsertBatch writes chunks and their embeddings into the regular collection.
func (db *PostgresVectorDB) InsertBatch(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	return db.insertBatch(ctx, db.regular, chunks, vectors)
}

// InsertBatchQnA writes atomic question-answer chunks into the QnA collection.
func (db *PostgresVectorDB) InsertBatchQnA(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	return db.insertBatch(ctx, db.qna, chunks, vectors)
}

func (db *PostgresVectorDB) insertBatch(ctx context.Context, spec CollectionSpec, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d vectors", ErrBatchSizeMismatch, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	insert := fmt.Sprintf(`
	INSERT INTO %s (%s, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (source_name, chunk_index) DO UPDATE SET
		total_chunks = EXCLUDED.total_chunks,
		prev_chunk_index = EXCLUDED.prev_chunk_index,
		next_chunk_index = EXCLUDED.next_chunk_index,
		page_number = EXCLUDED.page_number,
		source_namespace = EXCLUDED.source_namespace,
		upload_date = EXCLUDED.upload_date,
		language = EXCLUDED.language,
		content = EXCLUDED.content,
		content_without_overlap = EXCLUDED.content_without_overlap,
		is_qa_pair = EXCLUDED.is_qa_pair,
		question_text = EXCLUDED.question_text,
		start_position = EXCLUDED.start_position,
		end_position = EXCLUDED.end_position,
		embedding = EXCLUDED.embedding`,
		spec.Table, strings.Join(columnNames(), ", "))

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(insert,
			c.SourceName, c.ChunkIndex, c.TotalChunks, c.PrevChunkIndex,
			c.NextChunkIndex, c.PageNumber, c.SourceNamespace, c.UploadDate,
			c.Language, c.Text, c.ContentWithoutOverlap, c.IsQAPair,
			c.QuestionText, c.StartPosition, c.EndPosition,
			pgvector.NewVector(vectors[i]),
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert into %s: %w", spec.Table, err)
		}
	}
	return nil
}

// DeleteBySource removes every chunk of one source from the regular
// collection.
func (db *PostgresVectorDB) DeleteBySource(ctx context.Context, sourceName string) error {
	return db.deleteBySource(ctx, db.regular, sourceName)
}

// DeleteBySourceQnA removes every chunk of one source from the QnA collection.
func (db *PostgresVectorDB) DeleteBySourceQnA(ctx context.Context, sourceName string) error {
	return db.deleteBySource(ctx, db.qna, sourceName)
}

func (db *PostgresVectorDB) deleteBySource(ctx context.Context, spec CollectionSpec, sourceName string) error {
	tag, err := db.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE source_name = $1", spec.Table), sourceName)
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", sourceName, spec.Table, err)
	}
	if tag.RowsAffected() > 0 {
		logger.Get().Info("removed indexed chunks",
			"source", sourceName,
			"collection", spec.Table,
			"count", tag.RowsAffected(),
		)
	}
	return nil
}

func (db *PostgresVectorDB) Close() {
	db.pool.Close()
}

func columnNames() []string {
	return []string{
		"source_name", "chunk_index", "total_chunks", "prev_chunk_index",
		"next_chunk_index", "page_number", "source_namespace", "upload_date",
		"language", "content", "content_without_overlap", "is_qa_pair",
		"question_text", "start_position", "end_position",
	}
}

func prefixColumns(alias string) string {
	cols := columnNames()
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanChunk(rows pgx.Rows, c *Chunk, vecScore, bm25Score *float64) error {
	return rows.Scan(
		&c.SourceName, &c.ChunkIndex, &c.TotalChunks, &c.PrevChunkIndex,
		&c.NextChunkIndex, &c.PageNumber, &c.SourceNamespace, &c.UploadDate,
		&c.Language, &c.Text, &c.ContentWithoutOverlap, &c.IsQAPair,
		&c.QuestionText, &c.StartPosition, &c.EndPosition,
		vecScore, bm25Score,
	)
}

func scanChunkWithScore(rows pgx.Rows, c *Chunk, score *float64) error {
	return rows.Scan(
		&c.SourceName, &c.ChunkIndex, &c.TotalChunks, &c.PrevChunkIndex,
		&c.NextChunkIndex, &c.PageNumber, &c.SourceNamespace, &c.UploadDate,
		&c.Language, &c.Text, &c.ContentWithoutOverlap, &c.IsQAPair,
		&c.QuestionText, &c.StartPosition, &c.EndPosition,
		score,
	)
}

func collectChunks(rows pgx.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.SourceName, &c.ChunkIndex, &c.TotalChunks, &c.PrevChunkIndex,
			&c.NextChunkIndex, &c.PageNumber, &c.SourceNamespace, &c.UploadDate,
			&c.Language, &c.Text, &c.ContentWithoutOverlap, &c.IsQAPair,
			&c.QuestionText, &c.StartPosition, &c.EndPosition,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}
