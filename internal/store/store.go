// Package store persists conversation messages and per-file ingestion records
// in Postgres, next to the vector collections.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hsn0918/docqa/internal/ingest"
	"github.com/hsn0918/docqa/internal/logger"
)

var ErrFileNotFound = errors.New("store: file not found")

// Message is one turn of a conversation, keyed by the caller's message id.
type Message struct {
	MessageID   string
	Role        string
	Model       string
	Content     string
	Temperature float64
	ContactName string
	CreatedAt   time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

var _ ingest.FileStore = (*Store)(nil)

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create metadata pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping metadata database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Get().Info("metadata store connected")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           BIGSERIAL PRIMARY KEY,
	message_id   TEXT NOT NULL UNIQUE,
	role         TEXT NOT NULL,
	model        TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL,
	temperature  DOUBLE PRECISION NOT NULL DEFAULT 0,
	contact_name TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages (contact_name, created_at);

CREATE TABLE IF NOT EXISTS files (
	filename         TEXT PRIMARY KEY,
	size             BIGINT NOT NULL DEFAULT 0,
	type             TEXT NOT NULL DEFAULT '',
	chunks           INTEGER NOT NULL DEFAULT 0,
	vectors_uploaded INTEGER NOT NULL DEFAULT 0,
	namespace        TEXT NOT NULL DEFAULT '',
	upload_date      TIMESTAMPTZ NOT NULL DEFAULT now(),
	status           INTEGER NOT NULL DEFAULT 1,
	user_id          TEXT NOT NULL DEFAULT '',
	language         TEXT NOT NULL DEFAULT '',
	chunker_used     TEXT NOT NULL DEFAULT '',
	object_key       TEXT NOT NULL DEFAULT ''
);
ALTER TABLE files ADD COLUMN IF NOT EXISTS object_key TEXT NOT NULL DEFAULT '';`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure metadata schema: %w", err)
	}
	return nil
}

// SaveMessage upserts by message id so retried requests do not duplicate.
func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, role, model, message, temperature, contact_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO UPDATE SET
			role = EXCLUDED.role,
			model = EXCLUDED.model,
			message = EXCLUDED.message,
			temperature = EXCLUDED.temperature,
			contact_name = EXCLUDED.contact_name`,
		m.MessageID, m.Role, m.Model, m.Content, m.Temperature, m.ContactName)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.MessageID, err)
	}
	return nil
}

// RecentMessages returns the latest turns for one contact in chronological
// order, ready for prompt history.
func (s *Store) RecentMessages(ctx context.Context, contactName string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, role, model, message, temperature, contact_name, created_at
		FROM messages
		WHERE contact_name = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		contactName, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", contactName, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.Role, &m.Model, &m.Content, &m.Temperature, &m.ContactName, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpsertFile writes the file record keyed by filename.
func (s *Store) UpsertFile(ctx context.Context, rec ingest.FileRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (filename, size, type, chunks, vectors_uploaded, namespace,
			upload_date, status, user_id, language, chunker_used, object_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (filename) DO UPDATE SET
			size = EXCLUDED.size,
			type = EXCLUDED.type,
			chunks = EXCLUDED.chunks,
			vectors_uploaded = EXCLUDED.vectors_uploaded,
			namespace = EXCLUDED.namespace,
			upload_date = EXCLUDED.upload_date,
			status = EXCLUDED.status,
			user_id = EXCLUDED.user_id,
			language = EXCLUDED.language,
			chunker_used = EXCLUDED.chunker_used,
			object_key = EXCLUDED.object_key`,
		rec.Filename, rec.Size, rec.Type, rec.Chunks, rec.VectorsUploaded,
		rec.Namespace, rec.UploadDate, rec.Status, rec.UserID, rec.Language, rec.ChunkerUsed, rec.ObjectKey)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", rec.Filename, err)
	}
	return nil
}

// ListFiles returns every file record, most recent upload first.
func (s *Store) ListFiles(ctx context.Context) ([]ingest.FileRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT filename, size, type, chunks, vectors_uploaded, namespace,
			upload_date, status, user_id, language, chunker_used, object_key
		FROM files
		ORDER BY upload_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []ingest.FileRecord
	for rows.Next() {
		var rec ingest.FileRecord
		if err := rows.Scan(&rec.Filename, &rec.Size, &rec.Type, &rec.Chunks,
			&rec.VectorsUploaded, &rec.Namespace, &rec.UploadDate, &rec.Status,
			&rec.UserID, &rec.Language, &rec.ChunkerUsed, &rec.ObjectKey); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetFile loads one record by filename.
func (s *Store) GetFile(ctx context.Context, filename string) (*ingest.FileRecord, error) {
	var rec ingest.FileRecord
	err := s.pool.QueryRow(ctx, `
		SELECT filename, size, type, chunks, vectors_uploaded, namespace,
			upload_date, status, user_id, language, chunker_used, object_key
		FROM files WHERE filename = $1`,
		filename).Scan(&rec.Filename, &rec.Size, &rec.Type, &rec.Chunks,
		&rec.VectorsUploaded, &rec.Namespace, &rec.UploadDate, &rec.Status,
		&rec.UserID, &rec.Language, &rec.ChunkerUsed, &rec.ObjectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", filename, err)
	}
	return &rec, nil
}

// DeleteFile removes the record. Vector chunks are deleted separately.
func (s *Store) DeleteFile(ctx context.Context, filename string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM files WHERE filename = $1`, filename)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	return nil
}

// Ping reports connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
