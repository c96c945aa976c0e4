// Package redis caches query embeddings and job snapshots in Redis via
// rueidis. Cache failures never fail a request, they just cost a recompute.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"

	"github.com/hsn0918/docqa/internal/ingest"
	"github.com/hsn0918/docqa/internal/logger"
	"github.com/hsn0918/docqa/internal/pipeline"
)

const (
	embeddingTTL = 24 * time.Hour
	jobTTL       = time.Hour

	embeddingKeyPrefix = "docqa:embed:"
	jobKeyPrefix       = "docqa:job:"
)

type Cache struct {
	client rueidis.Client
}

var _ pipeline.EmbedCache = (*Cache)(nil)

func New(addr, password string, db int) (*Cache, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
		SelectDB:    db,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	return &Cache{client: client}, nil
}

// GetEmbedding returns the cached vector for a query text, if present.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	key := embeddingKey(text)
	raw, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if !rueidis.IsRedisNil(err) {
			logger.Get().Warn("embedding cache read failed", "error", err)
		}
		return nil, false
	}

	var vector []float32
	if err := sonic.Unmarshal(raw, &vector); err != nil {
		logger.Get().Warn("embedding cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return vector, true
}

// SetEmbedding stores the vector with a TTL. Errors are logged and dropped.
func (c *Cache) SetEmbedding(ctx context.Context, text string, vector []float32) {
	raw, err := sonic.Marshal(vector)
	if err != nil {
		return
	}
	cmd := c.client.B().Set().Key(embeddingKey(text)).Value(rueidis.BinaryString(raw)).
		Ex(embeddingTTL).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		logger.Get().Warn("embedding cache write failed", "error", err)
	}
}

// SetJobSnapshot mirrors a job's polled state so status survives restarts of
// the serving process within the retention window.
func (c *Cache) SetJobSnapshot(ctx context.Context, job *ingest.Job) {
	raw, err := sonic.Marshal(job)
	if err != nil {
		return
	}
	cmd := c.client.B().Set().Key(jobKeyPrefix + job.ID).Value(rueidis.BinaryString(raw)).
		Ex(jobTTL).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		logger.Get().Warn("job snapshot write failed", "job", job.ID, "error", err)
	}
}

// GetJobSnapshot loads a mirrored job state, or nil when absent.
func (c *Cache) GetJobSnapshot(ctx context.Context, id string) *ingest.Job {
	raw, err := c.client.Do(ctx, c.client.B().Get().Key(jobKeyPrefix+id).Build()).AsBytes()
	if err != nil {
		return nil
	}
	var job ingest.Job
	if err := sonic.Unmarshal(raw, &job); err != nil {
		return nil
	}
	return &job
}

// Ping reports connectivity for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}

func (c *Cache) Close() {
	c.client.Close()
}

// embeddingKey hashes the query text so arbitrary input stays a fixed-size
// key.
func embeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return embeddingKeyPrefix + hex.EncodeToString(sum[:])
}
