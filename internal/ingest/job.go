package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsn0918/docqa/internal/logger"
)

// Job status and stage values exposed to pollers.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

type JobStage string

const (
	StageExtracting JobStage = "extracting"
	StageChunking   JobStage = "chunking"
	StageEmbedding  JobStage = "embedding"
	StageSaving     JobStage = "saving"
	StageDone       JobStage = "done"
)

// Job is the polled state of one ingestion.
type Job struct {
	ID            string     `json:"id"`
	Filename      string     `json:"filename"`
	Status        JobStatus  `json:"status"`
	Stage         JobStage   `json:"stage"`
	Progress      int        `json:"progress"`
	OCRPage       int        `json:"ocrPage,omitempty"`
	OCRTotalPages int        `json:"ocrTotalPages,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Payload is one queued ingestion request.
type Payload struct {
	Filename  string
	Data      []byte
	Namespace string
	UseOCR    bool
	// ObjectKey references the raw upload in object storage, when retained.
	ObjectKey string
}

// completedJobRetention keeps finished jobs pollable for a while.
const completedJobRetention = time.Hour

// Queue is the in-memory FIFO job queue with a single worker. Jobs are
// processed in enqueue order; for the same source the last completed
// ingestion wins because saving deletes before inserting.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending chan queued
	done    chan struct{}
}

type queued struct {
	id      string
	payload Payload
}

const queueCapacity = 256

func NewQueue() *Queue {
	return &Queue{
		jobs:    make(map[string]*Job),
		pending: make(chan queued, queueCapacity),
		done:    make(chan struct{}),
	}
}

// Add enqueues a payload and returns the job id.
func (q *Queue) Add(payload Payload) string {
	id := uuid.New().String()
	q.mu.Lock()
	q.jobs[id] = &Job{
		ID:        id,
		Filename:  payload.Filename,
		Status:    StatusPending,
		Stage:     StageExtracting,
		CreatedAt: time.Now(),
	}
	q.mu.Unlock()

	q.pending <- queued{id: id, payload: payload}
	return id
}

// GetStatus returns a snapshot of the job, or nil when unknown or expired.
func (q *Queue) GetStatus(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil
	}
	snapshot := *j
	return &snapshot
}

// Size reports how many jobs are waiting.
func (q *Queue) Size() int {
	return len(q.pending)
}

// Run consumes the queue until the context ends. It is the single worker:
// ingestion is strictly serial.
func (q *Queue) Run(ctx context.Context, process func(ctx context.Context, job *JobHandle, payload Payload) error) {
	defer close(q.done)
	sweep := time.NewTicker(10 * time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			q.expire()
		case item := <-q.pending:
			q.runOne(ctx, item, process)
		}
	}
}

// Wait blocks until the worker loop has exited.
func (q *Queue) Wait() {
	<-q.done
}

func (q *Queue) runOne(ctx context.Context, item queued, process func(ctx context.Context, job *JobHandle, payload Payload) error) {
	handle := &JobHandle{queue: q, id: item.id}
	handle.update(func(j *Job) {
		j.Status = StatusProcessing
	})

	err := process(ctx, handle, item.payload)
	now := time.Now()
	handle.update(func(j *Job) {
		j.CompletedAt = &now
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusCompleted
		j.Stage = StageDone
		j.Progress = 100
	})

	if err != nil {
		logger.Get().Error("ingestion job failed",
			"job", item.id,
			"file", item.payload.Filename,
			"error", err,
		)
	}
}

// expire drops completed and failed jobs past the retention window.
func (q *Queue) expire() {
	cutoff := time.Now().Add(-completedJobRetention)
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, j := range q.jobs {
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

// JobHandle lets the processing function publish progress updates.
type JobHandle struct {
	queue *Queue
	id    string
}

// SetProgress publishes the current stage and progress percentage.
func (h *JobHandle) SetProgress(stage JobStage, progress int) {
	h.update(func(j *Job) {
		j.Stage = stage
		j.Progress = progress
	})
}

// SetOCRPage publishes per-page OCR progress within the extracting stage.
func (h *JobHandle) SetOCRPage(page, total int) {
	h.update(func(j *Job) {
		j.OCRPage = page
		j.OCRTotalPages = total
	})
}

func (h *JobHandle) update(fn func(*Job)) {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	if j, ok := h.queue.jobs[h.id]; ok {
		fn(j)
	}
}
