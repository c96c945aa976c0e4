package server

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/clients/openai"
	"github.com/hsn0918/docqa/internal/ingest"
	"github.com/hsn0918/docqa/internal/logger"
	"github.com/hsn0918/docqa/internal/pipeline"
	"github.com/hsn0918/docqa/internal/prompts"
	"github.com/hsn0918/docqa/internal/store"
	"github.com/hsn0918/docqa/internal/textnorm"
)

// maxUploadBytes caps one multipart file.
const maxUploadBytes = 50 << 20

// Answerer runs the query pipeline.
type Answerer interface {
	Answer(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// FileCatalog is the metadata store surface the handlers need.
type FileCatalog interface {
	ListFiles(ctx context.Context) ([]ingest.FileRecord, error)
	GetFile(ctx context.Context, filename string) (*ingest.FileRecord, error)
	DeleteFile(ctx context.Context, filename string) error
}

// Uploader persists raw files before ingestion and serves them back for
// re-ingestion. Optional.
type Uploader interface {
	SaveUpload(ctx context.Context, filename, contentType string, data []byte) (string, error)
	Fetch(ctx context.Context, objectKey string) ([]byte, error)
}

// JobMirror keeps job snapshots pollable across process restarts. Optional.
type JobMirror interface {
	SetJobSnapshot(ctx context.Context, job *ingest.Job)
	GetJobSnapshot(ctx context.Context, id string) *ingest.Job
}

// MessageStore persists conversation turns and serves prompt history.
// Optional.
type MessageStore interface {
	SaveMessage(ctx context.Context, m store.Message) error
	RecentMessages(ctx context.Context, contactName string, limit int) ([]store.Message, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers binds the HTTP surface to the pipeline and the ingestion queue.
type Handlers struct {
	pipe           Answerer
	queue          *ingest.Queue
	files          FileCatalog
	db             adapters.VectorDB
	uploads        Uploader
	jobs           JobMirror
	messages       MessageStore
	compatMojibake bool

	pingerNames []string
	pingers     []Pinger
}

func NewHandlers(pipe Answerer, queue *ingest.Queue, files FileCatalog, db adapters.VectorDB, uploads Uploader, jobs JobMirror, messages MessageStore, compatMojibake bool) *Handlers {
	return &Handlers{
		pipe:           pipe,
		queue:          queue,
		files:          files,
		db:             db,
		uploads:        uploads,
		jobs:           jobs,
		messages:       messages,
		compatMojibake: compatMojibake,
	}
}

// AddPinger registers a backend for the health endpoint.
func (h *Handlers) AddPinger(name string, p Pinger) {
	h.pingerNames = append(h.pingerNames, name)
	h.pingers = append(h.pingers, p)
}

func (h *Handlers) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.POST("/query", h.query)
	r.POST("/upload", h.upload)
	r.GET("/job/:id", h.jobStatus)
	r.GET("/files", h.listFiles)
	r.DELETE("/files/:name", h.deleteFile)
	r.POST("/files/:name/reingest", h.reingestFile)
}

func (h *Handlers) health(c *gin.Context) {
	backends := gin.H{}
	healthy := true
	for i, p := range h.pingers {
		if err := p.Ping(c.Request.Context()); err != nil {
			backends[h.pingerNames[i]] = err.Error()
			healthy = false
			continue
		}
		backends[h.pingerNames[i]] = "ok"
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "queueSize": h.queue.Size(), "backends": backends})
}

type queryRequest struct {
	MessageID        string           `json:"messageId"`
	Query            string           `json:"query"`
	Temperature      float64          `json:"temperature"`
	ContactName      string           `json:"contactName"`
	PreviousQuestion string           `json:"previousQuestion"`
	History          []openai.Message `json:"history"`
}

type queryResponse struct {
	Success bool `json:"success"`
	*pipeline.Response
}

func (h *Handlers) query(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "cuerpo de la petición ilegible"})
		return
	}
	if !utf8.Valid(body) {
		if !h.compatMojibake {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "el cuerpo no es UTF-8 válido"})
			return
		}
		body = []byte(textnorm.RepairMojibake(string(body)))
	}

	var req queryRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "JSON inválido"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "query es obligatorio"})
		return
	}

	if len(req.History) == 0 {
		h.loadHistory(c.Request.Context(), &req)
	}

	resp, err := h.pipe.Answer(c.Request.Context(), pipeline.Request{
		MessageID:        req.MessageID,
		Query:            req.Query,
		Temperature:      req.Temperature,
		PreviousQuestion: req.PreviousQuestion,
		History:          req.History,
	})
	if err != nil {
		logger.Get().Error("query failed", "query", req.Query, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "error interno al procesar la consulta"})
		return
	}

	h.persistTurn(c.Request.Context(), req, resp.Answer)
	c.JSON(http.StatusOK, queryResponse{Success: true, Response: resp})
}

// loadHistory fills req.History and PreviousQuestion from the message store
// when the caller sent a contact but no explicit history.
func (h *Handlers) loadHistory(ctx context.Context, req *queryRequest) {
	if h.messages == nil || req.ContactName == "" {
		return
	}
	past, err := h.messages.RecentMessages(ctx, req.ContactName, prompts.MaxHistoryMessages)
	if err != nil {
		logger.Get().Warn("history load failed", "contact", req.ContactName, "error", err)
		return
	}
	var lastUser string
	for _, m := range past {
		req.History = append(req.History, openai.Message{Role: m.Role, Content: m.Content})
		if m.Role == "user" {
			lastUser = m.Content
		}
	}
	if req.PreviousQuestion == "" {
		req.PreviousQuestion = lastUser
	}
}

// persistTurn stores the question and the answer so follow-ups can carry
// history. Failures only cost continuity.
func (h *Handlers) persistTurn(ctx context.Context, req queryRequest, answer string) {
	if h.messages == nil || req.ContactName == "" {
		return
	}
	id := req.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	turns := []store.Message{
		{MessageID: id, Role: "user", Content: req.Query, Temperature: req.Temperature, ContactName: req.ContactName},
		{MessageID: id + ":answer", Role: "assistant", Content: answer, Temperature: req.Temperature, ContactName: req.ContactName},
	}
	for _, m := range turns {
		if err := h.messages.SaveMessage(ctx, m); err != nil {
			logger.Get().Warn("message save failed", "messageId", m.MessageID, "error", err)
		}
	}
}

type processedFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	JobID    string `json:"jobId,omitempty"`
	Queued   bool   `json:"queued"`
	Message  string `json:"message,omitempty"`
}

func (h *Handlers) upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "formulario multipart inválido"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no se adjuntó ningún archivo"})
		return
	}
	namespace := c.PostForm("namespace")
	useOCR := strings.EqualFold(c.PostForm("useOcr"), "true")

	processed := make([]processedFile, 0, len(files))
	for _, fh := range files {
		entry := processedFile{
			Filename: fh.Filename,
			Size:     fh.Size,
			Type:     fh.Header.Get("Content-Type"),
		}
		if fh.Size > maxUploadBytes {
			entry.Message = "el archivo supera el tamaño máximo"
			processed = append(processed, entry)
			continue
		}

		data, err := readMultipartFile(fh)
		if err != nil {
			entry.Message = "no se pudo leer el archivo"
			processed = append(processed, entry)
			continue
		}

		var objectKey string
		if h.uploads != nil {
			key, err := h.uploads.SaveUpload(c.Request.Context(), fh.Filename, entry.Type, data)
			if err != nil {
				logger.Get().Warn("raw upload not stored", "file", fh.Filename, "error", err)
			} else {
				objectKey = key
			}
		}

		id := h.queue.Add(ingest.Payload{
			Filename:  fh.Filename,
			Data:      data,
			Namespace: namespace,
			UseOCR:    useOCR,
			ObjectKey: objectKey,
		})
		entry.JobID = id
		entry.Queued = true
		entry.Message = "en cola para procesamiento"
		processed = append(processed, entry)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "processedFiles": processed})
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handlers) jobStatus(c *gin.Context) {
	id := c.Param("id")
	job := h.queue.GetStatus(id)
	if job != nil {
		if h.jobs != nil {
			h.jobs.SetJobSnapshot(c.Request.Context(), job)
		}
		c.JSON(http.StatusOK, job)
		return
	}
	if h.jobs != nil {
		if snapshot := h.jobs.GetJobSnapshot(c.Request.Context(), id); snapshot != nil {
			c.JSON(http.StatusOK, snapshot)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "trabajo no encontrado"})
}

type fileEntry struct {
	Filename        string `json:"filename"`
	Size            int    `json:"size"`
	Type            string `json:"type"`
	Chunks          int    `json:"chunks"`
	VectorsUploaded int    `json:"vectorsUploaded"`
	Namespace       string `json:"namespace"`
	UploadDate      string `json:"uploadDate"`
	Status          int    `json:"status"`
	Language        string `json:"language"`
	ChunkerUsed     string `json:"chunkerUsed"`
}

func (h *Handlers) listFiles(c *gin.Context) {
	records, err := h.files.ListFiles(c.Request.Context())
	if err != nil {
		logger.Get().Error("list files failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "no se pudieron listar los archivos"})
		return
	}
	out := make([]fileEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, fileEntry{
			Filename:        rec.Filename,
			Size:            rec.Size,
			Type:            rec.Type,
			Chunks:          rec.Chunks,
			VectorsUploaded: rec.VectorsUploaded,
			Namespace:       rec.Namespace,
			UploadDate:      rec.UploadDate.Format("2006-01-02T15:04:05Z07:00"),
			Status:          rec.Status,
			Language:        rec.Language,
			ChunkerUsed:     rec.ChunkerUsed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "files": out})
}

// reingestFile re-queues a known file from its retained upload in object
// storage, replacing its chunks once the job saves.
func (h *Handlers) reingestFile(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()

	if h.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "almacenamiento de archivos no configurado"})
		return
	}
	rec, err := h.files.GetFile(ctx, name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "archivo no encontrado"})
		return
	}
	if rec.ObjectKey == "" {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "el archivo no conserva su original"})
		return
	}

	data, err := h.uploads.Fetch(ctx, rec.ObjectKey)
	if err != nil {
		logger.Get().Error("stored upload fetch failed", "file", name, "objectKey", rec.ObjectKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "no se pudo recuperar el archivo original"})
		return
	}

	useOCR := strings.EqualFold(c.Query("useOcr"), "true")
	id := h.queue.Add(ingest.Payload{
		Filename:  name,
		Data:      data,
		Namespace: rec.Namespace,
		UseOCR:    useOCR,
		ObjectKey: rec.ObjectKey,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "jobId": id, "queued": true})
}

// deleteFile removes the chunks from both collections and then the record.
func (h *Handlers) deleteFile(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()

	if err := h.db.DeleteBySource(ctx, name); err != nil {
		logger.Get().Error("delete chunks failed", "file", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "no se pudieron eliminar los fragmentos"})
		return
	}
	if err := h.db.DeleteBySourceQnA(ctx, name); err != nil {
		logger.Get().Error("delete qna chunks failed", "file", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "no se pudieron eliminar los fragmentos"})
		return
	}
	if err := h.files.DeleteFile(ctx, name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "archivo no encontrado"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": name})
}
