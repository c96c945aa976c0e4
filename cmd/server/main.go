// Command server runs the document question-answering API.
package main

import (
	"context"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/hsn0918/docqa/internal/adapters"
	"github.com/hsn0918/docqa/internal/assemble"
	"github.com/hsn0918/docqa/internal/clients/docparse"
	"github.com/hsn0918/docqa/internal/clients/embedding"
	"github.com/hsn0918/docqa/internal/clients/openai"
	"github.com/hsn0918/docqa/internal/config"
	"github.com/hsn0918/docqa/internal/ingest"
	"github.com/hsn0918/docqa/internal/logger"
	"github.com/hsn0918/docqa/internal/pipeline"
	"github.com/hsn0918/docqa/internal/redis"
	"github.com/hsn0918/docqa/internal/rerank"
	"github.com/hsn0918/docqa/internal/retrieval"
	"github.com/hsn0918/docqa/internal/server"
	"github.com/hsn0918/docqa/internal/storage"
	"github.com/hsn0918/docqa/internal/store"
)

func main() {
	app := fx.New(
		fx.WithLogger(func() (fxevent.Logger, error) {
			zl, err := zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
			if err != nil {
				return nil, err
			}
			return &fxevent.ZapLogger{Logger: zl}, nil
		}),
		fx.Provide(
			loadConfig,
			newVectorDB,
			newStore,
			newCache,
			newObjectStore,
			newEmbedder,
			newParser,
			newLLM,
			newJudge,
			newPipeline,
			newIngestor,
			ingest.NewQueue,
			newHandlers,
			server.NewEngine,
			server.NewHTTPServer,
		),
		fx.Invoke(
			startWorker,
			func(*http.Server) {},
		),
	)
	app.Run()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, err
	}
	initLogger := logger.Init
	if cfg.Debug.RAG {
		initLogger = logger.InitDebug
	}
	if err := initLogger(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newVectorDB(lc fx.Lifecycle, cfg *config.Config) (adapters.VectorDB, error) {
	db, err := adapters.NewPostgresVectorDB(context.Background(), cfg.DatabaseDSN(),
		adapters.CollectionSpec{Table: cfg.Collections.Regular, Dimensions: cfg.Collections.Dimensions},
		adapters.CollectionSpec{Table: cfg.Collections.QnA, Dimensions: cfg.Collections.QnADimensions},
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		db.Close()
		return nil
	}})
	return db, nil
}

func newStore(lc fx.Lifecycle, cfg *config.Config) (*store.Store, error) {
	s, err := store.New(context.Background(), cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		s.Close()
		return nil
	}})
	return s, nil
}

// newCache returns nil when Redis is not configured; the pipeline and the
// handlers treat a nil cache as a miss on every lookup.
func newCache(lc fx.Lifecycle, cfg *config.Config) (*redis.Cache, error) {
	if cfg.Redis.Host == "" {
		logger.Get().Info("redis not configured, embedding cache disabled")
		return nil, nil
	}
	c, err := redis.New(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		c.Close()
		return nil
	}})
	return c, nil
}

// newObjectStore returns nil when MinIO is not configured; uploads are then
// kept only as vectors.
func newObjectStore(cfg *config.Config) (*storage.ObjectStore, error) {
	if cfg.MinIO.Endpoint == "" {
		logger.Get().Info("minio not configured, raw uploads not retained")
		return nil, nil
	}
	return storage.New(context.Background(), cfg.MinIO.Endpoint,
		cfg.MinIO.AccessKeyID, cfg.MinIO.SecretAccessKey,
		cfg.MinIO.BucketName, cfg.MinIO.UseSSL)
}

func newEmbedder(cfg *config.Config) embedding.Embedder {
	return embedding.NewClient(cfg.Services.Embedding)
}

func newParser(cfg *config.Config) docparse.Parser {
	return docparse.NewClient(cfg.Services.DocParse)
}

func newLLM(cfg *config.Config) openai.ChatCompleter {
	return openai.NewClient(cfg.Services.LLM)
}

func newJudge(llm openai.ChatCompleter, cfg *config.Config) *rerank.Judge {
	return rerank.NewJudge(llm, cfg.Debug.Full,
		rerank.WithBatchSize(cfg.Retrieval.RerankBatchSize),
		rerank.WithMinCoverage(cfg.Retrieval.MinCoverage),
		rerank.WithMinRelevance(cfg.Retrieval.MinEntailRelevance),
		rerank.WithTrustThreshold(cfg.Retrieval.RetrievalTrust),
		rerank.WithSafetyNet(cfg.Retrieval.SafetyNetTopN),
	)
}

func newPipeline(db adapters.VectorDB, embedder embedding.Embedder, llm openai.ChatCompleter, judge *rerank.Judge, cache *redis.Cache, cfg *config.Config) *pipeline.Pipeline {
	var embedCache pipeline.EmbedCache
	if cache != nil {
		embedCache = cache
	}
	return pipeline.New(db, embedder, llm, judge, embedCache, pipeline.Config{
		EmbedDims:         cfg.Collections.QnADimensions,
		Debug:             cfg.Debug.RAG,
		TargetChunks:      cfg.Retrieval.TargetChunks,
		TotalTargetChunks: cfg.Retrieval.TotalTargetChunks,
		OverFetch:         cfg.Retrieval.OverFetchMult,
		MinTopScoreAnswer: cfg.Retrieval.MinTopScoreAnswer,
		ExpansionBudget:   cfg.Retrieval.ExpansionBudget,
		Retrieval: retrieval.Params{
			TopN:           cfg.Retrieval.CandidateTopN,
			DeltaToTop1:    cfg.Retrieval.DeltaToTop1,
			MMRLambda:      cfg.Retrieval.MMRLambda,
			MMRTarget:      cfg.Retrieval.MMRTarget,
			BoostPerMatch:  cfg.Retrieval.BoostPerMatch,
			MaxSourceBoost: cfg.Retrieval.MaxSourceBoost,
		},
		Assembly: assemble.Limits{
			MaxContextChars:    cfg.Context.MaxContextChars,
			MaxChunksTotal:     cfg.Context.MaxChunksTotal,
			MaxChunksPerSource: cfg.Context.MaxChunksSource,
			MaxCharsPerChunk:   cfg.Context.MaxCharsPerChunk,
		},
	})
}

func newIngestor(db adapters.VectorDB, embedder embedding.Embedder, parser docparse.Parser, s *store.Store, cfg *config.Config) *ingest.Ingestor {
	return ingest.NewIngestor(db, embedder, parser, s,
		ingest.WithChunking(cfg.Chunking.MaxChunkSize, cfg.Chunking.OverlapSize),
		ingest.WithQAAnswerLimit(cfg.Chunking.MaxQnAAnswerChars),
	)
}

func newHandlers(pipe *pipeline.Pipeline, queue *ingest.Queue, s *store.Store, db adapters.VectorDB, objects *storage.ObjectStore, cache *redis.Cache, cfg *config.Config) *server.Handlers {
	var uploads server.Uploader
	if objects != nil {
		uploads = objects
	}
	var jobs server.JobMirror
	if cache != nil {
		jobs = cache
	}
	h := server.NewHandlers(pipe, queue, s, db, uploads, jobs, s, cfg.CompatMojibake)
	h.AddPinger("database", s)
	if cache != nil {
		h.AddPinger("redis", cache)
	}
	return h
}

// startWorker runs the single ingestion worker for the life of the app. The
// worker stops, finishing its current job, before the database closes.
func startWorker(lc fx.Lifecycle, queue *ingest.Queue, ing *ingest.Ingestor) {
	workerCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go queue.Run(workerCtx, ing.Process)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			queue.Wait()
			return nil
		},
	})
}
