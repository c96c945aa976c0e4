// Package config exposes the single settings surface for the docqa service.
// Values come from an optional config.yaml plus the environment variables the
// deployment recognizes (VECTOR_DB_*, EMBEDDING_*, LLM_*, DEBUG_RAG*).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServiceConfig holds connection settings for one external HTTP service.
type ServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// ChunkingConfig controls the recursive chunker used at ingestion time.
type ChunkingConfig struct {
	MaxChunkSize int `mapstructure:"max_chunk_size"`
	OverlapSize  int `mapstructure:"overlap_size"`
	// MaxQnAAnswerChars: Q&A pairs with longer answers fall through to the
	// recursive chunker instead of becoming one atomic chunk.
	MaxQnAAnswerChars int `mapstructure:"max_qna_answer_chars"`
}

// RetrievalConfig tunes the query pipeline. Defaults match production.
type RetrievalConfig struct {
	TargetChunks       int     `mapstructure:"target_chunks"`
	TotalTargetChunks  int     `mapstructure:"total_target_chunks"`
	OverFetchMult      int     `mapstructure:"overfetch_multiplier"`
	CandidateTopN      int     `mapstructure:"candidate_top_n"`
	DeltaToTop1        float64 `mapstructure:"delta_to_top1"`
	MMRLambda          float64 `mapstructure:"mmr_lambda"`
	MMRTarget          int     `mapstructure:"mmr_target"`
	BoostPerMatch      float64 `mapstructure:"boost_per_match"`
	MaxSourceBoost     float64 `mapstructure:"max_source_boost"`
	RetrievalTrust     float64 `mapstructure:"retrieval_trust_threshold"`
	MinTopScoreAnswer  float64 `mapstructure:"min_top_score_answer"`
	RerankBatchSize    int     `mapstructure:"rerank_batch_size"`
	MinCoverage        float64 `mapstructure:"min_coverage_for_rerank"`
	MinEntailRelevance int     `mapstructure:"min_entailment_relevance"`
	SafetyNetTopN      int     `mapstructure:"safety_net_top_n"`
	ExpansionBudget    int     `mapstructure:"expansion_budget_chars"`
}

// ContextConfig caps the assembled context handed to the LLM.
type ContextConfig struct {
	MaxContextChars  int `mapstructure:"max_context_chars"`
	MaxChunksTotal   int `mapstructure:"max_chunks_total"`
	MaxChunksSource  int `mapstructure:"max_chunks_per_source"`
	MaxCharsPerChunk int `mapstructure:"max_chars_per_chunk"`
}

// Config is the read-mostly application configuration, loaded once at startup
// and injected into every constructor by fx.
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DBName   string `mapstructure:"dbname"`
	} `mapstructure:"database"`
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	MinIO struct {
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		BucketName      string `mapstructure:"bucket_name"`
		UseSSL          bool   `mapstructure:"use_ssl"`
	} `mapstructure:"minio"`
	Collections struct {
		Regular       string `mapstructure:"regular"`
		QnA           string `mapstructure:"qna"`
		Dimensions    int    `mapstructure:"dimensions"`
		QnADimensions int    `mapstructure:"qna_dimensions"`
	} `mapstructure:"collections"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Context   ContextConfig   `mapstructure:"context"`
	Services  struct {
		DocParse  ServiceConfig `mapstructure:"docparse"`
		Embedding ServiceConfig `mapstructure:"embedding"`
		LLM       ServiceConfig `mapstructure:"llm"`
	} `mapstructure:"services"`
	Debug struct {
		RAG  bool `mapstructure:"rag"`
		Full bool `mapstructure:"full"`
	} `mapstructure:"debug"`
	// CompatMojibake enables the legacy mojibake repair table on request
	// bodies that fail UTF-8 validation. Off: such requests get a 400.
	CompatMojibake bool `mapstructure:"compat_mojibake"`
}

// DatabaseDSN builds the pgx connection string from the database section.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.Database.User, c.Database.Password,
		c.Database.Host, c.Database.Port, c.Database.DBName)
}

// ServerAddr is the listen address for the HTTP server.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// RedisAddr is the host:port pair for the cache.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// envBindings maps the deployment's environment variables onto config keys.
var envBindings = map[string]string{
	"database.host":              "VECTOR_DB_HOST",
	"database.password":          "VECTOR_DB_API_KEY",
	"collections.regular":        "COLLECTION_NAME",
	"collections.qna":            "QNA_COLLECTION_NAME",
	"collections.dimensions":     "EMBEDDING_DIMENSIONS",
	"collections.qna_dimensions": "EMBEDDING_QNA_DIMENSIONS",
	"services.embedding.base_url": "EMBEDDING_API_URL",
	"services.embedding.model":    "EMBEDDING_MODEL",
	"services.llm.base_url":       "LLM_API_URL",
	"services.llm.api_key":        "LLM_API_KEY",
	"services.llm.model":          "LLM_MODEL",
	"debug.rag":                   "DEBUG_RAG",
	"debug.full":                  "DEBUG_RAG_FULL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "docqa")

	v.SetDefault("collections.regular", "chunks")
	v.SetDefault("collections.qna", "qna_chunks")
	v.SetDefault("collections.dimensions", 512)
	v.SetDefault("collections.qna_dimensions", 1024)

	v.SetDefault("chunking.max_chunk_size", 1200)
	v.SetDefault("chunking.overlap_size", 150)
	v.SetDefault("chunking.max_qna_answer_chars", 3000)

	v.SetDefault("retrieval.target_chunks", 12)
	v.SetDefault("retrieval.total_target_chunks", 20)
	v.SetDefault("retrieval.overfetch_multiplier", 3)
	v.SetDefault("retrieval.candidate_top_n", 24)
	v.SetDefault("retrieval.delta_to_top1", 0.15)
	v.SetDefault("retrieval.mmr_lambda", 0.6)
	v.SetDefault("retrieval.mmr_target", 15)
	v.SetDefault("retrieval.boost_per_match", 0.05)
	v.SetDefault("retrieval.max_source_boost", 0.15)
	v.SetDefault("retrieval.retrieval_trust_threshold", 0.55)
	v.SetDefault("retrieval.min_top_score_answer", 0.6)
	v.SetDefault("retrieval.rerank_batch_size", 8)
	v.SetDefault("retrieval.min_coverage_for_rerank", 0.5)
	v.SetDefault("retrieval.min_entailment_relevance", 6)
	v.SetDefault("retrieval.safety_net_top_n", 2)
	v.SetDefault("retrieval.expansion_budget_chars", 9000)

	v.SetDefault("context.max_context_chars", 12000)
	v.SetDefault("context.max_chunks_total", 10)
	v.SetDefault("context.max_chunks_per_source", 4)
	v.SetDefault("context.max_chars_per_chunk", 2400)

	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.bucket_name", "docqa-uploads")
}

// LoadConfig reads config.yaml from path (optional) and binds environment
// variables. Missing files are tolerated; missing required values surface
// later when the owning client fails to connect.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// errorsAs is a tiny indirection so LoadConfig reads linearly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if err == nil {
		return false
	}
	if cf, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = cf
		return true
	}
	return false
}
