// Package config resolves the process-wide configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fabfab/pdfrag/apperr"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	BlobFS  = "fs"
	BlobGCS = "gcs"

	// ConfigPathEnv names a YAML file read before the environment.
	ConfigPathEnv = "PDFRAG_CONFIG"
)

type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// DiffModel is used for document comparisons; empty means Model.
	DiffModel string `yaml:"diff_model"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// LockConns caps the connections holding per-document advisory locks.
	LockConns   int    `yaml:"lock_conns"`
	SQLitePath  string `yaml:"sqlite_path"`
}

type BlobConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

type GraphConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SearchConfig drives the question-answering pipeline.
type SearchConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	HistoryWindow int    `yaml:"history_window"`
	TopK          int    `yaml:"top_k"`
	ChunkTable    string `yaml:"chunk_table"`
	VectorTable   string `yaml:"vector_table"`
}

// SummaryConfig drives the summarize and diff pipelines.
type SummaryConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	ChunkTable   string `yaml:"chunk_table"`
	SummaryTable string `yaml:"summary_table"`
	Delimiter    string `yaml:"delimiter"`
}

type Config struct {
	Environment string `yaml:"environment"`
	HTTPAddr    string `yaml:"http_addr"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	LLM        LLMConfig       `yaml:"llm"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`
	Storage    StorageConfig   `yaml:"storage"`
	Blob       BlobConfig      `yaml:"blob"`
	Graph      GraphConfig     `yaml:"graph"`
	Search     SearchConfig    `yaml:"search"`
	Summary    SummaryConfig   `yaml:"summary"`
}

func Default() Config {
	return Config{
		Environment: "development",
		HTTPAddr:    ":8080",
		OllamaHost:  "http://localhost:11434",
		LLM: LLMConfig{
			Provider: ProviderOllama,
			Model:    "llama3.1:8b",
		},
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 768,
			BatchSize: 16,
		},
		Storage: StorageConfig{
			Backend:     BackendSQLite,
			PostgresDSN: "postgres://localhost:5432/pdfrag?sslmode=disable",
			LockConns:   4,
			SQLitePath:  "pdfrag.db",
		},
		Blob: BlobConfig{
			Backend: BlobFS,
			Dir:     "pdf_store",
		},
		Search: SearchConfig{
			ChunkSize:     10000,
			ChunkOverlap:  500,
			HistoryWindow: 3,
			TopK:          1,
			ChunkTable:    "chunked_pdf_rag",
			VectorTable:   "vector_store_rag",
		},
		Summary: SummaryConfig{
			ChunkSize:    30000,
			ChunkOverlap: 1000,
			ChunkTable:   "chunked_pdf_sum",
			SummaryTable: "summarized_content",
			Delimiter:    "|",
		},
	}
}

// Load resolves configuration from defaults, an optional YAML file, a .env
// file and the process environment, in increasing order of precedence. An
// empty path falls back to $PDFRAG_CONFIG; a missing .env file is ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, apperr.Config(err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, apperr.Config(fmt.Errorf("load .env: %w", err))
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, apperr.Config(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Environment, "ENVIRONMENT")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.OllamaHost, "OLLAMA_HOST")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.DiffModel, "LLM_DIFF_MODEL")

	setString(&cfg.Embeddings.Provider, "EMBEDDINGS_PROVIDER")
	setString(&cfg.Embeddings.Model, "EMBEDDINGS_MODEL")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH")

	setString(&cfg.Blob.Backend, "BLOB_BACKEND")
	setString(&cfg.Blob.Dir, "DATA_DIR")
	setString(&cfg.Blob.Bucket, "GCS_BUCKET")
	setString(&cfg.Blob.Prefix, "GCS_PREFIX")

	setString(&cfg.Graph.URI, "NEO4J_URI")
	setString(&cfg.Graph.User, "NEO4J_USERNAME")
	setString(&cfg.Graph.Password, "NEO4J_PASSWORD")

	setString(&cfg.Search.ChunkTable, "SEARCH_CHUNK_TABLE")
	setString(&cfg.Search.VectorTable, "SEARCH_VECTOR_TABLE")
	setString(&cfg.Summary.ChunkTable, "SUMMARY_CHUNK_TABLE")
	setString(&cfg.Summary.SummaryTable, "SUMMARY_TABLE")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Embeddings.Dimension, "EMBEDDINGS_DIMENSION"},
		{&cfg.Embeddings.BatchSize, "EMBEDDINGS_BATCH_SIZE"},
		{&cfg.Storage.LockConns, "POSTGRES_LOCK_CONNS"},
		{&cfg.Search.ChunkSize, "SEARCH_CHUNK_SIZE"},
		{&cfg.Search.ChunkOverlap, "SEARCH_CHUNK_OVERLAP"},
		{&cfg.Search.HistoryWindow, "HISTORY_WINDOW"},
		{&cfg.Search.TopK, "RETRIEVAL_TOP_K"},
		{&cfg.Summary.ChunkSize, "SUMMARY_CHUNK_SIZE"},
		{&cfg.Summary.ChunkOverlap, "SUMMARY_CHUNK_OVERLAP"},
	}
	for _, item := range ints {
		if err := setInt(item.dst, item.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

// DiffModel returns the model used for document comparisons.
func (c Config) DiffModel() string {
	if c.LLM.DiffModel != "" {
		return c.LLM.DiffModel
	}
	return c.LLM.Model
}

// GraphEnabled reports whether a Neo4j provenance graph is configured.
func (c Config) GraphEnabled() bool {
	return c.Graph.URI != ""
}

// Validate reports every missing or inconsistent option as one ConfigError.
func (c Config) Validate() error {
	var problems []string

	checkProvider := func(name, provider string) {
		switch provider {
		case ProviderOllama:
		case ProviderOpenAI:
			if c.OpenAIAPIKey == "" {
				problems = append(problems, fmt.Sprintf("%s provider openai requires OPENAI_API_KEY", name))
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown %s provider %q", name, provider))
		}
	}
	checkProvider("llm", c.LLM.Provider)
	checkProvider("embeddings", c.Embeddings.Provider)

	if c.LLM.Model == "" {
		problems = append(problems, "llm model is required")
	}
	if c.Embeddings.Model == "" {
		problems = append(problems, "embeddings model is required")
	}
	if c.Embeddings.Dimension <= 0 {
		problems = append(problems, "embeddings dimension must be positive")
	}

	checkChunking := func(name string, size, overlap int) {
		if size <= 0 {
			problems = append(problems, fmt.Sprintf("%s chunk size must be positive", name))
		}
		if overlap < 0 || overlap >= size {
			problems = append(problems, fmt.Sprintf("%s chunk overlap must be in [0, chunk size)", name))
		}
	}
	checkChunking("search", c.Search.ChunkSize, c.Search.ChunkOverlap)
	checkChunking("summary", c.Summary.ChunkSize, c.Summary.ChunkOverlap)

	if c.Search.HistoryWindow <= 0 {
		problems = append(problems, "history window must be positive")
	}
	if c.Search.TopK <= 0 {
		problems = append(problems, "retrieval top-k must be positive")
	}
	if c.Summary.Delimiter == "" {
		problems = append(problems, "summary delimiter is required")
	}

	tables := []string{c.Search.ChunkTable, c.Search.VectorTable, c.Summary.ChunkTable, c.Summary.SummaryTable}
	for _, table := range tables {
		if table == "" {
			problems = append(problems, "table names are required")
			break
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "postgres backend requires POSTGRES_DSN")
		}
		if c.Storage.LockConns <= 0 {
			problems = append(problems, "POSTGRES_LOCK_CONNS must be positive")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "sqlite backend requires SQLITE_PATH")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Blob.Backend {
	case BlobFS:
		if c.Blob.Dir == "" {
			problems = append(problems, "fs blob backend requires DATA_DIR")
		}
	case BlobGCS:
		if c.Blob.Bucket == "" {
			problems = append(problems, "gcs blob backend requires GCS_BUCKET")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown blob backend %q", c.Blob.Backend))
	}

	if len(problems) > 0 {
		return apperr.Config(errors.New(strings.Join(problems, "; ")))
	}
	return nil
}
