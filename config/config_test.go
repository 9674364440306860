package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/pdfrag/apperr"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pdfrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  model: from-file
  diff_model: reka-flash
search:
  chunk_size: 2000
  chunk_overlap: 100
`), 0o644))

	t.Chdir(dir)
	t.Setenv("LLM_MODEL", "from-env")
	t.Setenv("HISTORY_WINDOW", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, "reka-flash", cfg.DiffModel())
	assert.Equal(t, 2000, cfg.Search.ChunkSize)
	assert.Equal(t, 100, cfg.Search.ChunkOverlap)
	assert.Equal(t, 5, cfg.Search.HistoryWindow)
	assert.Equal(t, 30000, cfg.Summary.ChunkSize)
}

func TestLoadRejectsBadInteger(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RETRIEVAL_TOP_K", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"openai without key", func(c *Config) { c.LLM.Provider = ProviderOpenAI }},
		{"overlap not below size", func(c *Config) { c.Search.ChunkOverlap = c.Search.ChunkSize }},
		{"zero window", func(c *Config) { c.Search.HistoryWindow = 0 }},
		{"zero top-k", func(c *Config) { c.Search.TopK = 0 }},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Backend = BackendPostgres
			c.Storage.PostgresDSN = ""
		}},
		{"postgres without lock connections", func(c *Config) {
			c.Storage.Backend = BackendPostgres
			c.Storage.LockConns = 0
		}},
		{"gcs without bucket", func(c *Config) { c.Blob.Backend = BlobGCS }},
		{"missing table", func(c *Config) { c.Summary.SummaryTable = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrConfig)
		})
	}
}

func TestDiffModelFallsBack(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.LLM.Model, cfg.DiffModel())
}
