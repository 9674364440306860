// Package embeddings wraps the embedding providers and maintains the vector
// index of stored chunks.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/pdfrag/config"
)

// Embedder maps texts to vectors, one per input and in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider string
	Model    string
	// Dimension, when positive, is enforced on every returned vector.
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

var providers = map[string]func(Options) (Embedder, error){
	config.ProviderOllama: func(opts Options) (Embedder, error) {
		return NewOllamaEmbedder(opts), nil
	},
	config.ProviderOpenAI: func(opts Options) (Embedder, error) {
		if opts.OpenAIAPIKey == "" {
			return nil, errors.New("openai embeddings selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	},
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
}

// NewEmbedder builds the provider named by the embeddings configuration.
func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := OptionsFromConfig(cfg)
	if opts.Model == "" {
		return nil, errors.New("embedding model not configured")
	}
	build, ok := providers[opts.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
	return build(opts)
}
