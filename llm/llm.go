// Package llm provides chat completion clients for Ollama and OpenAI.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fabfab/pdfrag/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewClient builds the completion client for the configured model.
func NewClient(cfg config.Config) (Client, error) {
	return NewClientForModel(cfg, cfg.LLM.Model)
}

// NewDiffClient builds the client used for document comparisons.
func NewDiffClient(cfg config.Config) (Client, error) {
	return NewClientForModel(cfg, cfg.DiffModel())
}

var providers = map[string]func(Options) (Client, error){
	config.ProviderOllama: func(opts Options) (Client, error) {
		return NewOllamaClient(opts), nil
	},
	config.ProviderOpenAI: func(opts Options) (Client, error) {
		if opts.OpenAIAPIKey == "" {
			return nil, errors.New("openai completions selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	},
}

// NewClientForModel builds a client of the configured provider for model.
func NewClientForModel(cfg config.Config, model string) (Client, error) {
	if model == "" {
		return nil, errors.New("llm model not configured")
	}
	build, ok := providers[cfg.LLM.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	return build(Options{
		Provider:      cfg.LLM.Provider,
		Model:         model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
}

// Complete sends a single user prompt and returns the trimmed reply.
func Complete(ctx context.Context, client Client, prompt string) (string, error) {
	reply, err := client.Generate(ctx, []Message{{Role: RoleUser, Content: prompt}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
