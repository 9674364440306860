package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaHost = "http://localhost:11434"

// ollamaEmbedder calls the batch /api/embed endpoint, one request per Embed.
type ollamaEmbedder struct {
	endpoint  string
	model     string
	dimension int
	http      *http.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

func NewOllamaEmbedder(opts Options) Embedder {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = defaultOllamaHost
	}
	return &ollamaEmbedder{
		endpoint:  host + "/api/embed",
		model:     opts.Model,
		dimension: opts.Dimension,
		http:      &http.Client{Timeout: 2 * time.Minute},
	}
}

func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama embed API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("ollama embed API returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode ollama embed response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("ollama embed error: %s", parsed.Error)
	}
	if err := checkEmbeddings(parsed.Embeddings, len(texts), e.dimension); err != nil {
		return nil, fmt.Errorf("ollama model %s: %w", e.model, err)
	}
	return parsed.Embeddings, nil
}

// checkEmbeddings validates a provider reply against the request shape.
func checkEmbeddings(vectors [][]float32, want, dimension int) error {
	if len(vectors) != want {
		return fmt.Errorf("got %d embeddings for %d inputs", len(vectors), want)
	}
	for i, vec := range vectors {
		if len(vec) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		if dimension > 0 && len(vec) != dimension {
			return fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vec), dimension)
		}
	}
	return nil
}
