// Package testutil holds deterministic doubles for the model, blob and
// extraction boundaries.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/blob"
	"github.com/fabfab/pdfrag/extraction"
	"github.com/fabfab/pdfrag/llm"
)

// LLM is a counting completion client. Reply decides the answer for each
// prompt; nil echoes a fixed reply.
type LLM struct {
	Reply func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (l *LLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var parts []string
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	prompt := strings.Join(parts, "\n")

	l.mu.Lock()
	l.prompts = append(l.prompts, prompt)
	l.mu.Unlock()

	if l.Reply == nil {
		return "reply", nil
	}
	return l.Reply(prompt)
}

func (l *LLM) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prompts)
}

func (l *LLM) Prompts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.prompts...)
}

var _ llm.Client = (*LLM)(nil)

// Embedder maps text to letter frequencies over a-z, so texts sharing words
// land close together. It counts the texts it embeds.
type Embedder struct {
	Err error

	mu    sync.Mutex
	texts int
	calls int
}

const Dimension = 26

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, Dimension)
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				vec[r-'a']++
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Texts is the number of texts embedded so far.
func (e *Embedder) Texts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Blobs is an in-memory blob.Store keyed by document id.
type Blobs struct {
	mu      sync.Mutex
	docs    map[string][]byte
	fetches map[string]int
}

func NewBlobs(docs map[string]string) *Blobs {
	b := &Blobs{docs: make(map[string][]byte), fetches: make(map[string]int)}
	for id, text := range docs {
		b.docs[id] = []byte(text)
	}
	return b
}

func (b *Blobs) List(ctx context.Context) ([]blob.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]blob.Document, 0, len(b.docs))
	for id := range b.docs {
		out = append(out, blob.Document{ID: id, Path: id + ".pdf"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Blobs) Fetch(ctx context.Context, id string) (blob.Document, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.docs[id]
	if !ok {
		return blob.Document{}, nil, apperr.NotFound("fetch document", id)
	}
	b.fetches[id]++
	return blob.Document{ID: id, Path: id + ".pdf"}, data, nil
}

func (b *Blobs) Fetches(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches[id]
}

var _ blob.Store = (*Blobs)(nil)

// Extractor treats the bytes as already extracted text. Content starting
// with "FAIL" fails and content starting with "PARTIAL" loses page 2.
type Extractor struct{}

func (Extractor) Extract(ctx context.Context, docID string, data []byte) (extraction.Result, error) {
	text := string(data)
	switch {
	case strings.HasPrefix(text, "FAIL"):
		return extraction.Result{Status: extraction.StatusFailed, Pages: 1, FailedPages: []int{1}},
			apperr.Extraction("extract text", docID, fmt.Errorf("unreadable"))
	case strings.HasPrefix(text, "PARTIAL"):
		return extraction.Result{Text: text, Pages: 2, FailedPages: []int{2}, Status: extraction.StatusPartial}, nil
	case strings.TrimFunc(text, unicode.IsSpace) == "":
		return extraction.Result{Pages: 1, Status: extraction.StatusFailed}, apperr.Extraction("extract text", docID, fmt.Errorf("no text"))
	}
	return extraction.Result{Text: text, Pages: 1, Status: extraction.StatusSuccess}, nil
}

var _ extraction.Extractor = Extractor{}
