package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/logger"
	"github.com/fabfab/pdfrag/store"
)

const (
	defaultBatchSize = 16
	defaultTopK      = 1
)

type IndexOptions struct {
	// BatchSize bounds the number of texts sent per embedding call.
	BatchSize int
	// TopK is the number of matches Retrieve returns when the caller asks
	// for zero.
	TopK int
}

// Index keeps one vector per stored chunk and ranks chunks against queries.
type Index struct {
	chunks    store.ChunkTable
	vectors   store.VectorTable
	locker    store.Locker
	embedder  Embedder
	batchSize int
	topK      int
	logger    *logger.Logger
}

func NewIndex(chunks store.ChunkTable, vectors store.VectorTable, locker store.Locker, embedder Embedder, opts IndexOptions, log *logger.Logger) *Index {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	return &Index{
		chunks:    chunks,
		vectors:   vectors,
		locker:    locker,
		embedder:  embedder,
		batchSize: opts.BatchSize,
		topK:      opts.TopK,
		logger:    logger.OrNop(log),
	}
}

func (i *Index) TopK() int { return i.topK }

// EmbedNewChunks embeds the chunks of docID that have no vector and appends
// them in one batch. It returns the number of vectors written.
func (i *Index) EmbedNewChunks(ctx context.Context, docID string) (int, error) {
	const op = "embed chunks"

	unlock, err := i.locker.Lock(ctx, "vectors:"+docID)
	if err != nil {
		return 0, apperr.Storage(op, docID, fmt.Errorf("lock document: %w", err))
	}
	defer unlock()

	chunks, err := i.chunks.Chunks(ctx, docID)
	if err != nil {
		return 0, apperr.Storage(op, docID, err)
	}
	indexed, err := i.vectors.IndexedChunkIDs(ctx, docID)
	if err != nil {
		return 0, apperr.Storage(op, docID, err)
	}

	pending := make([]store.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := indexed[c.ID]; !ok {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	records, err := i.Vectorize(ctx, docID, pending)
	if err != nil {
		return 0, err
	}

	if err := i.vectors.AppendVectors(ctx, records); err != nil {
		return 0, apperr.Storage(op, docID, err)
	}
	i.logger.Info("chunks embedded", "document_id", docID, "vectors", len(records))
	return len(records), nil
}

// Vectorize embeds chunks in batches without storing anything. The records
// come back in chunk order.
func (i *Index) Vectorize(ctx context.Context, docID string, chunks []store.Chunk) ([]store.VectorRecord, error) {
	const op = "embed chunks"
	records := make([]store.VectorRecord, 0, len(chunks))
	for start := 0; start < len(chunks); start += i.batchSize {
		end := min(start+i.batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}
		vectors, err := i.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, apperr.Embedding(op, docID, err)
		}
		if len(vectors) != len(batch) {
			return nil, apperr.Embedding(op, docID, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(batch), len(vectors)))
		}
		for j, c := range batch {
			if len(vectors[j]) == 0 {
				return nil, apperr.Embedding(op, docID, fmt.Errorf("empty embedding for chunk %d", c.Ordinal))
			}
			records = append(records, store.VectorRecord{
				ChunkID:    c.ID,
				DocumentID: docID,
				Content:    c.Content,
				Embedding:  vectors[j],
			})
		}
	}
	return records, nil
}

// Retrieve returns the k chunks most similar to query, best first. k <= 0
// uses the configured default.
func (i *Index) Retrieve(ctx context.Context, query string, k int) ([]store.Match, error) {
	const op = "retrieve context"
	if strings.TrimSpace(query) == "" {
		return nil, apperr.InvalidInput(op, errors.New("query is empty"))
	}
	if k <= 0 {
		k = i.topK
	}

	vectors, err := i.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, apperr.Embedding(op, "", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, apperr.Embedding(op, "", fmt.Errorf("expected one query embedding, got %d", len(vectors)))
	}

	matches, err := i.vectors.Nearest(ctx, vectors[0], k)
	if err != nil {
		return nil, apperr.Storage(op, "", err)
	}
	return matches, nil
}

// RetrieveTopMatch returns the single best chunk. ok is false when the index
// is empty.
func (i *Index) RetrieveTopMatch(ctx context.Context, query string) (match store.Match, ok bool, err error) {
	matches, err := i.Retrieve(ctx, query, 1)
	if err != nil || len(matches) == 0 {
		return store.Match{}, false, err
	}
	return matches[0], true, nil
}
