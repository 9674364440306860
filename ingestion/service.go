// Package ingestion persists each document's chunk set exactly once and keeps
// the corpus in blob storage synchronised with the chunk and vector tables.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/chunking"
	"github.com/fabfab/pdfrag/extraction"
	"github.com/fabfab/pdfrag/logger"
	"github.com/fabfab/pdfrag/store"
)

// Text is a document's extracted text ready to be chunked.
type Text struct {
	Path       string
	Extraction extraction.Result
}

// Loader produces the text of a document. It is only called when the
// document has not been chunked yet.
type Loader func(ctx context.Context, docID string) (Text, error)

// Vectorizer embeds a freshly cut chunk set before anything is stored.
type Vectorizer interface {
	Vectorize(ctx context.Context, docID string, chunks []store.Chunk) ([]store.VectorRecord, error)
}

type IngestResult struct {
	DocumentID string
	Inserted   bool
	Chunks     int
	Vectors    int
	Degraded   bool
}

type DocumentStore struct {
	chunks     store.ChunkTable
	locker     store.Locker
	chunker    *chunking.Chunker
	indexed    store.IndexedChunkTable
	vectorizer Vectorizer
	logger     *logger.Logger
	now        func() time.Time
}

func NewDocumentStore(chunks store.ChunkTable, locker store.Locker, chunker *chunking.Chunker, log *logger.Logger) *DocumentStore {
	return &DocumentStore{
		chunks:  chunks,
		locker:  locker,
		chunker: chunker,
		logger:  logger.OrNop(log),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithVectors makes ingestion embed each new chunk set and write the chunks
// and their vectors in one transaction. A failed embedding stores nothing.
func (d *DocumentStore) WithVectors(table store.IndexedChunkTable, v Vectorizer) *DocumentStore {
	d.indexed, d.vectorizer = table, v
	return d
}

// Chunker reports the chunking configuration of this store.
func (d *DocumentStore) Chunker() *chunking.Chunker { return d.chunker }

// DocumentIDs lists every document that already has a chunk set.
func (d *DocumentStore) DocumentIDs(ctx context.Context) ([]string, error) {
	ids, err := d.chunks.DocumentIDs(ctx)
	if err != nil {
		return nil, apperr.Storage("list chunked documents", "", err)
	}
	return ids, nil
}

func (d *DocumentStore) Has(ctx context.Context, docID string) (bool, error) {
	ids, err := d.DocumentIDs(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, docID), nil
}

func (d *DocumentStore) Chunks(ctx context.Context, docID string) ([]store.Chunk, error) {
	chunks, err := d.chunks.Chunks(ctx, docID)
	if err != nil {
		return nil, apperr.Storage("read chunks", docID, err)
	}
	return chunks, nil
}

// Ingest chunks text under docID unless the document is already present.
func (d *DocumentStore) Ingest(ctx context.Context, docID string, text Text) (IngestResult, error) {
	return d.IngestFrom(ctx, docID, func(context.Context, string) (Text, error) {
		return text, nil
	})
}

// IngestFrom is Ingest with lazily loaded text. The per-document lock is held
// from the existence check until the batch is appended.
func (d *DocumentStore) IngestFrom(ctx context.Context, docID string, load Loader) (IngestResult, error) {
	const op = "ingest document"
	result := IngestResult{DocumentID: docID}
	if strings.TrimSpace(docID) == "" {
		return result, apperr.InvalidInput(op, errors.New("document id is required"))
	}

	unlock, err := d.locker.Lock(ctx, docID)
	if err != nil {
		return result, apperr.Storage(op, docID, fmt.Errorf("lock document: %w", err))
	}
	defer unlock()

	present, err := d.Has(ctx, docID)
	if err != nil {
		return result, err
	}
	if present {
		d.logger.Debug("document already chunked", "document_id", docID)
		return result, nil
	}

	text, err := load(ctx, docID)
	if err != nil {
		return result, err
	}
	switch text.Extraction.Status {
	case extraction.StatusFailed:
		return result, apperr.Extraction(op, docID, errors.New("no page could be extracted"))
	case extraction.StatusPartial:
		result.Degraded = true
		d.logger.Warn("ingesting partially extracted document",
			"document_id", docID,
			"failed_pages", text.Extraction.FailedPages,
			"pages", text.Extraction.Pages,
		)
	}
	if strings.TrimSpace(text.Extraction.Text) == "" {
		return result, apperr.InvalidInput(op, fmt.Errorf("document %q has no text", docID))
	}

	ingestedAt := d.now()
	rows := make([]store.Chunk, 0)
	for content := range d.chunker.Split(text.Extraction.Text) {
		rows = append(rows, store.Chunk{
			ID:         uuid.NewString(),
			DocumentID: docID,
			FilePath:   text.Path,
			Ordinal:    len(rows),
			Content:    content,
			IngestedAt: ingestedAt,
		})
	}

	if d.vectorizer == nil {
		inserted, err := d.chunks.InsertChunksIfAbsent(ctx, docID, rows)
		if err != nil {
			return result, apperr.Storage(op, docID, err)
		}
		result.Inserted = inserted
	} else {
		vectors, err := d.vectorizer.Vectorize(ctx, docID, rows)
		if err != nil {
			return result, err
		}
		inserted, err := d.indexed.InsertIndexedChunksIfAbsent(ctx, docID, rows, vectors)
		if err != nil {
			return result, apperr.Storage(op, docID, err)
		}
		result.Inserted = inserted
		if inserted {
			result.Vectors = len(vectors)
		}
	}
	if result.Inserted {
		result.Chunks = len(rows)
		d.logger.Info("document chunked", "document_id", docID, "chunks", len(rows), "vectors", result.Vectors, "degraded", result.Degraded)
	}
	return result, nil
}
