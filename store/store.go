// Package store persists chunk, vector and summary rows. Every table is
// append-only: rows are never updated or deleted by the pipeline, and a
// document's chunk set and summary set are each written at most once.
package store

import (
	"context"
	"fmt"
	"time"
)

// Chunk is one window of a document's extracted text.
type Chunk struct {
	ID         string
	DocumentID string
	FilePath   string
	Ordinal    int
	Content    string
	IngestedAt time.Time
}

// VectorRecord is the embedding of one stored chunk.
type VectorRecord struct {
	ChunkID    string
	DocumentID string
	Content    string
	Embedding  []float32
}

// SummaryEntry is the summary of one stored chunk.
type SummaryEntry struct {
	ChunkID    string
	DocumentID string
	Summary    string
	Content    string
}

// Match is a ranked vector search hit.
type Match struct {
	ChunkID    string
	DocumentID string
	Content    string
	Score      float64
}

// Tables names the physical tables of one pipeline profile. An empty name
// disables that table.
type Tables struct {
	Chunks    string
	Vectors   string
	Summaries string
}

type ChunkTable interface {
	// DocumentIDs returns the distinct ids that already have chunks.
	DocumentIDs(ctx context.Context) ([]string, error)
	// Chunks returns a document's chunks in storage order.
	Chunks(ctx context.Context, docID string) ([]Chunk, error)
	// InsertChunksIfAbsent appends rows in one batch unless the document
	// already has chunks. It reports whether rows were written.
	InsertChunksIfAbsent(ctx context.Context, docID string, rows []Chunk) (bool, error)
}

type VectorTable interface {
	IndexedChunkIDs(ctx context.Context, docID string) (map[string]struct{}, error)
	// AppendVectors writes rows in one batch, skipping chunks already indexed.
	AppendVectors(ctx context.Context, rows []VectorRecord) error
	// Nearest ranks every record by cosine similarity to query, highest first.
	// Equal scores keep insertion order.
	Nearest(ctx context.Context, query []float32, k int) ([]Match, error)
}

type SummaryTable interface {
	// Summaries returns a document's summary rows in storage order.
	Summaries(ctx context.Context, docID string) ([]SummaryEntry, error)
	// InsertSummariesIfAbsent appends rows in one batch unless the document
	// already has summaries. It reports whether rows were written.
	InsertSummariesIfAbsent(ctx context.Context, docID string, rows []SummaryEntry) (bool, error)
}

// IndexedChunkTable writes a document's chunk set together with the vectors
// of those chunks.
type IndexedChunkTable interface {
	// InsertIndexedChunksIfAbsent appends chunks and vectors in one
	// transaction unless the document already has chunks. Either both are
	// written or neither is.
	InsertIndexedChunksIfAbsent(ctx context.Context, docID string, chunks []Chunk, vectors []VectorRecord) (bool, error)
}

// Locker provides mutual exclusion per key for the duration of a
// check-compute-append cycle.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Backend is one storage profile: a chunk table with its vector and summary
// tables and a lock scope.
type Backend interface {
	ChunkTable
	VectorTable
	IndexedChunkTable
	SummaryTable
	Locker
}

// checkIndexedChunks rejects rows of another document and vectors that do not
// belong to one of rows.
func checkIndexedChunks(docID string, rows []Chunk, vectors []VectorRecord) error {
	ids := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.DocumentID != docID {
			return fmt.Errorf("chunk %s belongs to %q, not %q", row.ID, row.DocumentID, docID)
		}
		ids[row.ID] = struct{}{}
	}
	for _, v := range vectors {
		if _, ok := ids[v.ChunkID]; !ok {
			return fmt.Errorf("vector references chunk %s outside the batch", v.ChunkID)
		}
	}
	return nil
}
