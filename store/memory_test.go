package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkRows(docID string, n int) []Chunk {
	rows := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, Chunk{
			ID:         fmt.Sprintf("%s-%d", docID, i),
			DocumentID: docID,
			FilePath:   docID + ".pdf",
			Ordinal:    i,
			Content:    fmt.Sprintf("%s chunk %d", docID, i),
			IngestedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return rows
}

func TestMemoryInsertChunksIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inserted, err := m.InsertChunksIfAbsent(ctx, "alpha", chunkRows("alpha", 2))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.InsertChunksIfAbsent(ctx, "alpha", chunkRows("alpha", 5))
	require.NoError(t, err)
	assert.False(t, inserted)

	chunks, err := m.Chunks(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)
}

func TestMemoryRejectsForeignChunk(t *testing.T) {
	m := NewMemory()
	rows := chunkRows("alpha", 1)
	rows[0].DocumentID = "beta"

	_, err := m.InsertChunksIfAbsent(context.Background(), "alpha", rows)
	require.Error(t, err)

	ids, err := m.DocumentIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryDocumentIDsSorted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := m.InsertChunksIfAbsent(ctx, id, chunkRows(id, 1))
		require.NoError(t, err)
	}

	ids, err := m.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestMemoryAppendVectorsSkipsIndexedChunks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.InsertChunksIfAbsent(ctx, "alpha", chunkRows("alpha", 2))
	require.NoError(t, err)

	first := []VectorRecord{{ChunkID: "alpha-0", DocumentID: "alpha", Content: "a", Embedding: []float32{1, 0}}}
	require.NoError(t, m.AppendVectors(ctx, first))

	second := []VectorRecord{
		{ChunkID: "alpha-0", DocumentID: "alpha", Content: "a", Embedding: []float32{0, 1}},
		{ChunkID: "alpha-1", DocumentID: "alpha", Content: "b", Embedding: []float32{0, 1}},
	}
	require.NoError(t, m.AppendVectors(ctx, second))

	ids, err := m.IndexedChunkIDs(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	matches, err := m.Nearest(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "alpha-0", matches[0].ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestMemoryAppendVectorsRequiresKnownChunk(t *testing.T) {
	m := NewMemory()
	err := m.AppendVectors(context.Background(), []VectorRecord{{ChunkID: "ghost", DocumentID: "x", Embedding: []float32{1}}})
	require.Error(t, err)
}

func TestMemoryNearestTieKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"first", "second"} {
		_, err := m.InsertChunksIfAbsent(ctx, id, chunkRows(id, 1))
		require.NoError(t, err)
		require.NoError(t, m.AppendVectors(ctx, []VectorRecord{{
			ChunkID: id + "-0", DocumentID: id, Content: id, Embedding: []float32{0.5, 0.5},
		}}))
	}

	matches, err := m.Nearest(ctx, []float32{1, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "first", matches[0].DocumentID)
}

func TestMemorySummariesWrittenOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.InsertChunksIfAbsent(ctx, "alpha", chunkRows("alpha", 2))
	require.NoError(t, err)

	rows := []SummaryEntry{
		{ChunkID: "alpha-0", DocumentID: "alpha", Summary: "s0", Content: "c0"},
		{ChunkID: "alpha-1", DocumentID: "alpha", Summary: "s1", Content: "c1"},
	}
	inserted, err := m.InsertSummariesIfAbsent(ctx, "alpha", rows)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.InsertSummariesIfAbsent(ctx, "alpha", rows[:1])
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := m.Summaries(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestMemoryConcurrentInsertWritesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wrote int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := m.InsertChunksIfAbsent(ctx, "alpha", chunkRows("alpha", 3))
			assert.NoError(t, err)
			if inserted {
				mu.Lock()
				wrote++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wrote)
	chunks, err := m.Chunks(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestMemoryInsertIndexedChunksIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rows := chunkRows("alpha", 2)
	vectors := []VectorRecord{
		{ChunkID: rows[0].ID, DocumentID: "alpha", Content: rows[0].Content, Embedding: []float32{1, 0}},
		{ChunkID: rows[1].ID, DocumentID: "alpha", Content: rows[1].Content, Embedding: []float32{0, 1}},
	}

	inserted, err := m.InsertIndexedChunksIfAbsent(ctx, "alpha", rows, vectors)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.InsertIndexedChunksIfAbsent(ctx, "alpha", chunkRows("alpha", 3), nil)
	require.NoError(t, err)
	assert.False(t, inserted)

	chunks, err := m.Chunks(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	indexed, err := m.IndexedChunkIDs(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, indexed, 2)
}

func TestMemoryIndexedInsertWritesNothingOnBadVector(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rows := chunkRows("alpha", 2)
	vectors := []VectorRecord{{ChunkID: "elsewhere", DocumentID: "alpha", Embedding: []float32{1}}}

	_, err := m.InsertIndexedChunksIfAbsent(ctx, "alpha", rows, vectors)
	require.Error(t, err)

	chunks, err := m.Chunks(ctx, "alpha")
	require.NoError(t, err)
	assert.Empty(t, chunks)
	indexed, err := m.IndexedChunkIDs(ctx, "alpha")
	require.NoError(t, err)
	assert.Empty(t, indexed)
}
