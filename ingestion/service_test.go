package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/chunking"
	"github.com/fabfab/pdfrag/extraction"
	"github.com/fabfab/pdfrag/store"
)

func newDocumentStore(t *testing.T, size, overlap int) (*DocumentStore, *store.Memory) {
	t.Helper()
	chunker, err := chunking.New(size, overlap)
	require.NoError(t, err)
	mem := store.NewMemory()
	return NewDocumentStore(mem, mem, chunker, nil), mem
}

func successText(text string) Text {
	return Text{Path: "A.pdf", Extraction: extraction.Result{Text: text, Pages: 1, Status: extraction.StatusSuccess}}
}

func TestIngestTwiceKeepsOneChunkSet(t *testing.T) {
	ctx := context.Background()
	docs, mem := newDocumentStore(t, 10000, 500)
	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	docs.now = func() time.Time { return fixed }

	text := strings.Repeat("x", 12000)
	first, err := docs.Ingest(ctx, "A", successText(text))
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.Equal(t, 2, first.Chunks)

	second, err := docs.Ingest(ctx, "A", successText(text))
	require.NoError(t, err)
	assert.False(t, second.Inserted)

	chunks, err := mem.Chunks(ctx, "A")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, "A", c.DocumentID)
		assert.Equal(t, "A.pdf", c.FilePath)
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, fixed, c.IngestedAt)
		assert.NotEmpty(t, c.ID)
	}
	assert.Len(t, chunks[0].Content, 10000)
	assert.Len(t, chunks[1].Content, 2500)
}

func TestIngestFromSkipsLoaderWhenPresent(t *testing.T) {
	ctx := context.Background()
	docs, _ := newDocumentStore(t, 100, 10)

	_, err := docs.Ingest(ctx, "A", successText("hello world"))
	require.NoError(t, err)

	loads := 0
	res, err := docs.IngestFrom(ctx, "A", func(context.Context, string) (Text, error) {
		loads++
		return successText("other"), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Zero(t, loads)
}

func TestIngestRejectsEmptyText(t *testing.T) {
	ctx := context.Background()
	docs, mem := newDocumentStore(t, 100, 10)

	_, err := docs.Ingest(ctx, "A", successText("   "))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))

	ids, err := mem.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIngestRejectsMissingID(t *testing.T) {
	docs, _ := newDocumentStore(t, 100, 10)
	_, err := docs.Ingest(context.Background(), " ", successText("text"))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestIngestFailedExtraction(t *testing.T) {
	ctx := context.Background()
	docs, mem := newDocumentStore(t, 100, 10)

	_, err := docs.Ingest(ctx, "A", Text{Extraction: extraction.Result{Status: extraction.StatusFailed, Pages: 3, FailedPages: []int{1, 2, 3}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrExtraction)

	chunks, err := mem.Chunks(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestIngestPartialExtractionIsDegraded(t *testing.T) {
	ctx := context.Background()
	docs, _ := newDocumentStore(t, 100, 10)

	res, err := docs.Ingest(ctx, "A", Text{Extraction: extraction.Result{
		Text: "page one text", Pages: 2, FailedPages: []int{2}, Status: extraction.StatusPartial,
	}})
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1, res.Chunks)
}

func TestIngestLoaderErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	docs, mem := newDocumentStore(t, 100, 10)

	boom := apperr.Storage("fetch", "A", errors.New("network down"))
	_, err := docs.IngestFrom(ctx, "A", func(context.Context, string) (Text, error) {
		return Text{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, apperr.Retryable(err))

	ids, err := mem.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConcurrentIngestLoadsOnce(t *testing.T) {
	ctx := context.Background()
	docs, mem := newDocumentStore(t, 100, 10)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		loads int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := docs.IngestFrom(ctx, "A", func(context.Context, string) (Text, error) {
				mu.Lock()
				loads++
				mu.Unlock()
				return successText(strings.Repeat("y", 250)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, loads)
	chunks, err := mem.Chunks(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

type stubVectorizer struct {
	err   error
	calls int
}

func (v *stubVectorizer) Vectorize(ctx context.Context, docID string, chunks []store.Chunk) ([]store.VectorRecord, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	out := make([]store.VectorRecord, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, store.VectorRecord{ChunkID: c.ID, DocumentID: docID, Content: c.Content, Embedding: []float32{1, float32(c.Ordinal)}})
	}
	return out, nil
}

func TestIngestWritesChunksWithVectors(t *testing.T) {
	ctx := context.Background()
	docs, mem := newDocumentStore(t, 10, 0)
	vec := &stubVectorizer{}
	docs.WithVectors(mem, vec)

	res, err := docs.Ingest(ctx, "A", successText(strings.Repeat("y", 25)))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, res.Vectors)

	chunks, err := mem.Chunks(ctx, "A")
	require.NoError(t, err)
	indexed, err := mem.IndexedChunkIDs(ctx, "A")
	require.NoError(t, err)
	require.Len(t, indexed, len(chunks))
	for _, c := range chunks {
		assert.Contains(t, indexed, c.ID)
	}

	res, err = docs.Ingest(ctx, "A", successText(strings.Repeat("y", 25)))
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, 1, vec.calls)
}

func TestIngestEmbeddingFailureLeavesNoRows(t *testing.T) {
	ctx := context.Background()
	docs, mem := newDocumentStore(t, 10, 0)
	docs.WithVectors(mem, &stubVectorizer{err: apperr.Embedding("embed chunks", "A", errors.New("model offline"))})

	res, err := docs.Ingest(ctx, "A", successText(strings.Repeat("y", 25)))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrEmbedding)
	assert.False(t, res.Inserted)

	chunks, err := mem.Chunks(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, chunks)
	ids, err := mem.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
