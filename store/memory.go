package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Backend used for tests and the "memory" storage
// option. Its contents are lost when the process exits.
type Memory struct {
	*KeyedMutex

	mu        sync.RWMutex
	chunks    []Chunk
	chunkIDs  map[string]struct{}
	vectors   []VectorRecord
	vectorIDs map[string]struct{}
	summaries []SummaryEntry
}

func NewMemory() *Memory {
	return &Memory{
		KeyedMutex: NewKeyedMutex(),
		chunkIDs:   make(map[string]struct{}),
		vectorIDs:  make(map[string]struct{}),
	}
}

func (m *Memory) DocumentIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, c := range m.chunks {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		ids = append(ids, c.DocumentID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Chunks(ctx context.Context, docID string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Chunk, 0)
	for _, c := range m.chunks {
		if c.DocumentID == docID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) InsertChunksIfAbsent(ctx context.Context, docID string, rows []Chunk) (bool, error) {
	return m.InsertIndexedChunksIfAbsent(ctx, docID, rows, nil)
}

func (m *Memory) InsertIndexedChunksIfAbsent(ctx context.Context, docID string, rows []Chunk, vectors []VectorRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.chunks {
		if c.DocumentID == docID {
			return false, nil
		}
	}
	if err := checkIndexedChunks(docID, rows, vectors); err != nil {
		return false, err
	}
	for _, row := range rows {
		m.chunks = append(m.chunks, row)
		m.chunkIDs[row.ID] = struct{}{}
	}
	for _, v := range vectors {
		v.Embedding = append([]float32(nil), v.Embedding...)
		m.vectors = append(m.vectors, v)
		m.vectorIDs[v.ChunkID] = struct{}{}
	}
	return true, nil
}

func (m *Memory) IndexedChunkIDs(ctx context.Context, docID string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]struct{})
	for _, v := range m.vectors {
		if v.DocumentID == docID {
			ids[v.ChunkID] = struct{}{}
		}
	}
	return ids, nil
}

func (m *Memory) AppendVectors(ctx context.Context, rows []VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		if _, ok := m.chunkIDs[row.ChunkID]; !ok {
			return fmt.Errorf("vector references unknown chunk %s", row.ChunkID)
		}
	}
	for _, row := range rows {
		if _, ok := m.vectorIDs[row.ChunkID]; ok {
			continue
		}
		row.Embedding = append([]float32(nil), row.Embedding...)
		m.vectors = append(m.vectors, row)
		m.vectorIDs[row.ChunkID] = struct{}{}
	}
	return nil
}

func (m *Memory) Nearest(ctx context.Context, query []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rank(m.vectors, query, k)
}

func (m *Memory) Summaries(ctx context.Context, docID string) ([]SummaryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SummaryEntry, 0)
	for _, s := range m.summaries {
		if s.DocumentID == docID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) InsertSummariesIfAbsent(ctx context.Context, docID string, rows []SummaryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.summaries {
		if s.DocumentID == docID {
			return false, nil
		}
	}
	for _, row := range rows {
		if _, ok := m.chunkIDs[row.ChunkID]; !ok {
			return false, fmt.Errorf("summary references unknown chunk %s", row.ChunkID)
		}
	}
	m.summaries = append(m.summaries, rows...)
	return true, nil
}

var _ Backend = (*Memory)(nil)
