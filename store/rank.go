package store

import (
	"fmt"
	"math"
	"sort"
)

// Cosine returns the cosine similarity of a and b, or 0 when either has zero
// magnitude.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank scores records in storage order and keeps the k best. The stable sort
// makes the earliest inserted record win ties.
func rank(records []VectorRecord, query []float32, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) != len(query) {
			return nil, fmt.Errorf("embedding dimension mismatch for chunk %s: have %d, query %d", rec.ChunkID, len(rec.Embedding), len(query))
		}
		matches = append(matches, Match{
			ChunkID:    rec.ChunkID,
			DocumentID: rec.DocumentID,
			Content:    rec.Content,
			Score:      Cosine(rec.Embedding, query),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}
