package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestRankOrdersAndTruncates(t *testing.T) {
	records := []VectorRecord{
		{ChunkID: "far", Embedding: []float32{0, 1}},
		{ChunkID: "near", Embedding: []float32{1, 0.1}},
		{ChunkID: "mid", Embedding: []float32{1, 1}},
	}

	matches, err := rank(records, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "near", matches[0].ChunkID)
	assert.Equal(t, "mid", matches[1].ChunkID)

	all, err := rank(records, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRankRejectsBadQuery(t *testing.T) {
	records := []VectorRecord{{ChunkID: "a", Embedding: []float32{1, 0, 0}}}

	_, err := rank(records, nil, 1)
	require.Error(t, err)

	_, err = rank(records, []float32{1, 0}, 1)
	require.Error(t, err)
}

func TestRankEmpty(t *testing.T) {
	matches, err := rank(nil, []float32{1}, 1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFloat32BlobRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.4028235e38}
	assert.Equal(t, in, bytesToFloat32Slice(float32SliceToBytes(in)))
	assert.Nil(t, float32SliceToBytes(nil))
}
