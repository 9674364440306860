package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/pdfrag/chat"
	"github.com/fabfab/pdfrag/chunking"
	"github.com/fabfab/pdfrag/embeddings"
	"github.com/fabfab/pdfrag/ingestion"
	"github.com/fabfab/pdfrag/pipeline"
	"github.com/fabfab/pdfrag/store"
	"github.com/fabfab/pdfrag/testutil"
)

func newSearchPipeline(t *testing.T, docs map[string]string) (*pipeline.Pipeline, *store.Memory) {
	t.Helper()
	chunker, err := chunking.New(40, 5)
	require.NoError(t, err)
	mem := store.NewMemory()
	index := embeddings.NewIndex(mem, mem, mem, &testutil.Embedder{}, embeddings.IndexOptions{}, nil)
	p := pipeline.New(pipeline.Deps{
		Source:     ingestion.NewSource(testutil.NewBlobs(docs), testutil.Extractor{}),
		SearchDocs: ingestion.NewDocumentStore(mem, mem, chunker, nil).WithVectors(mem, index),
		Index:      index,
		Retriever:  chat.NewRetriever(index, &testutil.LLM{}, nil, chat.Options{}, nil),
	}, nil)
	return p, mem
}

func TestSyncBeforeAskingIndexesNewDocuments(t *testing.T) {
	ctx := context.Background()
	p, mem := newSearchPipeline(t, map[string]string{"rates": "The sales tax rate is five percent.", "bad": "FAIL"})

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, syncBeforeAsking(ctx, cmd, p))

	ids, err := mem.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rates"}, ids)
	assert.Contains(t, out.String(), "Indexed 1 new documents.")
	assert.Contains(t, out.String(), "not indexed: bad")

	answer, err := p.Ask(ctx, nil, "What is the sales tax rate?")
	require.NoError(t, err)
	assert.Equal(t, "rates", answer.Source)
}

func TestNoSyncLeavesIndexAlone(t *testing.T) {
	ctx := context.Background()
	p, mem := newSearchPipeline(t, map[string]string{"rates": "The sales tax rate is five percent."})
	noSync = true
	t.Cleanup(func() { noSync = false })

	require.NoError(t, syncBeforeAsking(ctx, &cobra.Command{}, p))
	ids, err := mem.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAskAndChatOfferNoSync(t *testing.T) {
	for _, c := range []*cobra.Command{askCmd, chatCmd} {
		assert.NotNil(t, c.Flags().Lookup("no-sync"), c.Name())
		assert.Contains(t, c.Long, "sync", c.Name())
	}
}
