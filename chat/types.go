package chat

import (
	"context"

	"github.com/fabfab/pdfrag/embeddings"
	"github.com/fabfab/pdfrag/knowledge"
	"github.com/fabfab/pdfrag/store"
)

// ContextIndex ranks stored chunks against a query.
type ContextIndex interface {
	Retrieve(ctx context.Context, query string, k int) ([]store.Match, error)
}

var _ ContextIndex = (*embeddings.Index)(nil)

// GraphStore supplies optional provenance details for retrieved documents.
type GraphStore interface {
	DocumentInsights(ctx context.Context, docIDs []string) (map[string]knowledge.Insight, error)
}

var _ GraphStore = (*knowledge.Graph)(nil)

type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeNoInformation Outcome = "no_information"
)

type Source struct {
	DocumentID string
	ChunkID    string
	Snippet    string
	Score      float64
	Insight    knowledge.Insight
}

// Answer is always returned with the document it was drawn from. Source is
// empty only when nothing could be retrieved.
type Answer struct {
	Text    string
	Source  string
	Sources []Source
	Outcome Outcome
	// Query is the text used for retrieval, after any history rewrite.
	Query     string
	Rewritten bool
}
