// Package pipeline runs the user-facing requests: corpus sync, questions,
// summaries and document comparisons.
package pipeline

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/blob"
	"github.com/fabfab/pdfrag/chat"
	"github.com/fabfab/pdfrag/diff"
	"github.com/fabfab/pdfrag/embeddings"
	"github.com/fabfab/pdfrag/ingestion"
	"github.com/fabfab/pdfrag/knowledge"
	"github.com/fabfab/pdfrag/logger"
	"github.com/fabfab/pdfrag/summary"
)

// Recorder mirrors provenance somewhere outside the table store.
type Recorder interface {
	SyncDocument(ctx context.Context, doc knowledge.Document) error
	RecordSummary(ctx context.Context, docID string, chunks int) error
	RecordComparison(ctx context.Context, first, second string, identical bool) error
}

var (
	_ Recorder                = (*knowledge.Graph)(nil)
	_ ingestion.Vectorizer    = (*embeddings.Index)(nil)
	_ ingestion.ChunkEmbedder = (*embeddings.Index)(nil)
)

type Deps struct {
	Source      *ingestion.Source
	SearchDocs  *ingestion.DocumentStore
	SummaryDocs *ingestion.DocumentStore
	Index       *embeddings.Index
	Retriever   *chat.Retriever
	Summaries   *summary.Cache
	Differ      *diff.Engine
	// Recorder is optional.
	Recorder Recorder
}

type Pipeline struct {
	deps   Deps
	syncer *ingestion.Syncer
	group  singleflight.Group
	logger *logger.Logger
}

func New(deps Deps, log *logger.Logger) *Pipeline {
	log = logger.OrNop(log)
	return &Pipeline{
		deps:   deps,
		syncer: ingestion.NewSyncer(deps.Source, deps.SearchDocs, deps.Index, log),
		logger: log,
	}
}

type SummaryResult struct {
	summary.Result
	Formatted string
}

type DiffResult struct {
	First  SummaryResult
	Second SummaryResult
	diff.Result
}

func (p *Pipeline) ListDocuments(ctx context.Context) ([]blob.Document, error) {
	docs, err := p.deps.Source.List(ctx)
	if err != nil {
		return nil, apperr.Storage("list documents", "", err)
	}
	return docs, nil
}

// Sync ingests and embeds every document in blob storage that is not yet
// indexed. Concurrent calls share one run.
func (p *Pipeline) Sync(ctx context.Context) (ingestion.SyncReport, error) {
	v, _, err := p.shared(ctx, "sync", func(ctx context.Context) (any, error) {
		report, err := p.syncer.Sync(ctx)
		if err != nil {
			return report, err
		}
		for _, id := range report.Ingested {
			p.recordDocument(ctx, knowledge.ProfileSearch, p.deps.SearchDocs, id)
		}
		return report, nil
	})
	report, _ := v.(ingestion.SyncReport)
	return report, err
}

// Ask answers a question. session may be nil for a one-off question.
func (p *Pipeline) Ask(ctx context.Context, session *chat.Session, question string) (chat.Answer, error) {
	return p.deps.Retriever.Ask(ctx, session, question)
}

// Summarize chunks docID with the summary profile if needed and returns its
// cached or freshly computed summary.
func (p *Pipeline) Summarize(ctx context.Context, docID string) (SummaryResult, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return SummaryResult{}, apperr.InvalidInput("summarize document", errors.New("document id is required"))
	}

	v, shared, err := p.shared(ctx, "summarize:"+docID, func(ctx context.Context) (any, error) {
		return p.summarize(ctx, docID)
	})
	if shared {
		p.logger.Debug("summary request shared", "document_id", docID)
	}
	res, _ := v.(SummaryResult)
	return res, err
}

func (p *Pipeline) summarize(ctx context.Context, docID string) (SummaryResult, error) {
	ingested, err := p.deps.SummaryDocs.IngestFrom(ctx, docID, p.deps.Source.Load)
	if err != nil {
		return SummaryResult{}, err
	}
	if ingested.Inserted {
		p.recordDocument(ctx, knowledge.ProfileSummary, p.deps.SummaryDocs, docID)
	}

	res, err := p.deps.Summaries.Summarize(ctx, docID)
	if err != nil {
		return SummaryResult{}, err
	}
	if !res.Cached && p.deps.Recorder != nil {
		if err := p.deps.Recorder.RecordSummary(ctx, docID, res.Chunks); err != nil {
			p.logger.Warn("record summary in graph", "document_id", docID, "error", err)
		}
	}
	return SummaryResult{
		Result:    res,
		Formatted: summary.FormatParagraphs(res.Aggregate, p.deps.Summaries.Delimiter()),
	}, nil
}

// Diff summarizes both documents and compares the formatted summaries.
func (p *Pipeline) Diff(ctx context.Context, first, second string) (DiffResult, error) {
	const op = "compare documents"
	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	if first == "" || second == "" {
		return DiffResult{}, apperr.InvalidInput(op, errors.New("two document ids are required"))
	}

	var (
		out DiffResult
		err error
	)
	if out.First, err = p.Summarize(ctx, first); err != nil {
		return DiffResult{}, err
	}
	if out.Second, err = p.Summarize(ctx, second); err != nil {
		return DiffResult{}, err
	}

	out.Result, err = p.deps.Differ.Compare(ctx,
		diff.Summary{Name: first, Text: out.First.Formatted},
		diff.Summary{Name: second, Text: out.Second.Formatted},
	)
	if err != nil {
		return DiffResult{}, err
	}
	if p.deps.Recorder != nil {
		if err := p.deps.Recorder.RecordComparison(ctx, first, second, out.Identical); err != nil {
			p.logger.Warn("record comparison in graph", "first", first, "second", second, "error", err)
		}
	}
	return out, nil
}

// shared runs fn once for all concurrent callers of key. fn runs detached
// from any single caller, so one caller going away does not fail the others;
// each caller stops waiting when its own ctx is done.
func (p *Pipeline) shared(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	ch := p.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (p *Pipeline) recordDocument(ctx context.Context, profile string, docs *ingestion.DocumentStore, docID string) {
	if p.deps.Recorder == nil {
		return
	}
	chunks, err := docs.Chunks(ctx, docID)
	if err != nil {
		p.logger.Warn("read chunks for graph", "document_id", docID, "error", err)
		return
	}
	doc := knowledge.Document{ID: docID, Profile: profile, Chunks: make([]knowledge.Chunk, 0, len(chunks))}
	for _, c := range chunks {
		doc.Path = c.FilePath
		doc.Chunks = append(doc.Chunks, knowledge.Chunk{ID: c.ID, Ordinal: c.Ordinal})
	}
	if err := p.deps.Recorder.SyncDocument(ctx, doc); err != nil {
		p.logger.Warn("sync document to graph", "document_id", docID, "error", err)
	}
}
