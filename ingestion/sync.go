package ingestion

import (
	"context"
	"slices"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/logger"
)

// ChunkEmbedder indexes the chunks of a document that have no vector yet.
type ChunkEmbedder interface {
	EmbedNewChunks(ctx context.Context, docID string) (int, error)
}

type Failure struct {
	DocumentID string
	Err        error
}

type SyncReport struct {
	Ingested []string
	Degraded []string
	Embedded int
	Failures []Failure
}

// Syncer brings every document in blob storage into the chunk and vector
// tables. A failing document is reported and does not stop the others.
type Syncer struct {
	source *Source
	docs   *DocumentStore
	index  ChunkEmbedder
	logger *logger.Logger
}

func NewSyncer(source *Source, docs *DocumentStore, index ChunkEmbedder, log *logger.Logger) *Syncer {
	return &Syncer{source: source, docs: docs, index: index, logger: logger.OrNop(log)}
}

func (s *Syncer) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	available, err := s.source.List(ctx)
	if err != nil {
		return report, apperr.Storage("list blob documents", "", err)
	}
	known, err := s.docs.DocumentIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, doc := range available {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !slices.Contains(known, doc.ID) {
			res, err := s.docs.IngestFrom(ctx, doc.ID, s.source.Load)
			if err != nil {
				s.fail(&report, doc.ID, err)
				continue
			}
			if res.Inserted {
				report.Ingested = append(report.Ingested, doc.ID)
				report.Embedded += res.Vectors
			}
			if res.Degraded {
				report.Degraded = append(report.Degraded, doc.ID)
			}
		}
		// Chunks stored without vectors, by a store that does not embed on
		// ingest, are indexed here.
		n, err := s.index.EmbedNewChunks(ctx, doc.ID)
		if err != nil {
			s.fail(&report, doc.ID, err)
			continue
		}
		report.Embedded += n
	}

	s.logger.Info("corpus sync finished",
		"documents", len(available),
		"ingested", len(report.Ingested),
		"embedded", report.Embedded,
		"failed", len(report.Failures),
	)
	return report, nil
}

func (s *Syncer) fail(report *SyncReport, docID string, err error) {
	s.logger.Error("document sync failed", "document_id", docID, "error", err, "retryable", apperr.Retryable(err))
	report.Failures = append(report.Failures, Failure{DocumentID: docID, Err: err})
}
