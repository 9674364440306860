package ingestion

import (
	"context"

	"github.com/fabfab/pdfrag/blob"
	"github.com/fabfab/pdfrag/extraction"
)

// Source reads documents from blob storage and extracts their text.
type Source struct {
	blobs     blob.Store
	extractor extraction.Extractor
}

func NewSource(blobs blob.Store, extractor extraction.Extractor) *Source {
	return &Source{blobs: blobs, extractor: extractor}
}

func (s *Source) List(ctx context.Context) ([]blob.Document, error) {
	return s.blobs.List(ctx)
}

// Load satisfies Loader.
func (s *Source) Load(ctx context.Context, docID string) (Text, error) {
	doc, data, err := s.blobs.Fetch(ctx, docID)
	if err != nil {
		return Text{}, err
	}
	result, err := s.extractor.Extract(ctx, docID, data)
	if err != nil {
		return Text{}, err
	}
	return Text{Path: doc.Path, Extraction: result}, nil
}
