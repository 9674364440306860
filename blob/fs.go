package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fabfab/pdfrag/apperr"
)

// FSStore serves PDFs from the top level of a directory.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir}
}

func (s *FSStore) List(ctx context.Context) ([]Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperr.Storage("list documents", "", fmt.Errorf("read directory %s: %w", s.dir, err))
	}

	docs := make([]Document, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isPDF(entry.Name()) {
			continue
		}
		docs = append(docs, Document{
			ID:   DocumentID(entry.Name()),
			Path: filepath.Join(s.dir, entry.Name()),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *FSStore) Fetch(ctx context.Context, id string) (Document, []byte, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return Document{}, nil, err
	}
	for _, doc := range docs {
		if doc.ID != id {
			continue
		}
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return Document{}, nil, apperr.Storage("fetch document", id, err)
		}
		return doc, data, nil
	}
	return Document{}, nil, apperr.NotFound("fetch document", id)
}

var _ Store = (*FSStore)(nil)

// errNotDir is returned by Check when the configured path is a file.
var errNotDir = errors.New("not a directory")

// Check verifies the directory exists.
func (s *FSStore) Check() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("data directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %s: %w", s.dir, errNotDir)
	}
	return nil
}
