package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/pdfrag/apperr"
)

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "HB-1024", DocumentID("pdf_store/HB-1024.pdf"))
	assert.Equal(t, "report", DocumentID("report.PDF"))
	assert.Equal(t, "notes.txt", DocumentID("notes.txt"))
	assert.Equal(t, "memo", DocumentID(`C:\docs\memo.pdf`))
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", normalizePrefix(""))
	assert.Equal(t, "pdf_store/", normalizePrefix("/pdf_store/"))
}

func TestFSStoreListAndFetch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.pdf"), []byte("%PDF-b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("%PDF-a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.pdf"), 0o755))

	store := NewFSStore(dir)
	require.NoError(t, store.Check())

	docs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)

	doc, data, err := store.Fetch(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.pdf"), doc.Path)
	assert.Equal(t, []byte("%PDF-b"), data)

	_, _, err = store.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFSStoreMissingDirectory(t *testing.T) {
	store := NewFSStore(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, store.Check())

	_, err := store.List(context.Background())
	assert.ErrorIs(t, err, apperr.ErrStorage)
}
