// Package blob lists and fetches source documents from a local directory or a
// Google Cloud Storage bucket.
package blob

import (
	"context"
	"path"
	"strings"
)

// Document identifies one source file. ID is the file name without its
// extension and is unique within a namespace.
type Document struct {
	ID   string
	Path string
}

type Store interface {
	List(ctx context.Context) ([]Document, error)
	Fetch(ctx context.Context, id string) (Document, []byte, error)
}

const pdfExt = ".pdf"

// DocumentID strips directories and a .pdf extension from name.
func DocumentID(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if strings.EqualFold(path.Ext(base), pdfExt) {
		base = base[:len(base)-len(pdfExt)]
	}
	return base
}

func isPDF(name string) bool {
	return strings.EqualFold(path.Ext(name), pdfExt)
}
