// Package apperr defines the error kinds shared by the ingestion, retrieval,
// summarization and diff workflows.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindExtraction   Kind = "extraction"
	KindStorage      Kind = "storage"
	KindEmbedding    Kind = "embedding"
	KindCompletion   Kind = "completion"
	KindConfig       Kind = "config"
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrExtraction   = &Error{Kind: KindExtraction}
	ErrStorage      = &Error{Kind: KindStorage}
	ErrEmbedding    = &Error{Kind: KindEmbedding}
	ErrCompletion   = &Error{Kind: KindCompletion}
	ErrConfig       = &Error{Kind: KindConfig}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrNotFound     = &Error{Kind: KindNotFound}
)

type Error struct {
	Kind       Kind
	Op         string
	DocumentID string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.DocumentID != "" {
		msg += fmt.Sprintf(" (document %s)", e.DocumentID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same kind with no cause,
// which is how the package sentinels are built.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Err == nil && t.Op == "" && t.DocumentID == "" && t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Extraction(op, docID string, err error) *Error {
	return &Error{Kind: KindExtraction, Op: op, DocumentID: docID, Err: err}
}

func Storage(op, docID string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, DocumentID: docID, Err: err}
}

func Embedding(op, docID string, err error) *Error {
	return &Error{Kind: KindEmbedding, Op: op, DocumentID: docID, Err: err}
}

func Completion(op, docID string, err error) *Error {
	return &Error{Kind: KindCompletion, Op: op, DocumentID: docID, Err: err}
}

func Config(err error) *Error {
	return &Error{Kind: KindConfig, Op: "load config", Err: err}
}

func InvalidInput(op string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: err}
}

func NotFound(op, docID string) *Error {
	return &Error{Kind: KindNotFound, Op: op, DocumentID: docID, Err: errors.New("document not found")}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the failure came from a transient dependency
// (storage or a model call) and the request may succeed if repeated.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindEmbedding, KindCompletion:
		return true
	default:
		return false
	}
}
