// Package extraction turns PDF bytes into plain text and reports which pages
// could not be read instead of hiding failures inside the text.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/logger"
)

type Status int

const (
	StatusSuccess Status = iota
	StatusPartial
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	default:
		return "failed"
	}
}

// Result is the outcome of extracting one document. FailedPages holds
// 1-based page numbers.
type Result struct {
	Text        string
	Pages       int
	FailedPages []int
	Status      Status
}

// Degraded reports whether some pages were lost.
func (r Result) Degraded() bool { return r.Status == StatusPartial }

type Extractor interface {
	Extract(ctx context.Context, docID string, data []byte) (Result, error)
}

type PDFExtractor struct {
	logger *logger.Logger
}

func NewPDFExtractor(log *logger.Logger) *PDFExtractor {
	return &PDFExtractor{logger: logger.OrNop(log)}
}

type pageOutcome struct {
	number int
	text   string
	err    error
}

// Extract reads every page. A document with no readable text is returned as
// StatusFailed together with an extraction error; a document with some failed
// pages is StatusPartial and no error.
func (e *PDFExtractor) Extract(ctx context.Context, docID string, data []byte) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{Status: StatusFailed}, apperr.Extraction("open pdf", docID, err)
	}

	total := reader.NumPage()
	outcomes := make([]pageOutcome, 0, total)
	for number := 1; number <= total; number++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusFailed}, apperr.Extraction("extract text", docID, err)
		}
		outcomes = append(outcomes, readPage(reader, number))
	}

	result := assemble(outcomes)
	switch result.Status {
	case StatusFailed:
		return result, apperr.Extraction("extract text", docID, errors.New("no text content extracted"))
	case StatusPartial:
		e.logger.Warn("partial pdf extraction", "document", docID, "pages", result.Pages, "failed_pages", result.FailedPages)
	default:
		e.logger.Debug("extracted pdf text", "document", docID, "pages", result.Pages, "length", len(result.Text))
	}
	return result, nil
}

// readPage converts parser panics on malformed content streams into a page error.
func readPage(reader *pdf.Reader, number int) (outcome pageOutcome) {
	outcome.number = number
	defer func() {
		if r := recover(); r != nil {
			outcome.err = fmt.Errorf("page %d: %v", number, r)
		}
	}()

	page := reader.Page(number)
	if page.V.IsNull() {
		outcome.err = fmt.Errorf("page %d: missing page object", number)
		return outcome
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		outcome.err = fmt.Errorf("page %d: %w", number, err)
		return outcome
	}
	outcome.text = text
	return outcome
}

func assemble(outcomes []pageOutcome) Result {
	result := Result{Pages: len(outcomes)}
	var sb strings.Builder
	for _, outcome := range outcomes {
		if outcome.err != nil {
			result.FailedPages = append(result.FailedPages, outcome.number)
			continue
		}
		sb.WriteString(normalize(outcome.text))
	}
	result.Text = sb.String()

	switch {
	case strings.TrimSpace(result.Text) == "":
		result.Status = StatusFailed
	case len(result.FailedPages) > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusSuccess
	}
	return result
}

func normalize(text string) string {
	return strings.NewReplacer("\n", " ", "\x00", " ").Replace(text)
}
