package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/pdfrag/apperr"
)

func TestAssemble(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []pageOutcome
		status   Status
		text     string
		failed   []int
	}{
		{
			name: "all pages",
			outcomes: []pageOutcome{
				{number: 1, text: "Tax rate\nis 5%."},
				{number: 2, text: "\x00Effective 2024."},
			},
			status: StatusSuccess,
			text:   "Tax rate is 5%. Effective 2024.",
		},
		{
			name: "one page lost",
			outcomes: []pageOutcome{
				{number: 1, text: "Section one."},
				{number: 2, err: errors.New("bad stream")},
			},
			status: StatusPartial,
			text:   "Section one.",
			failed: []int{2},
		},
		{
			name: "nothing readable",
			outcomes: []pageOutcome{
				{number: 1, err: errors.New("bad stream")},
				{number: 2, text: "  \n "},
			},
			status: StatusFailed,
			failed: []int{1},
		},
		{
			name:   "no pages",
			status: StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := assemble(tt.outcomes)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, tt.failed, result.FailedPages)
			assert.Equal(t, len(tt.outcomes), result.Pages)
			if tt.text != "" {
				assert.Equal(t, tt.text, result.Text)
			}
		})
	}
}

func TestExtractRejectsNonPDF(t *testing.T) {
	extractor := NewPDFExtractor(nil)
	result, err := extractor.Extract(context.Background(), "notes", []byte("plain text, not a pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrExtraction)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "partial", StatusPartial.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.True(t, Result{Status: StatusPartial}.Degraded())
}
