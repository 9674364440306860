package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("ingest: %w", Storage("append chunks", "A", errors.New("connection reset")))

	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrCompletion)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.True(t, Retryable(err))
}

func TestErrorMessage(t *testing.T) {
	err := Extraction("extract text", "bill-12", errors.New("page 3 unreadable"))
	assert.Equal(t, "extract text: extraction error (document bill-12): page 3 unreadable", err.Error())
	assert.False(t, Retryable(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, Retryable(nil))
}
