// Package diff compares two document summaries.
package diff

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/llm"
	"github.com/fabfab/pdfrag/logger"
)

// IdenticalReply is returned when two summaries normalize to the same text.
const IdenticalReply = "Both the Documents are Same"

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

// Summary is one side of a comparison.
type Summary struct {
	Name string
	Text string
}

type Result struct {
	Text      string
	Identical bool
}

type Engine struct {
	llm    llm.Client
	logger *logger.Logger
}

func NewEngine(client llm.Client, log *logger.Logger) *Engine {
	return &Engine{llm: client, logger: logger.OrNop(log)}
}

// Normalize drops every character other than ASCII letters, digits and
// whitespace. Case is kept.
func Normalize(s string) string {
	return nonAlphanumeric.ReplaceAllString(s, "")
}

// Compare reports the key differences between first and second. Summaries
// that differ only in punctuation are identical and cost no completion call.
func (e *Engine) Compare(ctx context.Context, first, second Summary) (Result, error) {
	const op = "compare documents"
	a, b := Normalize(first.Text), Normalize(second.Text)
	if a == b {
		e.logger.Info("documents identical after normalization", "first", first.Name, "second", second.Name)
		return Result{Text: IdenticalReply, Identical: true}, nil
	}

	prompt := comparePrompt(first.Name, a, second.Name, b)
	reply, err := e.llm.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return Result{}, apperr.Completion(op, first.Name+","+second.Name, err)
	}
	if strings.TrimSpace(reply) == "" {
		return Result{}, apperr.Completion(op, first.Name+","+second.Name, errors.New("empty completion"))
	}
	return Result{Text: reply}, nil
}

func comparePrompt(firstName, first, secondName, second string) string {
	return fmt.Sprintf(`You are given 2 Documents in %[1]s and %[3]s respectively.
%[1]s: <document> %[2]s </document>
%[3]s: <document> %[4]s </document>

Find and highlight the key differences in both the Documents.`, firstName, first, secondName, second)
}
