// Package summary summarizes each document at most once and serves later
// requests from the stored per-chunk summaries.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/llm"
	"github.com/fabfab/pdfrag/logger"
	"github.com/fabfab/pdfrag/store"
)

// DefaultDelimiter separates chunk summaries in an aggregate.
const DefaultDelimiter = "|"

type Result struct {
	DocumentID string
	Aggregate  string
	Chunks     int
	// Cached is true when no completion call was made.
	Cached bool
}

type Cache struct {
	chunks    store.ChunkTable
	summaries store.SummaryTable
	locker    store.Locker
	llm       llm.Client
	delimiter string
	logger    *logger.Logger
}

func NewCache(chunks store.ChunkTable, summaries store.SummaryTable, locker store.Locker, client llm.Client, delimiter string, log *logger.Logger) *Cache {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Cache{
		chunks:    chunks,
		summaries: summaries,
		locker:    locker,
		llm:       client,
		delimiter: delimiter,
		logger:    logger.OrNop(log),
	}
}

func (c *Cache) Delimiter() string { return c.delimiter }

// Summarize returns the aggregate summary of docID, computing and storing one
// summary per chunk the first time. Nothing is stored if any chunk fails.
func (c *Cache) Summarize(ctx context.Context, docID string) (Result, error) {
	const op = "summarize document"
	result := Result{DocumentID: docID}

	unlock, err := c.locker.Lock(ctx, "summary:"+docID)
	if err != nil {
		return result, apperr.Storage(op, docID, fmt.Errorf("lock document: %w", err))
	}
	defer unlock()

	entries, err := c.summaries.Summaries(ctx, docID)
	if err != nil {
		return result, apperr.Storage(op, docID, err)
	}
	if len(entries) > 0 {
		c.logger.Debug("summary cache hit", "document_id", docID, "chunks", len(entries))
		result.Aggregate = c.aggregate(entries)
		result.Chunks = len(entries)
		result.Cached = true
		return result, nil
	}

	chunks, err := c.chunks.Chunks(ctx, docID)
	if err != nil {
		return result, apperr.Storage(op, docID, err)
	}
	if len(chunks) == 0 {
		return result, apperr.NotFound(op, docID)
	}

	c.logger.Info("summary cache miss", "document_id", docID, "chunks", len(chunks))
	rows := make([]store.SummaryEntry, 0, len(chunks))
	for _, chunk := range chunks {
		text, err := llm.Complete(ctx, c.llm, summaryPrompt(chunk.Content))
		if err != nil {
			return result, apperr.Completion(op, docID, fmt.Errorf("chunk %d: %w", chunk.Ordinal, err))
		}
		if text == "" {
			return result, apperr.Completion(op, docID, fmt.Errorf("chunk %d: %w", chunk.Ordinal, errors.New("empty summary")))
		}
		rows = append(rows, store.SummaryEntry{
			ChunkID:    chunk.ID,
			DocumentID: docID,
			Summary:    text,
			Content:    chunk.Content,
		})
	}

	inserted, err := c.summaries.InsertSummariesIfAbsent(ctx, docID, rows)
	if err != nil {
		return result, apperr.Storage(op, docID, err)
	}
	if !inserted {
		c.logger.Warn("summaries written concurrently by another process", "document_id", docID)
	}

	entries, err = c.summaries.Summaries(ctx, docID)
	if err != nil {
		return result, apperr.Storage(op, docID, err)
	}
	result.Aggregate = c.aggregate(entries)
	result.Chunks = len(entries)
	return result, nil
}

func (c *Cache) aggregate(entries []store.SummaryEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Summary
	}
	return strings.Join(parts, c.delimiter)
}

// FormatParagraphs splits aggregate on delimiter and joins the trimmed parts
// with blank lines.
func FormatParagraphs(aggregate, delimiter string) string {
	if delimiter == "" {
		return strings.TrimSpace(aggregate)
	}
	parts := strings.Split(aggregate, delimiter)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, "\n\n")
}

func summaryPrompt(content string) string {
	return "Summarize the following text in a few sentences. Reply with the summary only.\n\n<text>\n" + content + "\n</text>"
}
