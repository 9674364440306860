package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// SQLite is a Backend over a single-file SQLite database. Per-document locks
// are in-process; the insert-if-absent transactions are safe across processes
// when the database is opened with _txlock=immediate.
type SQLite struct {
	*KeyedMutex

	db     *sql.DB
	tables Tables
}

func NewSQLite(db *sql.DB, tables Tables) *SQLite {
	return &SQLite{KeyedMutex: NewKeyedMutex(), db: db, tables: tables}
}

// QuoteSQLite quotes a table or index name for SQLite.
func QuoteSQLite(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SQLite) table(name, role string) (string, error) {
	if s.db == nil {
		return "", errors.New("sqlite database is nil")
	}
	if name == "" {
		return "", fmt.Errorf("%s table is not configured", role)
	}
	return QuoteSQLite(name), nil
}

func (s *SQLite) DocumentIDs(ctx context.Context) ([]string, error) {
	table, err := s.table(s.tables.Chunks, "chunk")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT document_id FROM %s ORDER BY document_id", table))
	if err != nil {
		return nil, fmt.Errorf("query document ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Chunks(ctx context.Context, docID string) ([]Chunk, error) {
	table, err := s.table(s.tables.Chunks, "chunk")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, document_id, file_path, ordinal, content, ingested_at
		FROM %s
		WHERE document_id = ?
		ORDER BY seq
	`, table), docID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]Chunk, 0)
	for rows.Next() {
		var (
			c          Chunk
			ingestedAt string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.FilePath, &c.Ordinal, &c.Content, &ingestedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if c.IngestedAt, err = time.Parse(time.RFC3339Nano, ingestedAt); err != nil {
			return nil, fmt.Errorf("parse ingested_at for chunk %s: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLite) insertIfAbsent(ctx context.Context, table, docID string, insert func(tx *sql.Tx) error) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE document_id = ?)", table), docID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check existing rows: %w", err)
	}
	if exists {
		if err = tx.Commit(); err != nil {
			return false, fmt.Errorf("commit transaction: %w", err)
		}
		return false, nil
	}
	if err = insert(tx); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

func (s *SQLite) InsertChunksIfAbsent(ctx context.Context, docID string, rows []Chunk) (bool, error) {
	return s.InsertIndexedChunksIfAbsent(ctx, docID, rows, nil)
}

func (s *SQLite) InsertIndexedChunksIfAbsent(ctx context.Context, docID string, rows []Chunk, vectors []VectorRecord) (bool, error) {
	table, err := s.table(s.tables.Chunks, "chunk")
	if err != nil {
		return false, err
	}
	var vectorTable string
	if len(vectors) > 0 {
		if vectorTable, err = s.table(s.tables.Vectors, "vector"); err != nil {
			return false, err
		}
	}
	if err := checkIndexedChunks(docID, rows, vectors); err != nil {
		return false, err
	}
	return s.insertIfAbsent(ctx, table, docID, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, document_id, file_path, ordinal, content, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, table))
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.ID, row.DocumentID, row.FilePath, row.Ordinal, row.Content, row.IngestedAt.UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("insert chunk %d: %w", row.Ordinal, err)
			}
		}
		if len(vectors) == 0 {
			return nil
		}
		return insertVectors(ctx, tx, vectorTable, vectors)
	})
}

func insertVectors(ctx context.Context, tx *sql.Tx, table string, rows []VectorRecord) error {
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, content, embedding)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chunk_id) DO NOTHING
	`, table))
	if err != nil {
		return fmt.Errorf("prepare vector insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ChunkID, row.DocumentID, row.Content, float32SliceToBytes(row.Embedding)); err != nil {
			return fmt.Errorf("insert vector for chunk %s: %w", row.ChunkID, err)
		}
	}
	return nil
}

func (s *SQLite) IndexedChunkIDs(ctx context.Context, docID string) (map[string]struct{}, error) {
	table, err := s.table(s.tables.Vectors, "vector")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT chunk_id FROM %s WHERE document_id = ?", table), docID)
	if err != nil {
		return nil, fmt.Errorf("query indexed chunks: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan indexed chunk: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *SQLite) AppendVectors(ctx context.Context, rows []VectorRecord) (err error) {
	table, err := s.table(s.tables.Vectors, "vector")
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertVectors(ctx, tx, table, rows); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Nearest loads every vector and ranks in process.
func (s *SQLite) Nearest(ctx context.Context, query []float32, k int) ([]Match, error) {
	table, err := s.table(s.tables.Vectors, "vector")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT chunk_id, document_id, content, embedding FROM %s ORDER BY seq", table))
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	records := make([]VectorRecord, 0)
	for rows.Next() {
		var (
			rec  VectorRecord
			blob []byte
		)
		if err := rows.Scan(&rec.ChunkID, &rec.DocumentID, &rec.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		rec.Embedding = bytesToFloat32Slice(blob)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return rank(records, query, k)
}

func (s *SQLite) Summaries(ctx context.Context, docID string) ([]SummaryEntry, error) {
	table, err := s.table(s.tables.Summaries, "summary")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chunk_id, document_id, summary, content
		FROM %s
		WHERE document_id = ?
		ORDER BY seq
	`, table), docID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	entries := make([]SummaryEntry, 0)
	for rows.Next() {
		var e SummaryEntry
		if err := rows.Scan(&e.ChunkID, &e.DocumentID, &e.Summary, &e.Content); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLite) InsertSummariesIfAbsent(ctx context.Context, docID string, rows []SummaryEntry) (bool, error) {
	table, err := s.table(s.tables.Summaries, "summary")
	if err != nil {
		return false, err
	}
	return s.insertIfAbsent(ctx, table, docID, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (chunk_id, document_id, summary, content)
			VALUES (?, ?, ?, ?)
		`, table))
		if err != nil {
			return fmt.Errorf("prepare summary insert: %w", err)
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.ChunkID, row.DocumentID, row.Summary, row.Content); err != nil {
				return fmt.Errorf("insert summary for chunk %s: %w", row.ChunkID, err)
			}
		}
		return nil
	})
}

func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

var _ Backend = (*SQLite)(nil)
