package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/pdfrag/store"
)

// EnsurePostgresSchema creates the tables of one profile. Tables left empty in
// tables are skipped.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool, tables store.Tables, dimension int) error {
	if tables.Vectors != "" && dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if tables.Chunks == "" {
		return errors.New("chunk table name is required")
	}
	if pool == nil {
		return errors.New("postgres pool is nil")
	}

	chunks := store.Ident(tables.Chunks)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id UUID UNIQUE NOT NULL,
			document_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			ordinal INT NOT NULL,
			content TEXT NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, ordinal)
		)`, chunks),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(document_id)", store.Ident(indexName(tables.Chunks, "document")), chunks),
	}
	if tables.Vectors != "" {
		vectors := store.Ident(tables.Vectors)
		stmts = append(stmts,
			"CREATE EXTENSION IF NOT EXISTS vector",
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				chunk_id UUID UNIQUE NOT NULL REFERENCES %s(id),
				document_id TEXT NOT NULL,
				content TEXT NOT NULL,
				embedding VECTOR(%d) NOT NULL
			)`, vectors, chunks, dimension),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(document_id)", store.Ident(indexName(tables.Vectors, "document")), vectors),
		)
	}
	if tables.Summaries != "" {
		summaries := store.Ident(tables.Summaries)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				chunk_id UUID UNIQUE NOT NULL REFERENCES %s(id),
				document_id TEXT NOT NULL,
				summary TEXT NOT NULL,
				content TEXT NOT NULL
			)`, summaries, chunks),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(document_id)", store.Ident(indexName(tables.Summaries, "document")), summaries),
		)
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// EnsureSQLiteSchema is the SQLite counterpart of EnsurePostgresSchema.
// Embeddings are stored as little-endian float32 blobs.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB, tables store.Tables) error {
	if tables.Chunks == "" {
		return errors.New("chunk table name is required")
	}
	if db == nil {
		return errors.New("sqlite database is nil")
	}

	chunks := store.QuoteSQLite(tables.Chunks)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			document_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			content TEXT NOT NULL,
			ingested_at TEXT NOT NULL,
			UNIQUE(document_id, ordinal)
		)`, chunks),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(document_id)", store.QuoteSQLite(indexName(tables.Chunks, "document")), chunks),
	}
	if tables.Vectors != "" {
		vectors := store.QuoteSQLite(tables.Vectors)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				chunk_id TEXT UNIQUE NOT NULL REFERENCES %s(id),
				document_id TEXT NOT NULL,
				content TEXT NOT NULL,
				embedding BLOB NOT NULL
			)`, vectors, chunks),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(document_id)", store.QuoteSQLite(indexName(tables.Vectors, "document")), vectors),
		)
	}
	if tables.Summaries != "" {
		summaries := store.QuoteSQLite(tables.Summaries)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				chunk_id TEXT UNIQUE NOT NULL REFERENCES %s(id),
				document_id TEXT NOT NULL,
				summary TEXT NOT NULL,
				content TEXT NOT NULL
			)`, summaries, chunks),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(document_id)", store.QuoteSQLite(indexName(tables.Summaries, "document")), summaries),
		)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// indexName derives an unqualified index name from a table name.
func indexName(table, suffix string) string {
	name := table
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return "idx_" + name + "_" + suffix
}
