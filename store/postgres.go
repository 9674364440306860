package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Postgres is a Backend over pgvector-enabled Postgres tables.
//
// Advisory locks are held on connections from locks, never from pool, so a
// lock holder can always get a query connection. With a nil locks pool the
// per-key lock only covers this process.
type Postgres struct {
	pool   *pgxpool.Pool
	locks  *pgxpool.Pool
	local  *KeyedMutex
	tables Tables
}

func NewPostgres(pool, locks *pgxpool.Pool, tables Tables) *Postgres {
	return &Postgres{pool: pool, locks: locks, local: NewKeyedMutex(), tables: tables}
}

// Ident quotes a possibly schema-qualified table name.
func Ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// AdvisoryKey maps a namespace and key onto the bigint space used by
// pg_advisory_lock.
func AdvisoryKey(namespace, key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (p *Postgres) table(name, role string) (string, error) {
	if p.pool == nil {
		return "", errors.New("postgres pool is nil")
	}
	if name == "" {
		return "", fmt.Errorf("%s table is not configured", role)
	}
	return Ident(name), nil
}

// Lock serialises key within the process first, so same-key waiters do not
// each pin a lock connection, then takes a session-level advisory lock so
// processes sharing the database exclude each other.
func (p *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	if p.pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	release, err := p.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.locks == nil {
		return release, nil
	}

	conn, err := p.locks.Acquire(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	lockKey := AdvisoryKey("pdfrag-lock:"+p.tables.Chunks, key)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		conn.Release()
		release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return func() {
		// The lock must be released even when the request context is done.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
			conn.Conn().Close(context.Background())
		}
		conn.Release()
		release()
	}, nil
}

func (p *Postgres) DocumentIDs(ctx context.Context) ([]string, error) {
	table, err := p.table(p.tables.Chunks, "chunk")
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT DISTINCT document_id FROM %s ORDER BY document_id", table))
	if err != nil {
		return nil, fmt.Errorf("query document ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan document ids: %w", err)
	}
	return ids, nil
}

func (p *Postgres) Chunks(ctx context.Context, docID string) ([]Chunk, error) {
	table, err := p.table(p.tables.Chunks, "chunk")
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id::text, document_id, file_path, ordinal, content, ingested_at
		FROM %s
		WHERE document_id = $1
		ORDER BY seq
	`, table), docID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]Chunk, 0)
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.FilePath, &c.Ordinal, &c.Content, &c.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

// insertIfAbsent runs the existence check and the batch insert in one
// transaction guarded by a transaction-scoped advisory lock on (table, docID).
func (p *Postgres) insertIfAbsent(ctx context.Context, table, docID string, batch *pgx.Batch) (inserted bool, err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", AdvisoryKey(table, docID)); err != nil {
		return false, fmt.Errorf("advisory xact lock: %w", err)
	}

	var exists bool
	if err = tx.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE document_id = $1)", table), docID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check existing rows: %w", err)
	}
	if exists {
		if err = tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit transaction: %w", err)
		}
		return false, nil
	}

	if batch.Len() > 0 {
		if err = tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("insert rows: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

func (p *Postgres) InsertChunksIfAbsent(ctx context.Context, docID string, rows []Chunk) (bool, error) {
	return p.InsertIndexedChunksIfAbsent(ctx, docID, rows, nil)
}

func (p *Postgres) InsertIndexedChunksIfAbsent(ctx context.Context, docID string, rows []Chunk, vectors []VectorRecord) (bool, error) {
	table, err := p.table(p.tables.Chunks, "chunk")
	if err != nil {
		return false, err
	}
	if err := checkIndexedChunks(docID, rows, vectors); err != nil {
		return false, err
	}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, file_path, ordinal, content, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, table)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(stmt, row.ID, row.DocumentID, row.FilePath, row.Ordinal, row.Content, row.IngestedAt)
	}
	if len(vectors) > 0 {
		vectorTable, err := p.table(p.tables.Vectors, "vector")
		if err != nil {
			return false, err
		}
		queueVectors(batch, vectorTable, vectors)
	}
	return p.insertIfAbsent(ctx, table, docID, batch)
}

func queueVectors(batch *pgx.Batch, table string, rows []VectorRecord) {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chunk_id) DO NOTHING
	`, table)
	for _, row := range rows {
		batch.Queue(stmt, row.ChunkID, row.DocumentID, row.Content, pgvector.NewVector(row.Embedding))
	}
}

func (p *Postgres) IndexedChunkIDs(ctx context.Context, docID string) (map[string]struct{}, error) {
	table, err := p.table(p.tables.Vectors, "vector")
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT chunk_id::text FROM %s WHERE document_id = $1", table), docID)
	if err != nil {
		return nil, fmt.Errorf("query indexed chunks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan indexed chunks: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (p *Postgres) AppendVectors(ctx context.Context, rows []VectorRecord) error {
	table, err := p.table(p.tables.Vectors, "vector")
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	queueVectors(batch, table, rows)

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("insert vectors: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) Nearest(ctx context.Context, query []float32, k int) ([]Match, error) {
	table, err := p.table(p.tables.Vectors, "vector")
	if err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, errors.New("query embedding is empty")
	}
	if k <= 0 {
		k = 1
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT chunk_id::text, document_id, content, 1 - (embedding <=> $1::vector) AS score
		FROM %s
		ORDER BY embedding <=> $1::vector, seq
		LIMIT $2
	`, table), pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, k)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("scan nearest chunk: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest chunks: %w", err)
	}
	return matches, nil
}

func (p *Postgres) Summaries(ctx context.Context, docID string) ([]SummaryEntry, error) {
	table, err := p.table(p.tables.Summaries, "summary")
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT chunk_id::text, document_id, summary, content
		FROM %s
		WHERE document_id = $1
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return entries, nil
}

func (p *Postgres) InsertSummariesIfAbsent(ctx context.Context, docID string, rows []SummaryEntry) (bool, error) {
	table, err := p.table(p.tables.Summaries, "summary")
	if err != nil {
		return false, err
	}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, summary, content)
		VALUES ($1, $2, $3, $4)
	`, table)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(stmt, row.ChunkID, row.DocumentID, row.Summary, row.Content)
	}
	return p.insertIfAbsent(ctx, table, docID, batch)
}

var _ Backend = (*Postgres)(nil)
