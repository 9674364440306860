package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/pdfrag/database"
	"github.com/fabfab/pdfrag/store"
)

func postgresDSN(t *testing.T) string {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run Postgres integration tests")
	}
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN is not set")
	}
	return dsn
}

func tempTables(t *testing.T, ctx context.Context, pool *pgxpool.Pool) store.Tables {
	t.Helper()
	suffix := uuid.NewString()[:8]
	tables := store.Tables{
		Chunks:    "it_chunks_" + suffix,
		Vectors:   "it_vectors_" + suffix,
		Summaries: "it_summaries_" + suffix,
	}
	require.NoError(t, database.EnsurePostgresSchema(ctx, pool, tables, 3))
	t.Cleanup(func() {
		for _, name := range []string{tables.Summaries, tables.Vectors, tables.Chunks} {
			_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+store.Ident(name))
		}
	})
	return tables
}

func TestPostgresBackendIntegration(t *testing.T) {
	dsn := postgresDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	locks, err := database.NewPostgresLockPool(ctx, dsn, 1)
	require.NoError(t, err)
	defer locks.Close()

	tables := tempTables(t, ctx, pool)
	pg := store.NewPostgres(pool, locks, tables)
	unlock, err := pg.Lock(ctx, "doc")
	require.NoError(t, err)
	unlock()

	chunkID := uuid.NewString()
	inserted, err := pg.InsertChunksIfAbsent(ctx, "doc", []store.Chunk{{
		ID: chunkID, DocumentID: "doc", FilePath: "doc.pdf", Content: "hello", IngestedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = pg.InsertChunksIfAbsent(ctx, "doc", nil)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, pg.AppendVectors(ctx, []store.VectorRecord{{ChunkID: chunkID, DocumentID: "doc", Content: "hello", Embedding: []float32{1, 0, 0}}}))
	require.NoError(t, pg.AppendVectors(ctx, []store.VectorRecord{{ChunkID: chunkID, DocumentID: "doc", Content: "hello", Embedding: []float32{0, 1, 0}}}))

	matches, err := pg.Nearest(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, chunkID, matches[0].ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}

func TestPostgresLockHoldersDoNotStarveQueries(t *testing.T) {
	dsn := postgresDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	defer pool.Close()
	locks, err := database.NewPostgresLockPool(ctx, dsn, int(cfg.MaxConns))
	require.NoError(t, err)
	defer locks.Close()

	pg := store.NewPostgres(pool, locks, tempTables(t, ctx, pool))

	// More concurrent documents than query connections, each holding its lock
	// across several queries.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i <= int(cfg.MaxConns); i++ {
		docID := fmt.Sprintf("doc-%d", i)
		g.Go(func() error {
			unlock, err := pg.Lock(gctx, docID)
			if err != nil {
				return err
			}
			defer unlock()
			if _, err := pg.DocumentIDs(gctx); err != nil {
				return err
			}
			chunkID := uuid.NewString()
			_, err = pg.InsertIndexedChunksIfAbsent(gctx, docID,
				[]store.Chunk{{ID: chunkID, DocumentID: docID, FilePath: docID + ".pdf", Content: docID, IngestedAt: time.Now().UTC()}},
				[]store.VectorRecord{{ChunkID: chunkID, DocumentID: docID, Content: docID, Embedding: []float32{1, 0, 0}}},
			)
			return err
		})
	}
	require.NoError(t, g.Wait())

	ids, err := pg.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, int(cfg.MaxConns)+1)
}
