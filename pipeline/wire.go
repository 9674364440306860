package pipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/blob"
	"github.com/fabfab/pdfrag/chat"
	"github.com/fabfab/pdfrag/chunking"
	"github.com/fabfab/pdfrag/config"
	"github.com/fabfab/pdfrag/database"
	"github.com/fabfab/pdfrag/diff"
	"github.com/fabfab/pdfrag/embeddings"
	"github.com/fabfab/pdfrag/extraction"
	"github.com/fabfab/pdfrag/ingestion"
	"github.com/fabfab/pdfrag/knowledge"
	"github.com/fabfab/pdfrag/llm"
	"github.com/fabfab/pdfrag/logger"
	"github.com/fabfab/pdfrag/store"
	"github.com/fabfab/pdfrag/summary"
)

// Backends holds one storage backend per chunking profile.
type Backends struct {
	Search  store.Backend
	Summary store.Backend
}

func searchTables(cfg config.Config) store.Tables {
	return store.Tables{Chunks: cfg.Search.ChunkTable, Vectors: cfg.Search.VectorTable}
}

func summaryTables(cfg config.Config) store.Tables {
	return store.Tables{Chunks: cfg.Summary.ChunkTable, Summaries: cfg.Summary.SummaryTable}
}

// OpenBackends connects the configured table store. The returned closer
// releases the connection.
func OpenBackends(ctx context.Context, cfg config.Config) (Backends, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return Backends{Search: store.NewMemory(), Summary: store.NewMemory()}, func() {}, nil
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return Backends{}, nil, apperr.Storage("connect postgres", "", err)
		}
		locks, err := database.NewPostgresLockPool(ctx, cfg.Storage.PostgresDSN, cfg.Storage.LockConns)
		if err != nil {
			pool.Close()
			return Backends{}, nil, apperr.Storage("connect postgres", "", err)
		}
		return Backends{
			Search:  store.NewPostgres(pool, locks, searchTables(cfg)),
			Summary: store.NewPostgres(pool, locks, summaryTables(cfg)),
		}, func() { locks.Close(); pool.Close() }, nil
	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return Backends{}, nil, apperr.Storage("open sqlite", "", err)
		}
		// Tables live next to the process, so they are created on open.
		if err := ensureSQLite(ctx, db, cfg); err != nil {
			_ = db.Close()
			return Backends{}, nil, apperr.Storage("create sqlite schema", "", err)
		}
		return Backends{
			Search:  store.NewSQLite(db, searchTables(cfg)),
			Summary: store.NewSQLite(db, summaryTables(cfg)),
		}, func() { _ = db.Close() }, nil
	default:
		return Backends{}, nil, apperr.Config(fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend))
	}
}

func ensureSQLite(ctx context.Context, db *sql.DB, cfg config.Config) error {
	if err := database.EnsureSQLiteSchema(ctx, db, searchTables(cfg)); err != nil {
		return err
	}
	return database.EnsureSQLiteSchema(ctx, db, summaryTables(cfg))
}

// Migrate creates the tables of both profiles on the configured backend.
func Migrate(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	log = logger.OrNop(log)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		log.Info("memory backend needs no schema")
		return nil
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return apperr.Storage("connect postgres", "", err)
		}
		defer pool.Close()
		for _, tables := range []store.Tables{searchTables(cfg), summaryTables(cfg)} {
			if err := database.EnsurePostgresSchema(ctx, pool, tables, cfg.Embeddings.Dimension); err != nil {
				return apperr.Storage("migrate postgres", "", err)
			}
		}
	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return apperr.Storage("open sqlite", "", err)
		}
		defer db.Close()
		if err := ensureSQLite(ctx, db, cfg); err != nil {
			return apperr.Storage("migrate sqlite", "", err)
		}
	default:
		return apperr.Config(fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend))
	}
	log.Info("schema ready", "backend", cfg.Storage.Backend)
	return nil
}

// OpenBlobStore returns the configured document store and its closer.
func OpenBlobStore(ctx context.Context, cfg config.Config) (blob.Store, func(), error) {
	switch cfg.Blob.Backend {
	case config.BlobFS:
		fs := blob.NewFSStore(cfg.Blob.Dir)
		if err := fs.Check(); err != nil {
			return nil, nil, apperr.Config(err)
		}
		return fs, func() {}, nil
	case config.BlobGCS:
		gcs, err := blob.NewGCSStore(ctx, cfg.Blob.Bucket, cfg.Blob.Prefix)
		if err != nil {
			return nil, nil, apperr.Storage("connect gcs", "", err)
		}
		return gcs, func() { _ = gcs.Close() }, nil
	default:
		return nil, nil, apperr.Config(fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend))
	}
}

// Build wires a Pipeline from configuration. The returned cleanup closes
// every connection it opened.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*Pipeline, func(), error) {
	log = logger.OrNop(log)
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Pipeline, func(), error) {
		cleanup()
		return nil, nil, err
	}

	backends, closeBackends, err := OpenBackends(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeBackends)

	blobs, closeBlobs, err := OpenBlobStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeBlobs)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return fail(apperr.Config(err))
	}
	completion, err := llm.NewClient(cfg)
	if err != nil {
		return fail(apperr.Config(err))
	}
	diffClient, err := llm.NewDiffClient(cfg)
	if err != nil {
		return fail(apperr.Config(err))
	}

	searchChunker, err := chunking.New(cfg.Search.ChunkSize, cfg.Search.ChunkOverlap)
	if err != nil {
		return fail(apperr.Config(err))
	}
	summaryChunker, err := chunking.New(cfg.Summary.ChunkSize, cfg.Summary.ChunkOverlap)
	if err != nil {
		return fail(apperr.Config(err))
	}

	var (
		recorder Recorder
		graph    chat.GraphStore
	)
	if cfg.GraphEnabled() {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Graph.URI, cfg.Graph.User, cfg.Graph.Password)
		if err != nil {
			return fail(apperr.Storage("connect neo4j", "", err))
		}
		closers = append(closers, func() { _ = driver.Close(context.Background()) })
		g := knowledge.NewGraph(driver)
		recorder, graph = g, g
	}

	index := embeddings.NewIndex(backends.Search, backends.Search, backends.Search, embedder, embeddings.IndexOptions{
		BatchSize: cfg.Embeddings.BatchSize,
		TopK:      cfg.Search.TopK,
	}, log.With("component", "embeddings"))

	searchDocs := ingestion.NewDocumentStore(backends.Search, backends.Search, searchChunker, log.With("component", "ingestion", "profile", knowledge.ProfileSearch)).
		WithVectors(backends.Search, index)

	deps := Deps{
		Source:      ingestion.NewSource(blobs, extraction.NewPDFExtractor(log.With("component", "extraction"))),
		SearchDocs:  searchDocs,
		SummaryDocs: ingestion.NewDocumentStore(backends.Summary, backends.Summary, summaryChunker, log.With("component", "ingestion", "profile", knowledge.ProfileSummary)),
		Index:       index,
		Retriever:   chat.NewRetriever(index, completion, graph, chat.Options{TopK: cfg.Search.TopK}, log.With("component", "chat")),
		Summaries:   summary.NewCache(backends.Summary, backends.Summary, backends.Summary, completion, cfg.Summary.Delimiter, log.With("component", "summary")),
		Differ:      diff.NewEngine(diffClient, log.With("component", "diff")),
		Recorder:    recorder,
	}
	return New(deps, log), cleanup, nil
}
