// Package knowledge mirrors document provenance into Neo4j: which chunks a
// document was split into, whether it has been summarized and which documents
// it has been compared against.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Chunking profiles recorded on Chunk nodes.
const (
	ProfileSearch  = "search"
	ProfileSummary = "summary"
)

type Document struct {
	ID      string
	Path    string
	Profile string
	Chunks  []Chunk
}

type Chunk struct {
	ID      string
	Ordinal int
}

// Insight is what the graph knows about one document. ChunkCount counts
// search-profile chunks only.
type Insight struct {
	ChunkCount int
	Summarized bool
	ComparedTo []string
}

type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

func (g *Graph) write(ctx context.Context, work neo4j.ManagedTransactionWork) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, work)
	return err
}

// SyncDocument records a document and its chunk set. Chunk sets never change,
// so repeating the call is harmless.
func (g *Graph) SyncDocument(ctx context.Context, doc Document) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			ON CREATE SET d.created_at = datetime()
			SET d.path = $path
		`, map[string]any{"id": doc.ID, "path": doc.Path}); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		chunks := make([]map[string]any, 0, len(doc.Chunks))
		for _, c := range doc.Chunks {
			chunks = append(chunks, map[string]any{"id": c.ID, "ordinal": c.Ordinal})
		}
		if len(chunks) == 0 {
			return nil, nil
		}
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $doc_id})
			UNWIND $chunks AS row
			MERGE (c:Chunk {id: row.id})
			SET c.ordinal = row.ordinal,
			    c.profile = $profile
			MERGE (d)-[:HAS_CHUNK {order: row.ordinal}]->(c)
		`, map[string]any{"doc_id": doc.ID, "profile": doc.Profile, "chunks": chunks}); err != nil {
			return nil, fmt.Errorf("upsert chunk nodes: %w", err)
		}
		return nil, nil
	})
}

func (g *Graph) RecordSummary(ctx context.Context, docID string, chunks int) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.summarized = true,
			    d.summary_chunks = $chunks,
			    d.summarized_at = coalesce(d.summarized_at, datetime())
		`, map[string]any{"id": docID, "chunks": chunks}); err != nil {
			return nil, fmt.Errorf("mark document summarized: %w", err)
		}
		return nil, nil
	})
}

func (g *Graph) RecordComparison(ctx context.Context, first, second string, identical bool) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (a:Document {id: $first})
			MERGE (b:Document {id: $second})
			MERGE (a)-[r:COMPARED_WITH]->(b)
			SET r.identical = $identical,
			    r.compared_at = datetime()
		`, map[string]any{"first": first, "second": second, "identical": identical}); err != nil {
			return nil, fmt.Errorf("record comparison: %w", err)
		}
		return nil, nil
	})
}

func (g *Graph) DocumentInsights(ctx context.Context, docIDs []string) (map[string]Insight, error) {
	if g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(docIDs) == 0 {
		return map[string]Insight{}, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		WHERE d.id IN $ids
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk {profile: $profile})
		OPTIONAL MATCH (d)-[:COMPARED_WITH]-(other:Document)
		RETURN d.id AS id,
		       count(DISTINCT c) AS chunkCount,
		       coalesce(d.summarized, false) AS summarized,
		       collect(DISTINCT other.id) AS compared
	`, map[string]any{"ids": docIDs, "profile": ProfileSearch})
	if err != nil {
		return nil, fmt.Errorf("run neo4j insights query: %w", err)
	}

	insights := make(map[string]Insight, len(docIDs))
	for result.Next(ctx) {
		record := result.Record()
		id, _ := record.Get("id")
		count, _ := record.Get("chunkCount")
		summarized, _ := record.Get("summarized")
		compared, _ := record.Get("compared")

		docID, ok := id.(string)
		if !ok {
			continue
		}
		n, _ := toInt(count)
		done, _ := summarized.(bool)
		insights[docID] = Insight{
			ChunkCount: n,
			Summarized: done,
			ComparedTo: convertStringSlice(compared),
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j insights result error: %w", err)
	}
	return insights, nil
}

func convertStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		if v, ok := value.([]string); ok {
			return v
		}
		return nil
	}

	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
