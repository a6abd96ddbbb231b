// Coordinator cross-cuts the RelationalStore and VectorStore to implement
// the two-store invariants of spec.md §2 (I2, I4): a DocumentEmbedding and
// its Paper either both exist or the Paper is flagged incomplete. Adapted
// from the teacher's internal/storage/storage_manager.go
// write-vector-then-write-relational-with-rollback pattern, generalized
// from (Postgres, Document DNA) to (SQLite, Paper/PageEmbedding).
package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/refserver/paperingest/internal/logging"
	"github.com/refserver/paperingest/internal/model"
)

// Coordinator owns both stores and sequences cross-store writes so a
// partial failure never leaves an orphaned vector without a Paper, or a
// Paper claiming an embedding that was never written.
type Coordinator struct {
	Relational *RelationalStore
	Vector     *VectorStore
	logger     *logging.Logger
}

func NewCoordinator(rel *RelationalStore, vec *VectorStore, logger *logging.Logger) *Coordinator {
	return &Coordinator{Relational: rel, Vector: vec, logger: logger}
}

// SaveDocumentEmbedding writes the page vectors and the mean document
// vector to the vector store first, then the relational rows; on
// relational failure it rolls back the vector writes so the stores never
// diverge permanently (the teacher's Qdrant-write-then-Postgres-write-with-
// rollback-on-failure order, generalized to N page vectors plus one
// document vector).
func (c *Coordinator) SaveDocumentEmbedding(ctx context.Context, paper *model.Paper, pages []model.PageEmbedding, docVector []float32, contentID string) error {
	written := make([]string, 0, len(pages)+1)
	rollback := func() {
		for _, id := range written {
			if err := c.Vector.Delete(ctx, id); err != nil {
				c.logger.Error("rollback: failed to delete vector", "point_id", id, "error", err)
			}
		}
	}

	for _, pe := range pages {
		// Qdrant only accepts a UUID or uint64 as a point ID; doc_id/page_number
		// travel in the payload instead (teacher's internal/storage/qdrant.go:124
		// convention of always assigning a fresh uuid.New() as the point ID).
		pointID := uuid.New().String()
		if err := c.Vector.Upsert(ctx, &VectorPoint{
			ID:     pointID,
			Vector: pe.Vector,
			Metadata: map[string]interface{}{
				"doc_id": paper.DocID, "page_number": int64(pe.PageNumber), "kind": "page",
			},
		}); err != nil {
			rollback()
			return fmt.Errorf("upsert page vector: %w", err)
		}
		written = append(written, pointID)
	}

	if err := c.Vector.Upsert(ctx, &VectorPoint{
		ID:       paper.DocID,
		Vector:   docVector,
		Metadata: map[string]interface{}{"doc_id": paper.DocID, "kind": "document", "content_id": contentID},
	}); err != nil {
		rollback()
		return fmt.Errorf("upsert document vector: %w", err)
	}
	written = append(written, paper.DocID)

	if err := c.Relational.UpsertPageEmbeddings(ctx, paper.DocID, pages); err != nil {
		rollback()
		return fmt.Errorf("persist page embeddings: %w", err)
	}

	paper.ContentID = contentID
	if err := c.Relational.UpsertPaper(ctx, paper); err != nil {
		rollback()
		return fmt.Errorf("persist paper: %w", err)
	}

	return nil
}

// FindSimilarDocument implements the ChromaDB-style similarity-duplicate
// check of spec.md §4.5 step 5: a cosine match at or above threshold
// against an existing document vector.
func (c *Coordinator) FindSimilarDocument(ctx context.Context, docVector []float32, threshold float64) (docID string, found bool, err error) {
	results, err := c.Vector.Search(ctx, docVector, 5)
	if err != nil {
		return "", false, fmt.Errorf("similarity search: %w", err)
	}
	for _, r := range results {
		if kind, _ := r.Metadata["kind"].(string); kind != "document" {
			continue
		}
		if float64(r.Score) >= threshold {
			return r.ID, true, nil
		}
	}
	return "", false, nil
}

// Close closes both underlying stores.
func (c *Coordinator) Close() error {
	var firstErr error
	if err := c.Vector.Close(); err != nil {
		firstErr = err
	}
	if err := c.Relational.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
