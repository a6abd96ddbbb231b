package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/refserver/paperingest/internal/model"
)

func newTestRelationalStore(t *testing.T) *RelationalStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewRelationalStore(ctx, filepath.Join(t.TempDir(), "rel.db"))
	if err != nil {
		t.Fatalf("open relational store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCountOrphanHashesFindsRowsWithoutLivePaper(t *testing.T) {
	ctx := context.Background()
	s := newTestRelationalStore(t)

	if err := s.UpsertPaper(ctx, &model.Paper{DocID: "doc-live"}); err != nil {
		t.Fatalf("seed live paper: %v", err)
	}
	if err := s.InsertFileHash(ctx, &model.FileHash{
		FileMD5: "live-md5", FileSize: 10, OriginalFilename: "live.pdf", DocID: "doc-live", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert live file hash: %v", err)
	}
	if err := s.InsertFileHash(ctx, &model.FileHash{
		FileMD5: "orphan-md5", FileSize: 10, OriginalFilename: "gone.pdf", DocID: "doc-deleted", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert orphan file hash: %v", err)
	}

	n, err := s.CountOrphanHashes(ctx)
	if err != nil {
		t.Fatalf("CountOrphanHashes: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountOrphanHashes = %d, want 1", n)
	}

	if h, err := s.FindFileHash(ctx, "live-md5"); err != nil || h == nil {
		t.Fatal("counting orphans must not remove anything")
	}
	if h, err := s.FindFileHash(ctx, "orphan-md5"); err != nil || h == nil {
		t.Fatal("counting orphans must not remove anything")
	}
}

func TestCountOrphanHashesZeroWhenEveryRowHasALivePaper(t *testing.T) {
	ctx := context.Background()
	s := newTestRelationalStore(t)

	if err := s.UpsertPaper(ctx, &model.Paper{DocID: "doc-live"}); err != nil {
		t.Fatalf("seed live paper: %v", err)
	}
	if err := s.InsertFileHash(ctx, &model.FileHash{
		FileMD5: "live-md5", FileSize: 10, OriginalFilename: "live.pdf", DocID: "doc-live", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert live file hash: %v", err)
	}

	n, err := s.CountOrphanHashes(ctx)
	if err != nil {
		t.Fatalf("CountOrphanHashes: %v", err)
	}
	if n != 0 {
		t.Fatalf("CountOrphanHashes = %d, want 0", n)
	}
}

func TestSampleEmbeddingHashCompositeKeyAllowsSameDigestAcrossStrategies(t *testing.T) {
	ctx := context.Background()
	s := newTestRelationalStore(t)

	base := &model.SampleEmbeddingHash{
		EmbeddingDigest: "shared-digest", SampleText: "abc", VectorBytes: []byte{1, 2, 3, 4},
		Dimension: 1, ModelName: "test-model", DocID: "doc-a", CreatedAt: time.Now(),
	}
	first := *base
	first.Strategy = "first-n-pages"
	second := *base
	second.Strategy = "random-sample"

	if err := s.InsertSampleEmbeddingHash(ctx, &first); err != nil {
		t.Fatalf("insert first strategy row: %v", err)
	}
	if err := s.InsertSampleEmbeddingHash(ctx, &second); err != nil {
		t.Fatalf("insert second strategy row with same digest should not collide: %v", err)
	}
}
