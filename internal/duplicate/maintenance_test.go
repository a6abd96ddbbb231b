package duplicate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/refserver/paperingest/internal/logging"
	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/storage"
)

func newTestDetector(t *testing.T) (*Detector, *storage.RelationalStore) {
	t.Helper()
	ctx := context.Background()
	rel, err := storage.NewRelationalStore(ctx, filepath.Join(t.TempDir(), "dup.db"))
	if err != nil {
		t.Fatalf("open relational store: %v", err)
	}
	t.Cleanup(func() { rel.Close() })
	return New(rel, nil, logging.NewLogger("test")), rel
}

func TestCleanupOrphansRemovesHashesWithoutLivePaper(t *testing.T) {
	ctx := context.Background()
	d, rel := newTestDetector(t)

	if err := rel.UpsertPaper(ctx, &model.Paper{DocID: "doc-live"}); err != nil {
		t.Fatalf("seed live paper: %v", err)
	}
	if err := rel.InsertFileHash(ctx, &model.FileHash{
		FileMD5: "live-md5", FileSize: 10, OriginalFilename: "live.pdf", DocID: "doc-live", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert live file hash: %v", err)
	}
	if err := rel.InsertFileHash(ctx, &model.FileHash{
		FileMD5: "orphan-md5", FileSize: 10, OriginalFilename: "gone.pdf", DocID: "doc-deleted", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert orphan file hash: %v", err)
	}

	removed, err := d.CleanupOrphans(ctx)
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if h, err := rel.FindFileHash(ctx, "live-md5"); err != nil || h == nil {
		t.Fatal("live file hash should survive the orphan sweep")
	}
	if h, err := rel.FindFileHash(ctx, "orphan-md5"); err != nil || h != nil {
		t.Fatal("orphan file hash should have been removed")
	}
}

func TestRunMaintenanceAggregatesReport(t *testing.T) {
	ctx := context.Background()
	d, rel := newTestDetector(t)

	if err := rel.InsertFileHash(ctx, &model.FileHash{
		FileMD5: "orphan-md5", FileSize: 1, OriginalFilename: "gone.pdf", DocID: "doc-deleted", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed orphan hash: %v", err)
	}

	report, err := d.RunMaintenance(ctx, 30*24*time.Hour, 30)
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if report.OrphansRemoved != 1 {
		t.Fatalf("OrphansRemoved = %d, want 1", report.OrphansRemoved)
	}
}
