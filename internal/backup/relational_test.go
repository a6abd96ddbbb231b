package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/storage"
)

func TestRelationalSnapshotterRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	rel, err := storage.NewRelationalStore(ctx, filepath.Join(dir, "live.db"))
	if err != nil {
		t.Fatalf("open relational store: %v", err)
	}
	defer rel.Close()

	if err := rel.UpsertPaper(ctx, &model.Paper{DocID: "doc-1", ContentID: "content-1"}); err != nil {
		t.Fatalf("seed paper: %v", err)
	}

	snap := NewRelationalSnapshotter(rel)
	backupDir := filepath.Join(dir, "backups")

	record, err := snap.Snapshot(ctx, backupDir, model.BackupFull, true)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if record.Status != model.BackupStatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if !record.Compressed {
		t.Fatal("expected compressed=true")
	}
	if filepath.Ext(record.Path) != ".gz" {
		t.Fatalf("path %q should end in .gz", record.Path)
	}
	if record.Size == 0 {
		t.Fatal("backup file size should be non-zero")
	}

	sum, err := sha256File(record.Path)
	if err != nil {
		t.Fatalf("checksum backup file: %v", err)
	}
	if sum != record.ChecksumSHA256 {
		t.Fatalf("checksum mismatch: file=%s record=%s", sum, record.ChecksumSHA256)
	}

	restored := filepath.Join(dir, "restored.db")
	if err := gunzipFile(record.Path, restored); err != nil {
		t.Fatalf("gunzip: %v", err)
	}

	restoredStore, err := storage.NewRelationalStore(ctx, restored)
	if err != nil {
		t.Fatalf("open restored db: %v", err)
	}
	defer restoredStore.Close()

	paper, err := restoredStore.GetPaper(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get paper from restored db: %v", err)
	}
	if paper.ContentID != "content-1" {
		t.Fatalf("restored paper content_id = %q, want content-1", paper.ContentID)
	}
}

func TestRelationalSnapshotterIncrementalFallsBackToSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	rel, err := storage.NewRelationalStore(ctx, filepath.Join(dir, "live.db"))
	if err != nil {
		t.Fatalf("open relational store: %v", err)
	}
	defer rel.Close()

	snap := NewRelationalSnapshotter(rel)
	record, err := snap.Snapshot(ctx, filepath.Join(dir, "backups"), model.BackupIncremental, false)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if record.Kind != model.BackupSnapshot {
		t.Fatalf("kind = %s, want the incremental->snapshot fallback", record.Kind)
	}
}

func TestAtomicCopyOverwritesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dest := filepath.Join(dir, "dest.db")

	if err := os.WriteFile(src, []byte("new contents"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	if err := os.WriteFile(dest, []byte("stale contents"), 0o644); err != nil {
		t.Fatalf("write dest: %v", err)
	}

	if err := atomicCopy(src, dest); err != nil {
		t.Fatalf("atomicCopy: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != "new contents" {
		t.Fatalf("dest contents = %q, want %q", got, "new contents")
	}

	if _, err := os.Stat(dest + ".restoring"); !os.IsNotExist(err) {
		t.Fatal("temp file should not remain after a successful atomicCopy")
	}
}
