package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	rel, err := storage.NewRelationalStore(ctx, dbPath)
	if err != nil {
		t.Fatalf("open relational store: %v", err)
	}
	t.Cleanup(func() { rel.Close() })
	return New(rel)
}

func TestJobLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.Create(ctx, "paper.pdf", "/tmp/paper.pdf")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != model.JobQueued {
		t.Fatalf("new job status = %s, want %s", job.Status, model.JobQueued)
	}

	if err := s.Start(ctx, job.JobID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobProcessing {
		t.Fatalf("status after Start = %s, want %s", got.Status, model.JobProcessing)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not set after Start")
	}

	if err := s.Step(ctx, job.JobID, "ocr", 40, true); err != nil {
		t.Fatalf("step: %v", err)
	}
	got, _ = s.Get(ctx, job.JobID)
	if got.ProgressPercent != 40 || got.CurrentStep != "ocr" {
		t.Fatalf("step not recorded: progress=%d step=%q", got.ProgressPercent, got.CurrentStep)
	}
	if len(got.StepsCompleted) != 1 || got.StepsCompleted[0] != "ocr" {
		t.Fatalf("StepsCompleted = %v, want [ocr]", got.StepsCompleted)
	}

	if err := s.FinishOK(ctx, job.JobID, "doc-123", map[string]interface{}{"pages": 3.0}); err != nil {
		t.Fatalf("finish ok: %v", err)
	}
	got, _ = s.Get(ctx, job.JobID)
	if got.Status != model.JobCompleted {
		t.Fatalf("status after FinishOK = %s, want %s", got.Status, model.JobCompleted)
	}
	if got.PaperID != "doc-123" {
		t.Fatalf("PaperID = %q, want doc-123", got.PaperID)
	}
	if got.ProgressPercent != 100 {
		t.Fatalf("ProgressPercent after FinishOK = %d, want 100", got.ProgressPercent)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set after FinishOK")
	}
}

func TestStartRejectsNonQueuedJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.Create(ctx, "paper.pdf", "/tmp/paper.pdf")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Start(ctx, job.JobID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.Start(ctx, job.JobID); err == nil {
		t.Fatal("second Start on an already-processing job should fail")
	}
}

func TestStepRejectsNonProcessingJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.Create(ctx, "paper.pdf", "/tmp/paper.pdf")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Step(ctx, job.JobID, "ocr", 10, true); err == nil {
		t.Fatal("Step before Start should fail, job is still queued")
	}
}

func TestFinishErrTransitionsToFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, _ := s.Create(ctx, "paper.pdf", "/tmp/paper.pdf")
	if err := s.Start(ctx, job.JobID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.FinishErr(ctx, job.JobID, "analyzer timed out"); err != nil {
		t.Fatalf("finish err: %v", err)
	}
	got, _ := s.Get(ctx, job.JobID)
	if got.Status != model.JobFailed {
		t.Fatalf("status = %s, want %s", got.Status, model.JobFailed)
	}
	if got.ErrorMessage != "analyzer timed out" {
		t.Fatalf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestCancelOnlyAllowedWhileQueued(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, _ := s.Create(ctx, "paper.pdf", "/tmp/paper.pdf")
	if err := s.Cancel(ctx, job.JobID); err != nil {
		t.Fatalf("cancel queued job: %v", err)
	}
	got, _ := s.Get(ctx, job.JobID)
	if got.Status != model.JobCancelled {
		t.Fatalf("status = %s, want %s", got.Status, model.JobCancelled)
	}

	job2, _ := s.Create(ctx, "paper2.pdf", "/tmp/paper2.pdf")
	if err := s.Start(ctx, job2.JobID); err != nil {
		t.Fatalf("start job2: %v", err)
	}
	if err := s.Cancel(ctx, job2.JobID); err == nil {
		t.Fatal("cancelling a processing job should fail")
	}
}
