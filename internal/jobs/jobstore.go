// Package jobs implements C3 JobStore: the Job state machine
// (queued → processing → {completed, failed, cancelled}) over the
// relational store, generalizing the teacher's UpdateJobStatus UPSERT
// pattern (internal/storage/postgres.go) from a single-column status flip
// into the full step/progress/terminal-state transition set of spec.md §4.3.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refserver/paperingest/internal/ingesterr"
	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/storage"
)

// Store wraps the relational store with the Job state machine's
// transition rules, serializing writes per job_id so concurrent step
// updates from a pipeline and a concurrent status read never interleave
// inconsistently.
type Store struct {
	rel *storage.RelationalStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(rel *storage.RelationalStore) *Store {
	return &Store{rel: rel, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

// Create transitions a new job to queued, progress 0.
func (s *Store) Create(ctx context.Context, filename, sourcePath string) (*model.Job, error) {
	job := &model.Job{
		JobID:      uuid.New().String(),
		Filename:   filename,
		SourcePath: sourcePath,
		Status:     model.JobQueued,
		CreatedAt:  time.Now(),
	}
	if err := s.rel.UpsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Start transitions queued -> processing, setting started_at.
func (s *Store) Start(ctx context.Context, jobID string) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.rel.GetJob(ctx, jobID)
	if err != nil {
		return ingesterr.NewNotFound("job", jobID)
	}
	if job.Status != model.JobQueued {
		return fmt.Errorf("cannot start job %s from status %s", jobID, job.Status)
	}
	now := time.Now()
	job.Status = model.JobProcessing
	job.StartedAt = &now
	return s.rel.UpsertJob(ctx, job)
}

// Step records progress while a job is processing.
func (s *Store) Step(ctx context.Context, jobID, step string, progressPercent int, ok bool) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.rel.GetJob(ctx, jobID)
	if err != nil {
		return ingesterr.NewNotFound("job", jobID)
	}
	if job.Status != model.JobProcessing {
		return fmt.Errorf("cannot record step on job %s in status %s", jobID, job.Status)
	}
	job.CurrentStep = step
	job.ProgressPercent = progressPercent
	if ok {
		job.StepsCompleted = append(job.StepsCompleted, step)
	} else {
		job.StepsFailed = append(job.StepsFailed, step)
	}
	return s.rel.UpsertJob(ctx, job)
}

// FinishOK transitions processing -> completed.
func (s *Store) FinishOK(ctx context.Context, jobID, paperID string, resultSummary map[string]interface{}) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.rel.GetJob(ctx, jobID)
	if err != nil {
		return ingesterr.NewNotFound("job", jobID)
	}
	if job.Status != model.JobProcessing {
		return fmt.Errorf("cannot finish job %s from status %s", jobID, job.Status)
	}
	now := time.Now()
	job.Status = model.JobCompleted
	job.PaperID = paperID
	job.ResultSummary = resultSummary
	job.ProgressPercent = 100
	job.CompletedAt = &now
	return s.rel.UpsertJob(ctx, job)
}

// FinishErr transitions processing -> failed.
func (s *Store) FinishErr(ctx context.Context, jobID, errMessage string) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.rel.GetJob(ctx, jobID)
	if err != nil {
		return ingesterr.NewNotFound("job", jobID)
	}
	if job.Status != model.JobProcessing {
		return fmt.Errorf("cannot fail job %s from status %s", jobID, job.Status)
	}
	now := time.Now()
	job.Status = model.JobFailed
	job.ErrorMessage = errMessage
	job.CompletedAt = &now
	return s.rel.UpsertJob(ctx, job)
}

// Cancel transitions queued -> cancelled. Jobs already processing cannot be
// cancelled through this call; they run to completion or their own failure.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.rel.GetJob(ctx, jobID)
	if err != nil {
		return ingesterr.NewNotFound("job", jobID)
	}
	if job.Status != model.JobQueued {
		return fmt.Errorf("cannot cancel job %s from status %s", jobID, job.Status)
	}
	now := time.Now()
	job.Status = model.JobCancelled
	job.CompletedAt = &now
	return s.rel.UpsertJob(ctx, job)
}

// Get reads a job's current state. Safe to call concurrently with writes.
func (s *Store) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.rel.GetJob(ctx, jobID)
	if err != nil {
		return nil, ingesterr.NewNotFound("job", jobID)
	}
	return job, nil
}

// ListByStatus returns jobs in a given status, most recent first.
func (s *Store) ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	return s.rel.ListJobsByStatus(ctx, status, limit)
}
