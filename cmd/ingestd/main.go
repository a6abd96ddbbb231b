// Command ingestd is the composition root for the paper ingest core: it
// wires storage, validation, duplicate detection, the job queue, the
// processing pipeline, the performance monitor, the backup coordinator,
// the consistency checker, and the scheduler, then runs until a shutdown
// signal arrives. Adapted from the teacher's cmd/worker/main.go load-then-
// wire-then-wait-for-signal shape; the single queue consumer becomes one
// leg of a larger composition that also starts the scheduler's background
// executor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/refserver/paperingest/internal/backup"
	"github.com/refserver/paperingest/internal/clients"
	"github.com/refserver/paperingest/internal/config"
	"github.com/refserver/paperingest/internal/consistency"
	"github.com/refserver/paperingest/internal/duplicate"
	"github.com/refserver/paperingest/internal/jobs"
	"github.com/refserver/paperingest/internal/logging"
	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/monitor"
	"github.com/refserver/paperingest/internal/pipeline"
	"github.com/refserver/paperingest/internal/queue"
	"github.com/refserver/paperingest/internal/scheduler"
	"github.com/refserver/paperingest/internal/storage"
)

func main() {
	logger := logging.NewLogger("ingestd")

	if err := godotenv.Load(); err != nil {
		logger.Warn(".env not found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to storage", "sqlite", cfg.SQLitePath, "qdrant", cfg.QdrantAddress)
	rel, err := storage.NewRelationalStore(ctx, cfg.SQLitePath)
	if err != nil {
		logger.Fatal("failed to open relational store", "error", err)
	}
	defer rel.Close()

	analyzers := buildAnalyzers(cfg, logger)

	dimension := 1024 // VoyageAI voyage-3 output size, the only embedding provider this module constructs
	if analyzers.Embedding != nil {
		dimension = analyzers.Embedding.Dimension()
	}
	vec, err := storage.NewVectorStore(ctx, cfg.QdrantAddress, cfg.QdrantCollection, dimension)
	if err != nil {
		logger.Fatal("failed to connect to vector store", "error", err)
	}
	defer vec.Close()

	coord := storage.NewCoordinator(rel, vec, logger)

	// validator.FileValidator is constructed by the upstream HTTP boundary
	// (out of this module's scope per spec.md §1); ingestd itself only
	// consumes jobs already past that check.
	detector := duplicate.New(rel, analyzers.Embedding, logger)
	jobStore := jobs.New(rel)

	proc := pipeline.New(rel, coord, detector, analyzers, jobStore, logger, pipeline.Config{
		PDFStorageRoot:          cfg.PDFStorageRoot,
		EnableGPUIntensiveTasks: cfg.EnableGPUIntensiveTasks,
		SimilarityThreshold:     cfg.SimilarityDuplicateThreshold,
	})

	perf := monitor.New(monitor.Config{
		RetentionDuration:    7 * 24 * time.Hour,
		SystemSampleInterval: 15 * time.Second,
		MaxJobHistory:        10000,
		DiskPath:             cfg.PDFStorageRoot,
	}, prometheus.DefaultRegisterer)
	perf.Start()
	defer perf.Stop()

	backupCoord := backup.NewCoordinator(rel, vec, cfg.BackupRoot, logger)
	checker := consistency.New(rel, vec, detector, logger)

	q, err := queue.New(queue.Config{
		RedisURL:       cfg.RedisURL,
		Capacity:       cfg.QueueCapacity,
		WorkerCount:    cfg.WorkerCount,
		ProcessTimeout: cfg.AnalyzerTimeout * 10,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize queue", "error", err)
	}

	q.RegisterHandler(func(ctx context.Context, payload queue.Payload) error {
		jobLogger := logger.With("job_id", payload.JobID, "filename", payload.Filename)

		data, err := os.ReadFile(payload.SourcePath)
		if err != nil {
			jobLogger.Error("failed to read source file", "error", err)
			return jobStore.FinishErr(ctx, payload.JobID, fmt.Sprintf("read source file: %v", err))
		}

		if err := jobStore.Start(ctx, payload.JobID); err != nil {
			jobLogger.Error("failed to start job", "error", err)
			return err
		}

		job, err := jobStore.Get(ctx, payload.JobID)
		if err != nil {
			return err
		}

		perf.StartJob(payload.JobID, payload.Filename, float64(len(data))/(1024*1024))
		res, err := proc.Run(ctx, job, data)
		pageCount := 0
		if err == nil && res.DocID != "" {
			if paper, perr := rel.GetPaper(ctx, res.DocID); perr == nil {
				pages, _ := rel.GetPageEmbeddings(ctx, paper.DocID)
				pageCount = len(pages)
			}
		}
		perf.CompleteJob(payload.JobID, err == nil, errString(err), pageCount)

		if err != nil {
			jobLogger.Error("pipeline run failed", "error", err)
			return err
		}
		jobLogger.Info("pipeline run finished", "kind", res.Kind, "doc_id", res.DocID, "matched_doc_id", res.MatchedDocID)
		return nil
	}, cfg.AnalyzerTimeout*10)

	if err := q.Start(); err != nil {
		logger.Fatal("failed to start queue", "error", err)
	}
	defer q.Stop()

	sched := scheduler.New(logger)
	registerMaintenanceJobs(sched, backupCoord, checker, cfg, logger)
	sched.Start()
	defer sched.Stop()

	logger.Info("ingestd ready", "workers", cfg.WorkerCount, "queue_capacity", cfg.QueueCapacity)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
}

// buildAnalyzers wires the external-capability collaborators from
// config-supplied endpoints; any capability whose URL/key is unset is left
// nil so the pipeline skips (not fails) that stage, per spec.md's "any
// subset of analyzers may be absent" contract.
func buildAnalyzers(cfg *config.Config, logger *logging.Logger) *clients.Analyzers {
	a := &clients.Analyzers{}

	if cfg.OCRServiceURL != "" || cfg.QualityServiceURL != "" || cfg.LayoutServiceURL != "" || cfg.MetadataServiceURL != "" {
		httpClient := clients.NewHTTPAnalyzerClient(
			cfg.OCRServiceURL, cfg.QualityServiceURL, cfg.LayoutServiceURL, cfg.MetadataServiceURL,
			cfg.AnalyzerTimeout, logger,
		)
		if cfg.OCRServiceURL != "" {
			a.OCR = httpClient
		}
		if cfg.QualityServiceURL != "" {
			a.Quality = httpClient
		}
		if cfg.LayoutServiceURL != "" {
			a.Layout = httpClient
		}
		if cfg.MetadataServiceURL != "" {
			a.Metadata = httpClient
		}
	}

	if cfg.EmbeddingAPIKey != "" {
		embedClient, err := clients.NewVoyageEmbeddingClient(cfg.EmbeddingAPIKey, logger)
		if err != nil {
			logger.Warn("embedding capability unavailable", "error", err)
		} else {
			a.Embedding = embedClient
		}
	}

	return a
}

// registerMaintenanceJobs schedules C7's unified backup + retention sweep
// and C8's consistency check, per spec.md §4.9's cron-or-interval
// descriptors.
func registerMaintenanceJobs(sched *scheduler.Scheduler, backupCoord *backup.Coordinator, checker *consistency.Checker, cfg *config.Config, logger *logging.Logger) {
	if err := sched.Add(scheduler.Job{
		ID:   "daily-backup",
		Cron: "0 3 * * *",
		Run: func() error {
			ctx := context.Background()
			_, err := backupCoord.Run(ctx, model.BackupFull, cfg.RetentionDaysDaily, "scheduled daily backup")
			return err
		},
	}); err != nil {
		logger.Error("failed to schedule daily backup", "error", err)
	}

	if err := sched.Add(scheduler.Job{
		ID:   "weekly-backup",
		Cron: "0 4 * * 0",
		Run: func() error {
			ctx := context.Background()
			_, err := backupCoord.Run(ctx, model.BackupFull, cfg.RetentionDaysWeekly, "scheduled weekly backup")
			return err
		},
	}); err != nil {
		logger.Error("failed to schedule weekly backup", "error", err)
	}

	if err := sched.Add(scheduler.Job{
		ID:       "backup-retention-sweep",
		Interval: 6 * time.Hour,
		Run: func() error {
			removed, err := backupCoord.Sweep(context.Background())
			if err == nil {
				logger.Info("retention sweep complete", "removed", removed)
			}
			return err
		},
	}); err != nil {
		logger.Error("failed to schedule retention sweep", "error", err)
	}

	if err := sched.Add(scheduler.Job{
		ID:       "backup-health-check",
		Interval: time.Hour,
		Run: func() error {
			report, err := backupCoord.HealthCheck(context.Background())
			if err != nil {
				return err
			}
			logger.Info("backup health check complete",
				"recent_backup_found", report.RecentBackupFound,
				"newest_backup_age", report.NewestBackupAge,
				"integrity_ok", report.IntegrityOK)
			return nil
		},
	}); err != nil {
		logger.Error("failed to schedule backup health check", "error", err)
	}

	if err := sched.Add(scheduler.Job{
		ID:       "consistency-check",
		Interval: time.Hour,
		Run: func() error {
			ctx := context.Background()
			report, err := checker.Check(ctx)
			if err != nil {
				return err
			}
			logger.Info("consistency check complete", "issues", len(report.Issues), "counts_match", report.CountsMatch)
			severity := consistency.Severity(cfg.ConsistencyAutofixMaxSeverity)
			fixed, err := checker.AutoFix(ctx, report, severity)
			if err != nil {
				return err
			}
			if fixed > 0 {
				logger.Info("consistency auto-fix applied", "fixed", fixed)
			}
			return nil
		},
	}); err != nil {
		logger.Error("failed to schedule consistency check", "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
