// Package queue implements C4 JobQueue: a bounded, strictly-prioritized,
// worker-pool-backed job queue. Adapted from the teacher's
// internal/queue/consumer.go asynq wiring — the Redis connection, task
// type/payload shape, and ServeMux dispatch pattern are kept; the single
// flat queue is split into four strict-priority queues (asynq's
// StrictPriority option gives exactly the "lower number served first"
// semantics spec.md asks for, where the teacher used weighted fairness
// across a two-queue map), and a bounded-capacity check is added in front
// of every submit via asynq's Inspector, which the teacher never needed
// since BullMQ enforces no such cap upstream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/refserver/paperingest/internal/ingesterr"
	"github.com/refserver/paperingest/internal/logging"
)

// Priority is one of the four strict priority classes; lower value is
// served first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) queueName() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

const taskTypeProcessDocument = "process_document"

// Payload is the job body carried on the wire; the pipeline re-derives
// everything else (it re-reads the source file from SourcePath).
type Payload struct {
	JobID      string `json:"job_id"`
	Filename   string `json:"filename"`
	SourcePath string `json:"source_path"`
}

// Handler processes one dequeued job. Returning an error marks the task
// failed in asynq's own retry bookkeeping; the pipeline itself is
// responsible for the Job state machine transition via internal/jobs.
type Handler func(ctx context.Context, payload Payload) error

// Queue is the bounded, priority JobQueue.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	capacity  int
	workers   int
	logger    *logging.Logger
}

// Config configures the queue's Redis connection, capacity, and worker pool.
type Config struct {
	RedisURL        string
	Capacity        int // Q: bounded queue capacity across all priority classes
	WorkerCount     int // W: worker pool size
	ProcessTimeout  time.Duration
}

// New constructs a Queue. Call RegisterHandler before Start.
func New(cfg Config, logger *logging.Logger) (*Queue, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := asynq.NewClient(redisOpt)
	inspector := asynq.NewInspector(redisOpt)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerCount,
		Queues: map[string]int{
			PriorityUrgent.queueName(): 4,
			PriorityHigh.queueName():   3,
			PriorityNormal.queueName(): 2,
			PriorityLow.queueName():    1,
		},
		StrictPriority: true,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(5*(1<<uint(n))) * time.Second
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task processing error", "type", task.Type(), "error", err)
		}),
	})

	return &Queue{
		client: client, inspector: inspector, server: server,
		mux: asynq.NewServeMux(), capacity: cfg.Capacity, workers: cfg.WorkerCount, logger: logger,
	}, nil
}

// RegisterHandler wires the single process-document task type to h.
func (q *Queue) RegisterHandler(h Handler, processTimeout time.Duration) {
	q.mux.HandleFunc(taskTypeProcessDocument, func(ctx context.Context, task *asynq.Task) error {
		var payload Payload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		timeout := processTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		procCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return h(procCtx, payload)
	})
}

// Start runs the asynq server in the background.
func (q *Queue) Start() error {
	go func() {
		if err := q.server.Run(q.mux); err != nil {
			q.logger.Error("queue server stopped with error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server and closes connections.
func (q *Queue) Stop() error {
	q.server.Shutdown()
	q.inspector.Close()
	return q.client.Close()
}

// Submit enqueues a job at the given priority. Returns false if the queue
// is at capacity (summed across all priority classes).
func (q *Queue) Submit(ctx context.Context, jobID, filename, sourcePath string, priority Priority) (bool, error) {
	size, err := q.totalQueueSize()
	if err != nil {
		return false, fmt.Errorf("check queue size: %w", err)
	}
	if size >= q.capacity {
		return false, ingesterr.NewQueueFull(jobID)
	}

	payload, err := json.Marshal(Payload{JobID: jobID, Filename: filename, SourcePath: sourcePath})
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	task := asynq.NewTask(taskTypeProcessDocument, payload, asynq.TaskID(jobID), asynq.Queue(priority.queueName()))
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		if err == asynq.ErrTaskIDConflict {
			return false, fmt.Errorf("job %s already enqueued", jobID)
		}
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return true, nil
}

// Cancel removes a queued (not yet started) job and reports whether it
// found and removed one. Running jobs cannot be cancelled through this call.
func (q *Queue) Cancel(jobID string) (bool, error) {
	for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow} {
		err := q.inspector.DeleteTask(p.queueName(), jobID)
		if err == nil {
			return true, nil
		}
		if err != asynq.ErrTaskNotFound && err != asynq.ErrQueueNotFound {
			return false, fmt.Errorf("cancel job %s: %w", jobID, err)
		}
	}
	return false, nil
}

// Item is a preview entry in Status.ItemsPreview.
type Item struct {
	JobID      string
	Priority   Priority
	EnqueuedAt time.Time
}

// Status is the snapshot returned by Status().
type Status struct {
	QueueSize     int
	ActiveCount   int
	MaxConcurrent int
	ItemsPreview  []Item
}

// Status reports queue occupancy across all priority classes, in priority
// order, for at least the first previewLimit items.
func (q *Queue) Status(previewLimit int) (*Status, error) {
	st := &Status{MaxConcurrent: q.workers}
	for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow} {
		qi, err := q.inspector.GetQueueInfo(p.queueName())
		if err != nil {
			if err == asynq.ErrQueueNotFound {
				continue
			}
			return nil, fmt.Errorf("get queue info for %s: %w", p.queueName(), err)
		}
		st.QueueSize += qi.Pending + qi.Scheduled + qi.Retry
		st.ActiveCount += qi.Active

		if len(st.ItemsPreview) < previewLimit {
			tasks, err := q.inspector.ListPendingTasks(p.queueName(), asynq.PageSize(previewLimit))
			if err != nil {
				continue
			}
			for _, t := range tasks {
				if len(st.ItemsPreview) >= previewLimit {
					break
				}
				// asynq's TaskInfo doesn't expose the original enqueue
				// timestamp for pending tasks; NextProcessAt is the closest
				// available ordering signal for a FIFO-within-class preview.
				st.ItemsPreview = append(st.ItemsPreview, Item{
					JobID: t.ID, Priority: p, EnqueuedAt: t.NextProcessAt,
				})
			}
		}
	}
	return st, nil
}

func (q *Queue) totalQueueSize() (int, error) {
	total := 0
	for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow} {
		qi, err := q.inspector.GetQueueInfo(p.queueName())
		if err != nil {
			if err == asynq.ErrQueueNotFound {
				continue
			}
			return 0, err
		}
		total += qi.Pending + qi.Scheduled + qi.Retry + qi.Active
	}
	return total, nil
}
