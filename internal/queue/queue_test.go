package queue

import (
	"testing"

	"github.com/refserver/paperingest/internal/logging"
)

func TestNewStoresWorkerCountForStatus(t *testing.T) {
	cfg := Config{RedisURL: "redis://127.0.0.1:6379", Capacity: 100, WorkerCount: 8}
	q, err := New(cfg, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.client.Close()

	if q.workers != cfg.WorkerCount {
		t.Fatalf("workers = %d, want %d", q.workers, cfg.WorkerCount)
	}
}

func TestPriorityQueueNames(t *testing.T) {
	cases := map[Priority]string{
		PriorityUrgent: "urgent",
		PriorityHigh:   "high",
		PriorityNormal: "normal",
		PriorityLow:    "low",
	}
	for p, want := range cases {
		if got := p.queueName(); got != want {
			t.Errorf("Priority(%d).queueName() = %q, want %q", p, got, want)
		}
	}
}
