package mirror

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/datarelay/drivemirror/internal/store"
)

// recordingProcessor tracks task order and concurrent invocations.
type recordingProcessor struct {
	mu       sync.Mutex
	tasks    []SyncTask
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func (p *recordingProcessor) ProcessTask(ctx context.Context, task SyncTask) (BatchResult, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.inFlight--
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	return BatchResult{Success: len(task.Files)}, nil
}

func (p *recordingProcessor) snapshot() ([]SyncTask, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SyncTask(nil), p.tasks...), p.maxSeen
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueSingleFlightPreservesOrder(t *testing.T) {
	gate := NewGate()
	gate.MarkReady()
	proc := &recordingProcessor{delay: 10 * time.Millisecond}
	q := NewTaskQueue(gate, proc, TaskQueueOptions{Logger: log.New(io.Discard, "", 0)})
	defer q.Close()

	q.Enqueue(SyncTask{ID: "1", Type: TaskBulkSync})
	q.Enqueue(SyncTask{ID: "2", Type: TaskRetrySync})
	q.Enqueue(SyncTask{ID: "3", Type: TaskUpdateCheck})

	waitFor(t, 2*time.Second, func() bool {
		tasks, _ := proc.snapshot()
		return len(tasks) == 3
	})
	tasks, maxSeen := proc.snapshot()
	if maxSeen != 1 {
		t.Fatalf("expected single-flight processing, saw %d concurrent tasks", maxSeen)
	}
	for i, want := range []string{"1", "2", "3"} {
		if tasks[i].ID != want {
			t.Fatalf("position %d: expected task %s, got %s", i, want, tasks[i].ID)
		}
	}
}

func TestQueueWaitsForGate(t *testing.T) {
	gate := NewGate()
	proc := &recordingProcessor{}
	q := NewTaskQueue(gate, proc, TaskQueueOptions{Logger: log.New(io.Discard, "", 0)})
	defer q.Close()

	q.Enqueue(SyncTask{ID: "pre-ready", Type: TaskBulkSync})
	time.Sleep(30 * time.Millisecond)
	if tasks, _ := proc.snapshot(); len(tasks) != 0 {
		t.Fatalf("nothing may process before the gate fires, got %d tasks", len(tasks))
	}
	if q.Depth() != 1 {
		t.Fatalf("expected one queued task, got %d", q.Depth())
	}

	gate.MarkReady()
	waitFor(t, 2*time.Second, func() bool {
		tasks, _ := proc.snapshot()
		return len(tasks) == 1
	})
	if q.Depth() != 0 {
		t.Fatalf("queue should drain after readiness, depth %d", q.Depth())
	}
}

func TestQueueAccumulatesTotals(t *testing.T) {
	gate := NewGate()
	gate.MarkReady()
	proc := &recordingProcessor{}
	q := NewTaskQueue(gate, proc, TaskQueueOptions{Logger: log.New(io.Discard, "", 0)})
	defer q.Close()

	q.Enqueue(SyncTask{ID: "1", Files: []map[string]any{{"id": "a"}, {"id": "b"}}})
	q.Enqueue(SyncTask{ID: "2", Files: []map[string]any{{"id": "c"}}})

	waitFor(t, 2*time.Second, func() bool {
		return q.Totals().Success == 3
	})
}

func TestQueueMonitorEnqueuesUpdateCheck(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if _, err := st.UpsertFile(ctx, store.File{
		ID:         "lagging",
		SyncStatus: store.SyncPending,
		Metadata:   map[string]any{"id": "lagging", "name": "doc", "mimeType": "text/plain"},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	gate := NewGate()
	gate.MarkReady()
	proc := &recordingProcessor{}
	q := NewTaskQueue(gate, proc, TaskQueueOptions{Logger: log.New(io.Discard, "", 0)})
	defer q.Close()

	q.StartMonitor(st, 20*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool {
		tasks, _ := proc.snapshot()
		return len(tasks) > 0
	})
	tasks, _ := proc.snapshot()
	if tasks[0].Type != TaskUpdateCheck {
		t.Fatalf("expected UPDATE_CHECK task, got %s", tasks[0].Type)
	}
	if len(tasks[0].Files) != 1 || tasks[0].Files[0]["id"] != "lagging" {
		t.Fatalf("expected the stored payload replayed, got %+v", tasks[0].Files)
	}
}
