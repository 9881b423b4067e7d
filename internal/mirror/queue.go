package mirror

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/datarelay/drivemirror/internal/store"
)

const defaultMonitorInterval = 60 * time.Second

// TaskProcessor consumes one task at a time.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, task SyncTask) (BatchResult, error)
}

type TaskQueueOptions struct {
	Logger *log.Logger
	Clock  func() time.Time
}

// TaskQueue is a FIFO with single-flight draining: at most one task is being
// processed at any moment, and a drain only starts once the readiness gate
// has fired. Tasks enqueued before readiness simply wait.
type TaskQueue struct {
	gate      *Gate
	processor TaskProcessor
	logger    *log.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	tasks      []SyncTask
	draining   bool
	processing bool
	totals     BatchResult
}

func NewTaskQueue(gate *Gate, processor TaskProcessor, opts TaskQueueOptions) *TaskQueue {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[queue] ", log.LstdFlags)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskQueue{
		gate:      gate,
		processor: processor,
		logger:    opts.Logger,
		now:       opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue appends a task and kicks off a drain if one is not already running.
func (q *TaskQueue) Enqueue(task SyncTask) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	startDrain := !q.draining
	if startDrain {
		q.draining = true
	}
	q.mu.Unlock()

	if startDrain {
		q.wg.Add(1)
		go q.drain()
	}
}

func (q *TaskQueue) drain() {
	defer q.wg.Done()
	if err := q.gate.AwaitReady(q.ctx); err != nil {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
		return
	}
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 || q.ctx.Err() != nil {
			q.draining = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.processing = true
		q.mu.Unlock()

		result, err := q.processor.ProcessTask(q.ctx, task)
		q.mu.Lock()
		q.processing = false
		q.totals.Success += result.Success
		q.totals.Failed += result.Failed
		q.totals.UsersProcessed += result.UsersProcessed
		q.mu.Unlock()
		if err != nil {
			q.logger.Printf("task %s (%s) aborted: %v", task.ID, task.Type, err)
		}
	}
}

// StartMonitor begins the periodic change check: rows modified since the last
// look, plus anything still pending or errored, are re-enqueued as an
// UPDATE_CHECK task. Runs until Close.
func (q *TaskQueue) StartMonitor(st store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		lastCheck := q.now()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
			}
			if !q.gate.Ready() {
				continue
			}
			rows, err := st.ChangedOrUnsynced(q.ctx, lastCheck)
			if err != nil {
				q.logger.Printf("change check failed: %v", err)
				continue
			}
			if len(rows) > 0 {
				q.logger.Printf("change check found %d rows, enqueueing update", len(rows))
				q.Enqueue(NewSyncTask(TaskUpdateCheck, recordsFromRows(rows)))
			}
			lastCheck = q.now()
		}
	}()
}

// Depth reports tasks still waiting, excluding the one in flight.
func (q *TaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *TaskQueue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Totals reports accumulated processing counts since startup.
func (q *TaskQueue) Totals() BatchResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totals
}

// Close stops the monitor and waits for the in-flight drain to finish.
func (q *TaskQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

// recordsFromRows rebuilds raw payloads from stored rows. Rows keep the full
// upstream payload as metadata; rows without one (error rows written before
// any successful sync) fall back to the few columns we have.
func recordsFromRows(rows []store.File) []map[string]any {
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if len(row.Metadata) > 0 {
			records = append(records, row.Metadata)
			continue
		}
		records = append(records, map[string]any{
			"id":       row.ID,
			"name":     row.Name,
			"mimeType": row.MimeType,
		})
	}
	return records
}
