// Package processor runs ingestion tasks on a fixed pool of workers fed by a
// bounded priority queue.
package processor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity. It is
	// wrapped in a transient error so callers can back off and retry.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("processor stopped")
)

// Handler executes one task and returns its result payload.
type Handler func(ctx context.Context, task models.Task) (any, error)

// Config sizes the worker pool and the queue.
type Config struct {
	MaxWorkers      int
	MaxQueueSize    int
	ResultRetention time.Duration
	StopTimeout     time.Duration
	StopGrace       time.Duration // wait for cancelled workers after ctx expires
}

// DefaultConfig returns 5 workers and a 1000 task queue.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      5,
		MaxQueueSize:    1000,
		ResultRetention: 24 * time.Hour,
		StopTimeout:     30 * time.Second,
		StopGrace:       time.Second,
	}
}

// ConfigFrom converts the processor config section.
func ConfigFrom(cfg config.ProcessorConfig) Config {
	c := DefaultConfig()
	if cfg.MaxWorkers > 0 {
		c.MaxWorkers = cfg.MaxWorkers
	}
	if cfg.MaxQueueSize > 0 {
		c.MaxQueueSize = cfg.MaxQueueSize
	}
	c.ResultRetention = config.Duration(cfg.ResultRetention, c.ResultRetention)
	c.StopTimeout = config.Duration(cfg.StopTimeout, c.StopTimeout)
	return c
}

type queuedTask struct {
	task models.Task
	seq  uint64
}

// taskHeap orders by descending priority, then by submission order.
type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Processor is the parallel task processor. Tasks may be submitted before
// Start; they run once workers are up.
type Processor struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	queue    taskHeap
	seq      uint64
	results  map[string]models.TaskResult
	done     map[string]chan struct{}
	started  bool
	stopped  bool

	ready  chan struct{}
	quit   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	execNanos atomic.Int64
}

// New creates a processor with the given handlers keyed by operation name.
func New(cfg Config, handlers map[string]Handler, log *slog.Logger) *Processor {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if log == nil {
		log = slog.Default()
	}

	h := make(map[string]Handler, len(handlers))
	for op, fn := range handlers {
		h[op] = fn
	}

	return &Processor{
		config:   cfg,
		logger:   log.With("component", "task_processor"),
		now:      time.Now,
		handlers: h,
		results:  make(map[string]models.TaskResult),
		done:     make(map[string]chan struct{}),
		ready:    make(chan struct{}, cfg.MaxQueueSize),
		quit:     make(chan struct{}),
	}
}

// Register adds or replaces the handler for an operation.
func (p *Processor) Register(operation string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[operation] = h
}

// Start launches the workers. Tasks run under a context derived from ctx.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("processor is already started")
	}
	if p.stopped {
		return ErrStopped
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.config.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i+1)
	}

	p.logger.Info("task processor started", "workers", p.config.MaxWorkers, "max_queue_size", p.config.MaxQueueSize)
	return nil
}

// Stop stops accepting work, fails every queued task that has not started,
// and waits for in-flight tasks until ctx is done. In-flight tasks still
// running at that point are cancelled, and Stop returns ctx.Err() after at
// most StopGrace more, even if a handler ignores cancellation. Results stay
// queryable.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started

	now := p.now().UTC()
	drained := 0
	for p.queue.Len() > 0 {
		qt := heap.Pop(&p.queue).(queuedTask)
		p.finishLocked(models.TaskResult{
			TaskID:      qt.task.ID,
			Symbol:      qt.task.Symbol,
			Operation:   qt.task.Operation,
			Error:       ErrStopped.Error(),
			CompletedAt: now,
		})
		p.failed.Add(1)
		drained++
	}
	close(p.quit)
	p.mu.Unlock()

	p.logger.Info("stopping task processor", "drained", drained, "in_flight", p.active.Load())
	if !started {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	defer p.cancel()
	select {
	case <-finished:
		p.logger.Info("task processor stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
	}

	grace := time.NewTimer(p.config.StopGrace)
	defer grace.Stop()
	select {
	case <-finished:
		p.logger.Warn("task processor stop timed out, in-flight tasks cancelled")
	case <-grace.C:
		p.logger.Error("task processor stop timed out, workers ignored cancellation",
			"in_flight", p.active.Load(),
			"grace", p.config.StopGrace)
	}
	return ctx.Err()
}

// Submit queues a task and returns its ID. A full queue fails immediately
// with a transient error wrapping ErrQueueFull.
func (p *Processor) Submit(symbol, operation string, params map[string]any, priority int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.rejected.Add(1)
		return "", ErrStopped
	}
	if p.queue.Len() >= p.config.MaxQueueSize {
		p.rejected.Add(1)
		return "", apperrors.Transient("task_processor",
			fmt.Errorf("%w (%d tasks)", ErrQueueFull, p.config.MaxQueueSize))
	}

	task := models.Task{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Operation: operation,
		Params:    params,
		Priority:  priority,
		CreatedAt: p.now().UTC(),
	}
	p.seq++
	heap.Push(&p.queue, queuedTask{task: task, seq: p.seq})
	p.done[task.ID] = make(chan struct{})
	p.submitted.Add(1)

	// one token per queued task; capacity equals the queue bound
	select {
	case p.ready <- struct{}{}:
	default:
	}

	p.logger.Debug("task submitted", "task_id", task.ID, "symbol", symbol, "operation", operation, "priority", priority)
	return task.ID, nil
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		case <-p.ready:
		}

		task, ok := p.pop()
		if !ok {
			continue
		}
		p.execute(ctx, id, task)
	}
}

func (p *Processor) pop() (models.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.queue.Len() == 0 {
		return models.Task{}, false
	}
	p.active.Add(1)
	return heap.Pop(&p.queue).(queuedTask).task, true
}

func (p *Processor) execute(ctx context.Context, workerID int, task models.Task) {
	defer p.active.Add(-1)

	ctx = logger.WithTaskID(logger.WithSymbol(ctx, task.Symbol), task.ID)
	log := logger.FromContext(ctx, p.logger)

	started := p.now()
	data, err := p.run(ctx, task)
	elapsed := p.now().Sub(started)

	result := models.TaskResult{
		TaskID:        task.ID,
		Symbol:        task.Symbol,
		Operation:     task.Operation,
		Success:       err == nil,
		Data:          data,
		ExecutionTime: elapsed,
		CompletedAt:   p.now().UTC(),
	}
	p.execNanos.Add(int64(elapsed))

	if err != nil {
		result.Error = err.Error()
		p.failed.Add(1)
		log.Warn("task failed", "worker_id", workerID, "operation", task.Operation, "error", err, "duration", elapsed)
	} else {
		p.completed.Add(1)
		log.Debug("task completed", "worker_id", workerID, "operation", task.Operation, "duration", elapsed)
	}

	p.mu.Lock()
	p.finishLocked(result)
	p.mu.Unlock()
}

// run invokes the handler, turning panics into errors.
func (p *Processor) run(ctx context.Context, task models.Task) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	p.mu.Lock()
	h, ok := p.handlers[task.Operation]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", task.Operation)
	}
	return h(ctx, task)
}

// finishLocked records a result and releases waiters. Callers hold mu.
func (p *Processor) finishLocked(result models.TaskResult) {
	p.results[result.TaskID] = result
	if ch, ok := p.done[result.TaskID]; ok {
		close(ch)
		delete(p.done, result.TaskID)
	}
}

// Status returns the result of a finished task. ok is false while the task
// is queued or running, and for unknown IDs.
func (p *Processor) Status(taskID string) (models.TaskResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[taskID]
	return r, ok
}

// Wait blocks until the task finishes or ctx is done.
func (p *Processor) Wait(ctx context.Context, taskID string) (models.TaskResult, error) {
	p.mu.Lock()
	if r, ok := p.results[taskID]; ok {
		p.mu.Unlock()
		return r, nil
	}
	ch, ok := p.done[taskID]
	p.mu.Unlock()
	if !ok {
		return models.TaskResult{}, fmt.Errorf("unknown task %s", taskID)
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return models.TaskResult{}, ctx.Err()
	}
	r, _ := p.Status(taskID)
	return r, nil
}

// WaitForCompletion blocks until the queue is empty and no task is running.
func (p *Processor) WaitForCompletion(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		idle := p.queue.Len() == 0 && p.active.Load() == 0
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ClearCompleted drops results that finished more than olderThan ago and
// returns how many were removed.
func (p *Processor) ClearCompleted(olderThan time.Duration) int {
	cutoff := p.now().Add(-olderThan)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, r := range p.results {
		if r.CompletedAt.Before(cutoff) {
			delete(p.results, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Info("cleared completed tasks", "removed", removed, "older_than", olderThan)
	}
	return removed
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() models.ProcessingStats {
	p.mu.Lock()
	queued := p.queue.Len()
	retained := len(p.results)
	running := p.started && !p.stopped
	p.mu.Unlock()

	s := models.ProcessingStats{
		Running:         running,
		Workers:         p.config.MaxWorkers,
		ActiveWorkers:   int(p.active.Load()),
		QueueSize:       queued,
		MaxQueueSize:    p.config.MaxQueueSize,
		Submitted:       p.submitted.Load(),
		Rejected:        p.rejected.Load(),
		Completed:       p.completed.Load(),
		Failed:          p.failed.Load(),
		RetainedResults: retained,
	}
	if n := s.Completed + s.Failed; n > 0 {
		s.AvgExecutionTime = time.Duration(p.execNanos.Load() / n)
	}
	return s
}
