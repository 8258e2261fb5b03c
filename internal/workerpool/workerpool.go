// Package workerpool implements the bounded worker pool (§4.4) that backs
// the specialized Merkle/merge/serialization workers in internal/workers.
// It follows the goroutine+channel+zap idiom used throughout this codebase
// (see internal/network's connection handling) rather than a generic
// executor abstraction.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latticedb/engine/internal/errs"
	"github.com/latticedb/engine/internal/monitoring"
)

// Priority orders queued tasks; the queue is stable (FIFO) within a level.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// TaskState is a task's position in the NEW→QUEUED→ASSIGNED→{DONE,FAILED,
// TIMEOUT,CANCELLED} state machine.
type TaskState int

const (
	TaskNew TaskState = iota
	TaskQueued
	TaskAssigned
	TaskDone
	TaskFailed
	TaskTimeout
	TaskCancelled
)

// Task is a unit of work submitted to the pool.
type Task struct {
	ID       string
	Type     string
	Priority Priority
	Payload  interface{}
	Run      func(ctx context.Context, payload interface{}) (interface{}, error)

	Timeout time.Duration

	state    TaskState
	submitAt time.Time
	doneCh   chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
	state TaskState
}

// Config tunes pool sizing and policies.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	TickEvery   time.Duration

	// AutoRestart spawns a replacement worker when one exits after its
	// task panicked. When false, a crash permanently shrinks the pool by
	// one worker.
	AutoRestart bool
}

// DefaultConfig returns sane bounds for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		MinWorkers:  2,
		MaxWorkers:  8,
		IdleTimeout: 30 * time.Second,
		TickEvery:   1 * time.Second,
		AutoRestart: true,
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Active      int
	Idle        int
	Queued      int
	Completed   int64
	Failed      int64
	AvgDuration time.Duration
}

// Pool is a bounded worker pool with a stable priority queue.
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu        sync.Mutex
	queues    [3][]*Task // indexed by Priority
	workers   map[string]*worker
	idleCount int

	shuttingDown bool
	shutdownCh   chan struct{}
	wakeCh       chan struct{}

	completed   int64
	failed      int64
	totalTimeNs int64

	wg sync.WaitGroup
}

type worker struct {
	id       string
	busy     bool
	lastIdle time.Time
	cancel   context.CancelFunc
}

// New creates a pool and starts its minimum worker set plus its idle-reaper
// tick loop. Callers must call Shutdown to release goroutines. metrics may
// be nil; when set, queue depth, active/idle worker counts, task duration,
// and task failures are published to it.
func New(cfg Config, logger *zap.Logger, metrics *monitoring.Metrics) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		workers:    make(map[string]*worker),
		shutdownCh: make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnWorker()
	}
	p.wg.Add(1)
	go p.tickLoop()
	return p
}

// Submit enqueues a task and returns its result once the task reaches a
// terminal state. Submitting after Shutdown has been called is a hard
// error.
func (p *Pool) Submit(ctx context.Context, t *Task) (interface{}, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.state = TaskNew
	t.submitAt = time.Now()
	t.doneCh = make(chan taskResult, 1)

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, errs.ShutdownError("pool is shutting down, task %s rejected", t.ID)
	}
	t.state = TaskQueued
	p.queues[t.Priority] = append(p.queues[t.Priority], t)
	if len(p.workers) < p.cfg.MaxWorkers && p.idleCount == 0 {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	p.publishGauges()
	p.signalWork()

	var timeoutCh <-chan time.Time
	if t.Timeout > 0 {
		timer := time.NewTimer(t.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-t.doneCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.value, nil
	case <-timeoutCh:
		p.markTimedOut(t)
		return nil, errs.TimeoutError("task %s exceeded its timeout", t.ID).WithOpID(t.ID)
	case <-ctx.Done():
		p.markTimedOut(t)
		return nil, ctx.Err()
	}
}

func (p *Pool) markTimedOut(t *Task) {
	p.mu.Lock()
	if t.state == TaskQueued {
		p.removeFromQueueLocked(t)
	}
	t.state = TaskTimeout
	p.mu.Unlock()
}

func (p *Pool) removeFromQueueLocked(t *Task) {
	q := p.queues[t.Priority]
	for i, qt := range q {
		if qt == t {
			p.queues[t.Priority] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (p *Pool) signalWork() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Pool) spawnWorker() {
	p.mu.Lock()
	p.spawnWorkerLocked()
	p.mu.Unlock()
}

func (p *Pool) spawnWorkerLocked() {
	wctx, cancel := context.WithCancel(context.Background())
	w := &worker{id: uuid.NewString(), lastIdle: time.Now(), cancel: cancel}
	p.workers[w.id] = w
	p.idleCount++
	p.wg.Add(1)
	go p.runWorker(wctx, w)
}

func (p *Pool) runWorker(ctx context.Context, w *worker) {
	defer p.wg.Done()
	defer p.logger.Debug("worker exited", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdownCh:
			return
		case <-p.wakeCh:
		case <-time.After(p.cfg.TickEvery):
		}

		for {
			task := p.dequeue()
			if task == nil {
				break
			}
			if p.execute(ctx, w, task) {
				p.onWorkerCrash(w)
				return
			}
		}
	}
}

// onWorkerCrash removes w, which has just exited runWorker after a crashed
// task, from the pool's accounting and, when AutoRestart is set and the
// pool isn't shutting down, spawns a replacement to keep capacity stable.
func (p *Pool) onWorkerCrash(w *worker) {
	p.mu.Lock()
	if _, ok := p.workers[w.id]; ok {
		delete(p.workers, w.id)
		p.idleCount--
	}
	restart := p.cfg.AutoRestart && !p.shuttingDown
	p.mu.Unlock()

	p.logger.Warn("worker exited after crash", zap.String("worker_id", w.id), zap.Bool("auto_restart", restart))
	if restart {
		p.spawnWorker()
	}
}

func (p *Pool) dequeue() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for level := PriorityHigh; level >= PriorityLow; level-- {
		q := p.queues[level]
		if len(q) == 0 {
			continue
		}
		task := q[0]
		p.queues[level] = q[1:]
		return task
	}
	return nil
}

// execute runs t on w and reports whether t's Run panicked. A crashed task
// still resolves t.doneCh with a crash error; the caller is responsible for
// exiting the worker's loop when crashed is true.
func (p *Pool) execute(ctx context.Context, w *worker, t *Task) (crashed bool) {
	p.mu.Lock()
	if t.state != TaskQueued {
		// already timed out / cancelled while queued
		p.mu.Unlock()
		return false
	}
	t.state = TaskAssigned
	w.busy = true
	p.idleCount--
	p.mu.Unlock()

	start := time.Now()
	result, err, crashed := p.runSafely(ctx, t)
	dur := time.Since(start)

	p.mu.Lock()
	w.busy = false
	w.lastIdle = time.Now()
	p.idleCount++
	p.totalTimeNs += dur.Nanoseconds()
	if err != nil {
		p.failed++
		t.state = TaskFailed
	} else {
		p.completed++
		t.state = TaskDone
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.WorkerTaskDuration.WithLabelValues(t.Type).Observe(dur.Seconds())
		if err != nil {
			p.metrics.WorkerTaskFailures.Inc()
		}
	}
	p.publishGauges()

	select {
	case t.doneCh <- taskResult{value: result, err: err, state: t.state}:
	default:
		// submitter already gave up (timeout/ctx cancel)
	}
	return crashed
}

// runSafely recovers a panicking task, treating it as a crash: the task is
// rejected with a crash error and crashed is reported true so the caller
// exits this worker's goroutine instead of reusing it for the next task —
// a worker that survived a panic in its own stack is not trusted to run
// again.
func (p *Pool) runSafely(ctx context.Context, t *Task) (result interface{}, err error, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.CrashError("worker panicked executing task %s: %v", t.ID, r).WithOpID(t.ID)
			crashed = true
			p.logger.Error("worker task crashed", zap.String("task_id", t.ID), zap.Any("panic", r))
		}
	}()
	result, err = t.Run(ctx, t.Payload)
	return
}

// tickLoop periodically terminates idle workers above MinWorkers.
func (p *Pool) tickLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.shutdownCh:
			return
		case <-ticker.C:
			p.reapIdleWorkers()
		}
	}
}

func (p *Pool) reapIdleWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) <= p.cfg.MinWorkers {
		return
	}
	now := time.Now()
	for id, w := range p.workers {
		if len(p.workers) <= p.cfg.MinWorkers {
			return
		}
		if w.busy {
			continue
		}
		if now.Sub(w.lastIdle) < p.cfg.IdleTimeout {
			continue
		}
		w.cancel()
		delete(p.workers, id)
		p.idleCount--
	}
}

// publishGauges refreshes the optional prometheus gauges with the current
// queue depth and active/idle worker counts.
func (p *Pool) publishGauges() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	p.metrics.WorkerPoolQueueDepth.Set(float64(stats.Queued))
	p.metrics.WorkerPoolActive.Set(float64(stats.Active))
	p.metrics.WorkerPoolIdle.Set(float64(stats.Idle))
}

// Stats returns a snapshot of current pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := 0
	for _, q := range p.queues {
		queued += len(q)
	}
	active := len(p.workers) - p.idleCount
	var avg time.Duration
	if p.completed > 0 {
		avg = time.Duration(p.totalTimeNs / p.completed)
	}
	return Stats{
		Active:      active,
		Idle:        p.idleCount,
		Queued:      queued,
		Completed:   p.completed,
		Failed:      p.failed,
		AvgDuration: avg,
	}
}

// Shutdown rejects queued tasks immediately, waits up to timeout for
// in-flight tasks to drain, then terminates remaining workers. Idempotent.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	for level := range p.queues {
		for _, t := range p.queues[level] {
			t.state = TaskCancelled
			select {
			case t.doneCh <- taskResult{err: errs.ShutdownError("pool shut down while task %s was queued", t.ID), state: TaskCancelled}:
			default:
			}
		}
		p.queues[level] = nil
	}
	for _, w := range p.workers {
		w.cancel()
	}
	p.mu.Unlock()

	close(p.shutdownCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("worker pool shutdown timed out waiting for workers to drain")
	}
}
