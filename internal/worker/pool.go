package worker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"hotrank/internal/model"
)

var (
	ErrDisabled   = errors.New("worker pool is disabled")
	ErrNotRunning = errors.New("worker pool is not running")
	ErrQueueFull  = errors.New("worker queue is at capacity")
)

// Config sizes the pool and its retry/timeout behavior.
type Config struct {
	Enabled      bool
	Workers      int
	MaxQueueSize int
	TaskTimeout  time.Duration
	RetryBackoff time.Duration
	DispatchRate float64 // tasks/sec, 0 = unlimited
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Workers:      4,
		MaxQueueSize: 1000,
		TaskTimeout:  30 * time.Second,
		RetryBackoff: time.Second,
	}
}

func (c Config) Validate() error {
	if c.Workers < 1 || c.Workers > 64 {
		return errors.New("workers must be between 1 and 64")
	}
	if c.MaxQueueSize < 1 || c.MaxQueueSize > 10000 {
		return errors.New("max_queue_size must be between 1 and 10000")
	}
	if c.TaskTimeout < 100*time.Millisecond || c.TaskTimeout > 10*time.Minute {
		return errors.New("task_timeout must be between 100ms and 10m")
	}
	if c.RetryBackoff < 10*time.Millisecond || c.RetryBackoff > time.Minute {
		return errors.New("retry_backoff must be between 10ms and 1m")
	}
	if c.DispatchRate < 0 {
		return errors.New("dispatch_rate must be >= 0")
	}
	return nil
}

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusRetrying  TaskStatus = "retrying"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// Task is one unit of queued work.
type Task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Payload    any            `json:"payload"`
	Priority   model.Priority `json:"priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
}

// TaskResult is the terminal outcome of a task, cached until cleared.
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	Kind        string        `json:"kind"`
	Status      TaskStatus    `json:"status"`
	Value       any           `json:"value,omitempty"`
	Err         string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// HandlerFunc executes one task attempt. Returning an error makes the attempt
// eligible for retry under the task's retry budget.
type HandlerFunc func(ctx context.Context, task Task) (any, error)

// Stats are maintained incrementally on every completion; reading them never
// scans the queue.
type Stats struct {
	TasksProcessed int64         `json:"tasks_processed"`
	TasksSucceeded int64         `json:"tasks_succeeded"`
	TasksFailed    int64         `json:"tasks_failed"`
	AvgProcessing  time.Duration `json:"avg_processing"`
	QueueDepth     int           `json:"queue_depth"`
	ActiveWorkers  int           `json:"active_workers"`
}

type Status struct {
	Running bool  `json:"running"`
	Workers int   `json:"workers"`
	Stats   Stats `json:"stats"`
}

// Pool runs queued tasks on a fixed set of worker goroutines. Tasks dispatch
// highest-priority first, oldest first within a priority. Failed attempts
// retry after a fixed backoff until the retry budget is spent.
type Pool struct {
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	cond        *sync.Cond
	queue       taskHeap
	handlers    map[string]HandlerFunc
	results     map[string]*TaskResult
	waiters     map[string][]chan *TaskResult
	retryTimers map[string]*time.Timer
	retrying    map[string]*Task
	running     bool
	stopping    bool
	seq         int64

	active        int
	processed     int64
	succeeded     int64
	failed        int64
	avgProcessing time.Duration
	wg            sync.WaitGroup
}

func NewPool(cfg Config, log *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		cfg:         cfg,
		log:         log.With("component", "worker"),
		handlers:    make(map[string]HandlerFunc),
		results:     make(map[string]*TaskResult),
		waiters:     make(map[string][]chan *TaskResult),
		retryTimers: make(map[string]*time.Timer),
		retrying:    make(map[string]*Task),
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.DispatchRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	return p, nil
}

func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetConfig swaps the pool configuration. Worker count is structural and
// cannot change while the pool runs; timeout, backoff, queue size, and
// dispatch rate apply to subsequent tasks.
func (p *Pool) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && cfg.Workers != p.cfg.Workers {
		return errors.New("workers cannot change while the pool is running")
	}
	p.cfg = cfg
	if cfg.DispatchRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	} else {
		p.limiter = nil
	}
	return nil
}

// Register binds a handler to a task kind. Kinds without a handler are
// rejected at AddTask time.
func (p *Pool) Register(kind string, h HandlerFunc) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.Enabled {
		return ErrDisabled
	}
	if p.running {
		return errors.New("worker pool already running")
	}
	p.running = true
	p.stopping = false
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.log.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Stop closes admission, cancels pending retry timers (their tasks terminate
// as failed), lets queued and in-flight tasks finish, and waits for workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	for id, t := range p.retryTimers {
		t.Stop()
		if task, ok := p.retrying[id]; ok {
			p.completeLocked(task, StatusFailed, nil, errors.New("worker pool stopped"), 0)
		}
		delete(p.retryTimers, id)
		delete(p.retrying, id)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.log.Info("worker pool stopped")
}

// AddTask enqueues a task and returns its id. Fails fast when the pool is
// disabled, not running, the queue is at capacity, or the kind is unknown.
func (p *Pool) AddTask(kind string, payload any, priority model.Priority, maxRetries int) (string, error) {
	if !priority.Valid() {
		return "", fmt.Errorf("invalid priority %q", priority)
	}
	if maxRetries < 0 {
		return "", errors.New("max_retries must be >= 0")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.Enabled {
		return "", ErrDisabled
	}
	if !p.running || p.stopping {
		return "", ErrNotRunning
	}
	if _, ok := p.handlers[kind]; !ok {
		return "", fmt.Errorf("no handler registered for kind %q", kind)
	}
	if p.queue.Len() >= p.cfg.MaxQueueSize {
		return "", ErrQueueFull
	}

	task := &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		MaxRetries: maxRetries,
	}
	p.pushLocked(task)
	return task.ID, nil
}

// GetTaskResult returns the terminal result for a task id, or nil while the
// task is still queued, running, or retrying. Idempotent.
func (p *Pool) GetTaskResult(taskID string) *TaskResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.results[taskID]
	if !ok {
		return nil
	}
	cp := *res
	return &cp
}

// ClearResults drops all cached terminal results and returns how many were
// removed.
func (p *Pool) ClearResults() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.results)
	p.results = make(map[string]*TaskResult)
	return n
}

// Execute enqueues a task and blocks until it reaches a terminal state or the
// context is done. The task keeps running in the pool if the caller gives up.
func (p *Pool) Execute(ctx context.Context, kind string, payload any, priority model.Priority, maxRetries int) (*TaskResult, error) {
	ch := make(chan *TaskResult, 1)

	p.mu.Lock()
	if !p.cfg.Enabled {
		p.mu.Unlock()
		return nil, ErrDisabled
	}
	if !p.running || p.stopping {
		p.mu.Unlock()
		return nil, ErrNotRunning
	}
	if _, ok := p.handlers[kind]; !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}
	if p.queue.Len() >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	task := &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		MaxRetries: maxRetries,
	}
	p.waiters[task.ID] = append(p.waiters[task.ID], ch)
	p.pushLocked(task)
	p.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running: p.running,
		Workers: p.cfg.Workers,
		Stats: Stats{
			TasksProcessed: p.processed,
			TasksSucceeded: p.succeeded,
			TasksFailed:    p.failed,
			AvgProcessing:  p.avgProcessing,
			QueueDepth:     p.queue.Len(),
			ActiveWorkers:  p.active,
		},
	}
}

func (p *Pool) workerLoop(n int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopping {
			p.cond.Wait()
		}
		if p.queue.Len() == 0 && p.stopping {
			p.mu.Unlock()
			return
		}
		task := heap.Pop(&p.queue).(*queuedTask).task
		handler := p.handlers[task.Kind]
		p.active++
		p.mu.Unlock()

		if p.limiter != nil {
			_ = p.limiter.Wait(context.Background())
		}

		value, err, dur := p.runTask(handler, task)

		p.mu.Lock()
		p.active--
		if err == nil {
			p.completeLocked(task, StatusSucceeded, value, nil, dur)
		} else if task.RetryCount < task.MaxRetries {
			p.scheduleRetryLocked(task, err)
		} else {
			p.completeLocked(task, StatusFailed, nil, err, dur)
		}
		p.mu.Unlock()
	}
}

// runTask executes one attempt with a timeout. The handler runs in a child
// goroutine so a handler that ignores its context still cannot hold the
// worker past the deadline; panics are recovered and surfaced as failures so
// a crashing task never costs the pool a worker.
func (p *Pool) runTask(handler HandlerFunc, task *Task) (any, error, time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()

	type attempt struct {
		value any
		err   error
	}
	done := make(chan attempt, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attempt{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		v, err := handler(ctx, *task)
		done <- attempt{value: v, err: err}
	}()

	select {
	case a := <-done:
		return a.value, a.err, time.Since(start)
	case <-ctx.Done():
		return nil, fmt.Errorf("task %s timed out after %s", task.ID, p.cfg.TaskTimeout), time.Since(start)
	}
}

// scheduleRetryLocked re-enqueues a failed task after the fixed backoff.
// Retries bypass the queue capacity check: a task that passed admission is
// never stranded by later arrivals. A task failing while the pool stops gets
// no new timer; it terminates with its last error so Stop never returns
// before every admitted task is terminal. Caller holds p.mu.
func (p *Pool) scheduleRetryLocked(task *Task, cause error) {
	if p.stopping {
		p.completeLocked(task, StatusFailed, nil, cause, 0)
		return
	}
	task.RetryCount++
	p.retrying[task.ID] = task
	p.log.Debug("task retry scheduled",
		"task_id", task.ID, "attempt", task.RetryCount, "max_retries", task.MaxRetries, "error", cause)
	p.retryTimers[task.ID] = time.AfterFunc(p.cfg.RetryBackoff, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.retryTimers, task.ID)
		if _, ok := p.retrying[task.ID]; !ok {
			return
		}
		delete(p.retrying, task.ID)
		if p.stopping {
			p.completeLocked(task, StatusFailed, nil, errors.New("worker pool stopped"), 0)
			return
		}
		p.pushLocked(task)
	})
}

// completeLocked records a terminal result and updates the incremental
// statistics. Caller holds p.mu.
func (p *Pool) completeLocked(task *Task, status TaskStatus, value any, err error, dur time.Duration) {
	res := &TaskResult{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Status:      status,
		Value:       value,
		Attempts:    task.RetryCount + 1,
		Duration:    dur,
		CompletedAt: time.Now(),
	}
	if err != nil {
		res.Err = err.Error()
	}
	p.results[task.ID] = res

	p.processed++
	if status == StatusSucceeded {
		p.succeeded++
	} else {
		p.failed++
	}
	// Incremental rolling average; never rescans history.
	p.avgProcessing += (dur - p.avgProcessing) / time.Duration(p.processed)

	for _, ch := range p.waiters[task.ID] {
		ch <- res
	}
	delete(p.waiters, task.ID)
}

func (p *Pool) pushLocked(task *Task) {
	p.seq++
	heap.Push(&p.queue, &queuedTask{task: task, seq: p.seq})
	p.cond.Signal()
}
