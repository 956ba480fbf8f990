package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"hotrank/internal/model"
	"hotrank/internal/scoring"
)

// Config governs trigger batching and escalation.
type Config struct {
	Enabled           bool
	UpdateDelay       time.Duration
	BatchUpdateSize   int
	UpdateThreshold   int
	PriorityThreshold int
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		UpdateDelay:       5 * time.Second,
		BatchUpdateSize:   20,
		UpdateThreshold:   3,
		PriorityThreshold: 3,
	}
}

func (c Config) Validate() error {
	if c.UpdateDelay < 100*time.Millisecond || c.UpdateDelay > 60*time.Second {
		return errors.New("update_delay must be between 100ms and 60s")
	}
	if c.BatchUpdateSize < 1 || c.BatchUpdateSize > 100 {
		return errors.New("batch_update_size must be between 1 and 100")
	}
	if c.UpdateThreshold < 1 {
		return errors.New("update_threshold must be >= 1")
	}
	if c.PriorityThreshold < 1 {
		return errors.New("priority_threshold must be >= 1")
	}
	return nil
}

// TriggerResult reports how an incoming trigger was handled.
type TriggerResult struct {
	Accepted  bool `json:"accepted"`
	Escalated bool `json:"escalated"`
}

// QueueStatus is a point-in-time snapshot of the pending queue.
type QueueStatus struct {
	PendingItems    int          `json:"pending_items"`
	TotalTriggers   int          `json:"total_triggers"`
	ProcessingItems int          `json:"processing_items"`
	Items           []ItemStatus `json:"items"`
}

type ItemStatus struct {
	PostID         int64     `json:"post_id"`
	TriggerCount   int       `json:"trigger_count"`
	HighCount      int       `json:"high_count"`
	FirstTriggerAt time.Time `json:"first_trigger_at"`
}

// BatchExecutor runs score computations for a batch of post ids. The default
// calls the engine inline; the composition root may substitute a worker-pool
// backed executor. Either way the same scoring code runs.
type BatchExecutor func(ctx context.Context, ids []int64) *scoring.BatchResult

// entry tracks one post's accumulated triggers while it sits in the pending
// queue. The high-priority counter lives and dies with the entry: it resets
// whenever the post leaves pending, whether by flush, eviction, or cleanup.
type entry struct {
	triggers  []model.Trigger
	firstAt   time.Time
	highCount int
}

// Coordinator debounces per-post triggers into batched score recomputations
// and escalates to immediate processing under high-priority pressure.
//
// Per-post state machine: absent -> pending -> processing -> absent. A failed
// computation leaves the post absent again, eligible to be re-triggered.
type Coordinator struct {
	engine  *scoring.Engine
	store   scoring.ItemStore
	execute BatchExecutor
	log     *slog.Logger

	mu         sync.Mutex
	cfg        Config
	pending    map[int64]*entry
	order      []int64 // pending ids, FIFO by first-trigger time
	processing map[int64]bool
	timer      *time.Timer
	timerArmed bool
}

func New(engine *scoring.Engine, st scoring.ItemStore, cfg Config, log *slog.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		engine:     engine,
		store:      st,
		log:        log.With("component", "coordinator"),
		cfg:        cfg,
		pending:    make(map[int64]*entry),
		processing: make(map[int64]bool),
	}
	c.execute = engine.ComputeBatch
	return c, nil
}

// SetExecutor replaces the flush execution path. Call before the first
// trigger; not synchronized against in-flight flushes.
func (c *Coordinator) SetExecutor(exec BatchExecutor) {
	if exec != nil {
		c.execute = exec
	}
}

func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Coordinator) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// Trigger ingests one engagement event. It bumps the post's engagement
// counter, queues the trigger for a debounced flush, and escalates to an
// immediate synchronous computation once the entry's high-priority count
// reaches the configured threshold.
//
// Returns Accepted=false with no error only when the coordinator is disabled.
func (c *Coordinator) Trigger(ctx context.Context, trg model.Trigger) (TriggerResult, error) {
	if !trg.Kind.Valid() {
		return TriggerResult{}, fmt.Errorf("invalid trigger kind %q", trg.Kind)
	}
	if trg.Priority == "" {
		trg.Priority = model.PriorityMedium
	}
	if !trg.Priority.Valid() {
		return TriggerResult{}, fmt.Errorf("invalid trigger priority %q", trg.Priority)
	}
	if trg.PostID <= 0 {
		return TriggerResult{}, errors.New("post id must be positive")
	}
	if trg.Timestamp.IsZero() {
		trg.Timestamp = time.Now()
	}

	c.mu.Lock()
	if !c.cfg.Enabled {
		c.mu.Unlock()
		return TriggerResult{}, nil
	}
	c.mu.Unlock()

	post, err := c.store.FindByID(ctx, trg.PostID)
	if err != nil {
		return TriggerResult{}, err
	}
	if post.Deleted {
		return TriggerResult{}, fmt.Errorf("post %d: %w", trg.PostID, scoring.ErrDeleted)
	}
	if err := c.store.IncrementCounter(ctx, trg.PostID, trg.Kind); err != nil {
		return TriggerResult{}, fmt.Errorf("increment %s counter: %w", trg.Kind, err)
	}

	c.mu.Lock()
	e, ok := c.pending[trg.PostID]
	if !ok {
		e = &entry{firstAt: trg.Timestamp}
		c.pending[trg.PostID] = e
		c.order = append(c.order, trg.PostID)
	}
	e.triggers = append(e.triggers, trg)
	if trg.Priority == model.PriorityHigh {
		e.highCount++
	}

	// A post already mid-flush keeps collecting triggers for the next cycle
	// but is never escalated into a second concurrent computation.
	if c.processing[trg.PostID] {
		c.armTimerLocked()
		c.mu.Unlock()
		return TriggerResult{Accepted: true}, nil
	}

	if e.highCount >= c.cfg.PriorityThreshold {
		c.removePendingLocked(trg.PostID)
		c.processing[trg.PostID] = true
		c.mu.Unlock()

		_, err := c.engine.Compute(ctx, trg.PostID)

		c.mu.Lock()
		delete(c.processing, trg.PostID)
		if len(c.order) > 0 {
			c.armTimerLocked()
		}
		c.mu.Unlock()
		if err != nil {
			return TriggerResult{Accepted: true, Escalated: true}, fmt.Errorf("escalated compute: %w", err)
		}
		return TriggerResult{Accepted: true, Escalated: true}, nil
	}

	c.armTimerLocked()
	c.mu.Unlock()
	return TriggerResult{Accepted: true}, nil
}

// armTimerLocked arms the single debounce timer if it is not already armed.
// Caller holds c.mu.
func (c *Coordinator) armTimerLocked() {
	if c.timerArmed {
		return
	}
	delay := c.cfg.UpdateDelay
	c.timerArmed = true
	if c.timer == nil {
		c.timer = time.AfterFunc(delay, c.flushTimer)
	} else {
		c.timer.Reset(delay)
	}
}

func (c *Coordinator) flushTimer() {
	c.flush(context.Background())
}

// flush drains up to BatchUpdateSize pending posts. Posts below the trigger
// threshold are evicted without computation; the scheduler sweep eventually
// catches them. Posts still mid-computation from an earlier cycle stay
// pending so one id is never computed twice concurrently. Re-arms the timer
// while posts remain pending.
func (c *Coordinator) flush(ctx context.Context) {
	c.mu.Lock()
	c.timerArmed = false
	batchSize := c.cfg.BatchUpdateSize
	threshold := c.cfg.UpdateThreshold

	var batch []int64
	skipped := 0
	for i := 0; i < len(c.order) && len(batch) < batchSize; {
		id := c.order[i]
		if c.processing[id] {
			i++
			continue
		}
		e := c.pending[id]
		c.removePendingLocked(id)
		if e == nil {
			continue
		}
		if len(e.triggers) < threshold {
			skipped++
			continue
		}
		c.processing[id] = true
		batch = append(batch, id)
	}
	c.mu.Unlock()

	if len(batch) > 0 {
		res := c.execute(ctx, batch)
		c.log.Info("flush complete",
			"updated", len(res.Updated), "failed", len(res.Failed), "skipped", skipped)
	} else if skipped > 0 {
		c.log.Debug("flush evicted below-threshold posts", "skipped", skipped)
	}

	c.mu.Lock()
	for _, id := range batch {
		delete(c.processing, id)
	}
	if len(c.order) > 0 {
		c.armTimerLocked()
	}
	c.mu.Unlock()
}

// ProcessAllPending synchronously computes every post pending at call time,
// ignoring the trigger-count threshold. Used for drain-before-shutdown and
// administrative flushes.
func (c *Coordinator) ProcessAllPending(ctx context.Context) (processed, failed int) {
	for {
		c.mu.Lock()
		var batch []int64
		for _, id := range c.order {
			if c.processing[id] {
				continue
			}
			batch = append(batch, id)
		}
		for _, id := range batch {
			c.removePendingLocked(id)
			c.processing[id] = true
		}
		c.mu.Unlock()

		if len(batch) == 0 {
			return processed, failed
		}

		res := c.execute(ctx, batch)
		processed += len(res.Updated)
		failed += len(res.Failed)

		c.mu.Lock()
		for _, id := range batch {
			delete(c.processing, id)
		}
		c.mu.Unlock()
	}
}

// CleanupExpiredTriggers drops pending triggers older than maxAge without
// processing them, bounding queue growth when triggers arrive faster than
// they flush. Returns the number of triggers removed.
func (c *Coordinator) CleanupExpiredTriggers(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.pending {
		kept := e.triggers[:0]
		highCount := 0
		for _, trg := range e.triggers {
			if trg.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, trg)
			if trg.Priority == model.PriorityHigh {
				highCount++
			}
		}
		e.triggers = kept
		e.highCount = highCount
		if len(e.triggers) == 0 {
			c.removePendingLocked(id)
		}
	}
	return removed
}

// Reset clears all pending state and cancels the debounce timer. Callers must
// drain in-flight flushes first; Reset does not wait for them.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerArmed = false
	c.pending = make(map[int64]*entry)
	c.order = nil
	c.processing = make(map[int64]bool)
}

func (c *Coordinator) QueueStatus() QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := QueueStatus{
		PendingItems:    len(c.pending),
		ProcessingItems: len(c.processing),
	}
	for _, id := range c.order {
		e := c.pending[id]
		if e == nil {
			continue
		}
		st.TotalTriggers += len(e.triggers)
		st.Items = append(st.Items, ItemStatus{
			PostID:         id,
			TriggerCount:   len(e.triggers),
			HighCount:      e.highCount,
			FirstTriggerAt: e.firstAt,
		})
	}
	return st
}

// removePendingLocked deletes a post from the pending map and FIFO order.
// Caller holds c.mu.
func (c *Coordinator) removePendingLocked(id int64) {
	delete(c.pending, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}
