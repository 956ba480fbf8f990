package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hotrank/internal/scoring"
	"hotrank/internal/store"
)

var (
	ErrDisabled       = errors.New("scheduler is disabled")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrSweepRunning   = errors.New("sweep already running")
)

// Config governs the periodic full-sweep backstop.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	MaxAgeHours float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    5 * time.Minute,
		BatchSize:   50,
		MaxAgeHours: 168,
	}
}

func (c Config) Validate() error {
	if c.Interval < time.Second || c.Interval > 24*time.Hour {
		return errors.New("interval must be between 1s and 24h")
	}
	if c.BatchSize < 1 || c.BatchSize > 100 {
		return errors.New("batch_size must be between 1 and 100")
	}
	if c.MaxAgeHours <= 0 || c.MaxAgeHours > 24*365 {
		return errors.New("max_age_hours must be between 0 and 8760")
	}
	return nil
}

// RunState snapshots the last sweep for status reporting.
type RunState struct {
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at"`
	LastCompletedAt time.Time `json:"last_completed_at"`
	LastDurationMS  int64     `json:"last_duration_ms"`
	LastUpdated     int       `json:"last_updated"`
	LastFailed      int       `json:"last_failed"`
	LastCleaned     int64     `json:"last_cleaned"`
	LastError       string    `json:"last_error"`
	LastSource      string    `json:"last_source"`
}

// SweepResult reports one sweep pass.
type SweepResult struct {
	Updated []int64 `json:"updated"`
	Failed  []int64 `json:"failed"`
	Cleaned int64   `json:"cleaned"`
}

type Status struct {
	Running bool     `json:"running"`
	Config  Config   `json:"config"`
	State   RunState `json:"state"`
}

// Scheduler recomputes batches of posts on a fixed interval, lowest-scored
// first, as a convergence backstop for triggers that were missed, gated out,
// or failed. It also resets scores of posts past the age horizon.
type Scheduler struct {
	engine *scoring.Engine
	store  scoring.ItemStore
	log    *slog.Logger

	mu       sync.Mutex
	cfg      Config
	cron     *cron.Cron
	running  bool
	sweeping bool
	state    RunState
}

func New(engine *scoring.Engine, st scoring.ItemStore, cfg Config, log *slog.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		engine: engine,
		store:  st,
		log:    log.With("component", "scheduler"),
		cfg:    cfg,
	}, nil
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig swaps the sweep configuration. Batch size and age horizon take
// effect on the next tick; an interval change takes effect on restart.
func (s *Scheduler) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Start arms the recurring sweep. Fails when already running or disabled.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("arm sweep timer: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.Info("scheduler started", "interval", s.cfg.Interval)
	return nil
}

// Stop clears the sweep timer. An in-flight sweep finishes on its own.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.cron.Stop()
	s.cron = nil
	s.running = false
	s.log.Info("scheduler stopped")
	return nil
}

// Restart stops (tolerating an already-stopped scheduler), optionally swaps
// config, and starts again.
func (s *Scheduler) Restart(cfg *Config) error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if cfg != nil {
		if err := s.SetConfig(*cfg); err != nil {
			return err
		}
	}
	return s.Start()
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, Config: s.cfg, State: s.state}
}

// ExecuteNow runs one sweep immediately, independent of the timer.
func (s *Scheduler) ExecuteNow(ctx context.Context) (*SweepResult, error) {
	return s.sweep(ctx, "manual")
}

// CleanupExpiredPosts resets the score of posts older than the age horizon to
// zero so they drop out of hot listings. Returns the number of posts reset.
func (s *Scheduler) CleanupExpiredPosts(ctx context.Context) (int64, error) {
	s.mu.Lock()
	maxAge := s.cfg.MaxAgeHours
	s.mu.Unlock()
	return s.store.ResetExpiredScores(ctx, maxAge)
}

// Statistics reports the score distribution around the age horizon without
// mutating anything.
func (s *Scheduler) Statistics(ctx context.Context) (store.Statistics, error) {
	s.mu.Lock()
	maxAge := s.cfg.MaxAgeHours
	s.mu.Unlock()
	return s.store.Statistics(ctx, maxAge)
}

func (s *Scheduler) tick() {
	if _, err := s.sweep(context.Background(), "scheduled"); err != nil && !errors.Is(err, ErrSweepRunning) {
		s.log.Error("sweep failed", "error", err)
	}
}

// sweep selects the lowest-scored posts within the age horizon, recomputes
// them, then runs expired-score cleanup. A tick that overlaps a running sweep
// is skipped; a tick that finds nothing eligible succeeds with zero updates.
func (s *Scheduler) sweep(ctx context.Context, source string) (*SweepResult, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return nil, ErrSweepRunning
	}
	s.sweeping = true
	s.state.Running = true
	s.state.StartedAt = time.Now()
	batchSize := s.cfg.BatchSize
	maxAge := s.cfg.MaxAgeHours
	s.mu.Unlock()

	start := time.Now()
	result, err := s.runSweep(ctx, batchSize, maxAge)

	s.mu.Lock()
	s.sweeping = false
	s.state.Running = false
	s.state.LastCompletedAt = time.Now()
	s.state.LastDurationMS = time.Since(start).Milliseconds()
	s.state.LastSource = source
	if err != nil {
		s.state.LastError = err.Error()
	} else {
		s.state.LastError = ""
		s.state.LastUpdated = len(result.Updated)
		s.state.LastFailed = len(result.Failed)
		s.state.LastCleaned = result.Cleaned
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("sweep finished with error", "source", source, "took", time.Since(start).Round(time.Millisecond), "error", err)
		return nil, err
	}
	s.log.Info("sweep finished", "source", source,
		"updated", len(result.Updated), "failed", len(result.Failed), "cleaned", result.Cleaned,
		"took", time.Since(start).Round(time.Millisecond))
	return result, nil
}

func (s *Scheduler) runSweep(ctx context.Context, batchSize int, maxAge float64) (*SweepResult, error) {
	posts, err := s.store.FindMany(ctx, store.Filter{MaxAgeHours: maxAge}, store.OrderScoreAsc, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select sweep batch: %w", err)
	}
	out := &SweepResult{}
	if len(posts) > 0 {
		ids := make([]int64, len(posts))
		for i, p := range posts {
			ids[i] = p.ID
		}
		res := s.engine.ComputeBatch(ctx, ids)
		out.Updated = res.Updated
		out.Failed = res.Failed
	}
	cleaned, err := s.store.ResetExpiredScores(ctx, maxAge)
	if err != nil {
		return nil, fmt.Errorf("reset expired scores: %w", err)
	}
	out.Cleaned = cleaned
	return out, nil
}
