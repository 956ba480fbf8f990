package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"hotrank/internal/model"
	"hotrank/internal/store"
)

// ErrDeleted is returned when a score is requested for a soft-deleted post.
var ErrDeleted = errors.New("post is deleted")

// ItemStore is the narrow persistence contract the scoring core depends on.
// The sqlite store satisfies it; tests use in-memory fakes.
type ItemStore interface {
	FindByID(ctx context.Context, id int64) (*model.Post, error)
	FindMany(ctx context.Context, f store.Filter, order store.Order, limit int) ([]model.Post, error)
	WriteScore(ctx context.Context, id int64, score float64) error
	IncrementCounter(ctx context.Context, id int64, kind model.TriggerKind) error
	Count(ctx context.Context, f store.Filter) (int64, error)
	Statistics(ctx context.Context, maxAgeHours float64) (store.Statistics, error)
	ResetExpiredScores(ctx context.Context, maxAgeHours float64) (int64, error)
}

// Config holds the hotness formula parameters. Immutable per computation;
// swapped process-wide via Engine.SetConfig.
type Config struct {
	LikeWeight    float64 `yaml:"like_weight"`
	CommentWeight float64 `yaml:"comment_weight"`
	ViewWeight    float64 `yaml:"view_weight"`
	Gravity       float64 `yaml:"gravity"`
	BaseHours     float64 `yaml:"base_hours"`
}

func DefaultConfig() Config {
	return Config{
		LikeWeight:    2,
		CommentWeight: 3,
		ViewWeight:    0.1,
		Gravity:       1.8,
		BaseHours:     2,
	}
}

func (c Config) Validate() error {
	if c.LikeWeight < 0 {
		return errors.New("like_weight must be >= 0")
	}
	if c.CommentWeight < 0 {
		return errors.New("comment_weight must be >= 0")
	}
	if c.ViewWeight < 0 {
		return errors.New("view_weight must be >= 0")
	}
	if c.Gravity <= 0 || c.Gravity > 5 {
		return errors.New("gravity must be in (0, 5]")
	}
	if c.BaseHours <= 0 {
		return errors.New("base_hours must be > 0")
	}
	return nil
}

// Factors breaks a score down into its terms, for trend displays and debugging.
type Factors struct {
	AgeHours   float64 `json:"age_hours"`
	TimeFactor float64 `json:"time_factor"`
	Engagement float64 `json:"engagement"`
}

type Result struct {
	PostID        int64   `json:"post_id"`
	Score         float64 `json:"score"`
	Previous      float64 `json:"previous"`
	Delta         float64 `json:"delta"`
	PercentChange float64 `json:"percent_change"`
	Factors       Factors `json:"factors"`
}

// BatchResult partitions a batch computation into succeeded and failed ids.
// A failure for one id never aborts the others.
type BatchResult struct {
	Updated []int64          `json:"updated"`
	Failed  []int64          `json:"failed"`
	Results []Result         `json:"results"`
	Errors  map[int64]string `json:"errors,omitempty"`
}

// Engine computes decaying hotness scores and writes them back through the
// item store. Stateless across posts; safe for concurrent use.
type Engine struct {
	store ItemStore
	log   *slog.Logger

	mu  sync.RWMutex
	cfg Config

	now func() time.Time
}

func NewEngine(st ItemStore, cfg Config, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: st,
		log:   log.With("component", "scoring"),
		cfg:   cfg,
		now:   time.Now,
	}, nil
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Score is the pure hotness formula:
//
//	engagement / (ageHours + baseHours)^gravity
//
// baseHours > 0 keeps the denominator strictly positive at age zero.
func (e *Engine) Score(p model.Post, now time.Time) (float64, Factors) {
	cfg := e.Config()
	ageHours := p.AgeHours(now)
	if ageHours < 0 {
		ageHours = 0
	}
	engagement := float64(p.Likes)*cfg.LikeWeight +
		float64(p.Comments)*cfg.CommentWeight +
		float64(p.Views)*cfg.ViewWeight
	timeFactor := math.Pow(ageHours+cfg.BaseHours, cfg.Gravity)
	score := engagement / timeFactor
	return score, Factors{AgeHours: ageHours, TimeFactor: timeFactor, Engagement: engagement}
}

// Compute recalculates one post's score and persists it. Returns the previous
// score alongside the new one so callers can derive a trend.
func (e *Engine) Compute(ctx context.Context, id int64) (*Result, error) {
	post, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post.Deleted {
		return nil, fmt.Errorf("post %d: %w", id, ErrDeleted)
	}

	score, factors := e.Score(*post, e.now())
	if err := e.store.WriteScore(ctx, id, score); err != nil {
		return nil, fmt.Errorf("write score for post %d: %w", id, err)
	}

	res := &Result{
		PostID:   id,
		Score:    score,
		Previous: post.Score,
		Delta:    score - post.Score,
		Factors:  factors,
	}
	if post.Score != 0 {
		res.PercentChange = (score - post.Score) / post.Score * 100
	}
	return res, nil
}

// ComputeBatch recomputes each id independently; partial failure is reported,
// never propagated across ids.
func (e *Engine) ComputeBatch(ctx context.Context, ids []int64) *BatchResult {
	out := &BatchResult{Errors: make(map[int64]string)}
	for _, id := range ids {
		res, err := e.Compute(ctx, id)
		if err != nil {
			out.Failed = append(out.Failed, id)
			out.Errors[id] = err.Error()
			e.log.Debug("batch compute failed", "post_id", id, "error", err)
			continue
		}
		out.Updated = append(out.Updated, id)
		out.Results = append(out.Results, *res)
	}
	if len(out.Errors) == 0 {
		out.Errors = nil
	}
	return out
}
