// Package service is the seam between the hotness core and whatever outer
// layer (HTTP, CLI, jobs) drives it. It exposes operations, not endpoints.
package service

import (
	"context"
	"log/slog"
	"time"

	"hotrank/internal/coordinator"
	"hotrank/internal/model"
	"hotrank/internal/scheduler"
	"hotrank/internal/scoring"
	"hotrank/internal/store"
	"hotrank/internal/worker"
)

type Service struct {
	engine *scoring.Engine
	coord  *coordinator.Coordinator
	sched  *scheduler.Scheduler
	pool   *worker.Pool
	log    *slog.Logger
}

func New(engine *scoring.Engine, coord *coordinator.Coordinator, sched *scheduler.Scheduler, pool *worker.Pool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		engine: engine,
		coord:  coord,
		sched:  sched,
		pool:   pool,
		log:    log.With("component", "service"),
	}
}

// Trigger ingests one engagement event for a post.
func (s *Service) Trigger(ctx context.Context, kind model.TriggerKind, postID, actorID int64, priority model.Priority) (coordinator.TriggerResult, error) {
	return s.coord.Trigger(ctx, model.Trigger{
		Kind:      kind,
		PostID:    postID,
		ActorID:   actorID,
		Priority:  priority,
		Timestamp: time.Now(),
	})
}

// ProcessAllPending drains the pending queue regardless of thresholds.
func (s *Service) ProcessAllPending(ctx context.Context) (processed, failed int) {
	return s.coord.ProcessAllPending(ctx)
}

func (s *Service) QueueStatus() coordinator.QueueStatus {
	return s.coord.QueueStatus()
}

func (s *Service) CleanupExpiredTriggers(maxAge time.Duration) int {
	return s.coord.CleanupExpiredTriggers(maxAge)
}

func (s *Service) ScoringConfig() scoring.Config { return s.engine.Config() }
func (s *Service) UpdateScoringConfig(c scoring.Config) error { return s.engine.SetConfig(c) }

func (s *Service) CoordinatorConfig() coordinator.Config { return s.coord.Config() }
func (s *Service) UpdateCoordinatorConfig(c coordinator.Config) error {
	return s.coord.SetConfig(c)
}

func (s *Service) SchedulerConfig() scheduler.Config { return s.sched.Config() }
func (s *Service) UpdateSchedulerConfig(c scheduler.Config) error {
	return s.sched.SetConfig(c)
}

func (s *Service) StartScheduler() error { return s.sched.Start() }
func (s *Service) StopScheduler() error { return s.sched.Stop() }
func (s *Service) RestartScheduler(c *scheduler.Config) error { return s.sched.Restart(c) }
func (s *Service) SchedulerStatus() scheduler.Status { return s.sched.Status() }

func (s *Service) SweepNow(ctx context.Context) (*scheduler.SweepResult, error) {
	return s.sched.ExecuteNow(ctx)
}

func (s *Service) UpdateStatistics(ctx context.Context) (store.Statistics, error) {
	return s.sched.Statistics(ctx)
}

func (s *Service) WorkerConfig() worker.Config { return s.pool.Config() }
func (s *Service) UpdateWorkerConfig(c worker.Config) error { return s.pool.SetConfig(c) }

func (s *Service) AddTask(kind string, payload any, priority model.Priority, maxRetries int) (string, error) {
	return s.pool.AddTask(kind, payload, priority, maxRetries)
}

func (s *Service) TaskResult(taskID string) *worker.TaskResult {
	return s.pool.GetTaskResult(taskID)
}

func (s *Service) WorkerStatus() worker.Status {
	return s.pool.Status()
}
