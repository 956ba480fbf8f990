package worker

import (
	"context"
	"fmt"

	"hotrank/internal/model"
	"hotrank/internal/scoring"
)

// ScoreTaskKind is the task kind for hotness recomputations.
const ScoreTaskKind = "score_post"

const scoreTaskRetries = 2

// RegisterScoreHandler binds the scoring engine to the pool so worker-side
// computations run the same linked-in scoring code as the inline path.
func RegisterScoreHandler(p *Pool, engine *scoring.Engine) {
	p.Register(ScoreTaskKind, func(ctx context.Context, task Task) (any, error) {
		id, ok := task.Payload.(int64)
		if !ok {
			return nil, fmt.Errorf("score task payload must be a post id, got %T", task.Payload)
		}
		return engine.Compute(ctx, id)
	})
}

// NewScoreExecutor returns a batch executor that offloads each computation to
// the pool and waits for terminal results, preserving the coordinator's
// synchronous flush semantics.
func NewScoreExecutor(p *Pool) func(ctx context.Context, ids []int64) *scoring.BatchResult {
	return func(ctx context.Context, ids []int64) *scoring.BatchResult {
		out := &scoring.BatchResult{Errors: make(map[int64]string)}
		for _, id := range ids {
			res, err := p.Execute(ctx, ScoreTaskKind, id, model.PriorityMedium, scoreTaskRetries)
			if err != nil {
				out.Failed = append(out.Failed, id)
				out.Errors[id] = err.Error()
				continue
			}
			if res.Status != StatusSucceeded {
				out.Failed = append(out.Failed, id)
				out.Errors[id] = res.Err
				continue
			}
			out.Updated = append(out.Updated, id)
			if sr, ok := res.Value.(*scoring.Result); ok && sr != nil {
				out.Results = append(out.Results, *sr)
			}
		}
		if len(out.Errors) == 0 {
			out.Errors = nil
		}
		return out
	}
}
