package model

import "time"

type TriggerKind string

const (
	TriggerLike    TriggerKind = "like"
	TriggerComment TriggerKind = "comment"
	TriggerView    TriggerKind = "view"
)

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerLike, TriggerComment, TriggerView:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Rank orders priorities for queue dispatch; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

type Post struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Likes     int64     `json:"likes"`
	Comments  int64     `json:"comments"`
	Views     int64     `json:"views"`
	Score     float64   `json:"score"`
	Deleted   bool      `json:"deleted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgeHours is the post's age at the given instant, in fractional hours.
func (p Post) AgeHours(now time.Time) float64 {
	return now.Sub(p.CreatedAt).Hours()
}

// Trigger is a single engagement event signal for one post. Triggers are
// ephemeral: created on ingestion, consumed on processing, never persisted.
type Trigger struct {
	Kind      TriggerKind `json:"kind"`
	PostID    int64       `json:"post_id"`
	ActorID   int64       `json:"actor_id,omitempty"`
	Priority  Priority    `json:"priority"`
	Timestamp time.Time   `json:"timestamp"`
}
