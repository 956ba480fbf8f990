package worker

// queuedTask wraps a task with an admission sequence number so equal-priority,
// equal-time tasks still pop deterministically.
type queuedTask struct {
	task *Task
	seq  int64
}

// taskHeap dispatches highest priority first, then oldest enqueue time.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if ra, rb := a.task.Priority.Rank(), b.task.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.task.EnqueuedAt.Equal(b.task.EnqueuedAt) {
		return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
