package scheduler

import (
	"context"
	"time"

	"github.com/jonesrussell/mailtriage/internal/domain"
)

// Work is one unit of backend analysis work.
type Work func(ctx context.Context) (*domain.AnalysisResult, error)

// Result is delivered on a task's completion channel.
type Result struct {
	Value *domain.AnalysisResult
	Err   error
}

// task is one queued unit of work awaiting dispatch.
type task struct {
	ctx        context.Context
	work       Work
	priority   int
	seq        uint64
	enqueuedAt time.Time
	done       chan Result
}

// taskHeap orders tasks by descending priority; ties break by ascending
// sequence number so equal-priority tasks dispatch FIFO regardless of heap
// internals.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
