package engine

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

// categoryQueue is a per-category priority queue ordered by (Priority,
// sequence): lower priority ordinal first, ties broken by submission order.
// There is no aging or promotion — a queued task's effective priority never
// changes while it waits.
type categoryQueue struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	items    taskHeap
	nextSeq  int64
	softCap  int
}

func newCategoryQueue(softCap int) *categoryQueue {
	if softCap <= 0 {
		softCap = 10000
	}
	q := &categoryQueue{
		notEmpty: make(chan struct{}, 1),
		softCap:  softCap,
	}
	heap.Init(&q.items)
	return q
}

// push enqueues a task, returning a queue_full TaskError if the category's
// soft cap has been reached.
func (q *categoryQueue) push(t *Task) error {
	q.mu.Lock()
	if len(q.items) >= q.softCap {
		q.mu.Unlock()
		return NewTaskError(KindQueueFull, fmt.Sprintf("queue for %s is full (cap %d)", t.Category, q.softCap))
	}
	t.sequence = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, t)
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until a task is available or ctx is cancelled, in which case it
// returns ctx.Err(). This is the engine's interruptible queue-wait.
func (q *categoryQueue) pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := heap.Pop(&q.items).(*Task)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// push coalesces wakeups, so pass one on to any other
				// waiting worker while tasks remain queued.
				select {
				case q.notEmpty <- struct{}{}:
				default:
				}
			}
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *categoryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
