// Package orchestration dispatches tasks to agents through a priority
// queue and a fixed worker pool, and drives DAG workflows on top of it.
package orchestration

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/ymera-io/ymera/core"
)

// queueItem is one queued task reference. seq preserves FIFO order
// among equal priorities.
type queueItem struct {
	taskID   string
	priority core.TaskPriority
	seq      uint64
	index    int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a bounded in-memory task queue. Higher priority
// dequeues first; equal priorities dequeue in enqueue order. A single
// mutex and condition variable guard all state.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    itemHeap
	byTask   map[string]*queueItem
	capacity int
	seq      uint64
	closed   bool
}

// NewPriorityQueue creates a queue bounded at capacity entries.
// Non-positive capacity falls back to 1000.
func NewPriorityQueue(capacity int) *PriorityQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	q := &PriorityQueue{
		byTask:   make(map[string]*queueItem),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a task reference. Returns core.ErrQueueFull when the
// queue is at capacity and core.ErrAlreadyExists when the task is
// already queued.
func (q *PriorityQueue) Push(taskID string, priority core.TaskPriority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue push %s: %w", taskID, core.ErrNotRunning)
	}
	if _, ok := q.byTask[taskID]; ok {
		return fmt.Errorf("queue push %s: %w", taskID, core.ErrAlreadyExists)
	}
	if len(q.items) >= q.capacity {
		return fmt.Errorf("queue push %s: capacity %d: %w", taskID, q.capacity, core.ErrQueueFull)
	}

	q.seq++
	item := &queueItem{taskID: taskID, priority: priority, seq: q.seq}
	heap.Push(&q.items, item)
	q.byTask[taskID] = item
	q.notEmpty.Signal()
	return nil
}

// Pop blocks until an entry is available, the context is cancelled, or
// the queue is closed.
func (q *PriorityQueue) Pop(ctx context.Context) (string, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(*queueItem)
			delete(q.byTask, item.taskID)
			return item.taskID, nil
		}
		if q.closed {
			return "", core.ErrNotRunning
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		q.notEmpty.Wait()
	}
}

// Remove drops a queued task, reporting whether it was present. Used
// by cancellation before a worker picks the task up.
func (q *PriorityQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byTask[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byTask, taskID)
	return true
}

// Len reports the number of queued entries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop. Entries still queued are discarded.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
