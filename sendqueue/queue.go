// Package sendqueue implements the per-connection send pipeline: a
// priority-ordered queue of pending requests and the worker loop that
// drains it onto the wire.
package sendqueue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/asyncdb/client-go/registry"
)

// Queue is the per-connection priority queue described in the component
// design: ordered (priority asc, sequence asc) so lower priority number
// wins and ties break FIFO. It is built on container/heap the same way a
// least-loaded picker orders connections by (load, tieBreak) — here the
// primary key is caller-assigned priority instead of load, and the
// tiebreak is the registry's monotonic sequence number instead of a pick
// counter.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	closed bool
}

type item struct {
	record *registry.Record
	index  int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	pi, pj := h[i].record.Invocation.Priority, h[j].record.Invocation.Priority
	if pi == pj {
		return h[i].record.Sequence < h[j].record.Sequence
	}
	return pi < pj
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item) //nolint:forcetypeassert
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// NewQueue returns an empty, open Queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues rec. Push on a closed queue fails the record immediately
// with ErrNotSent via the caller-supplied fail path is the caller's
// responsibility; Push itself is a no-op once closed, matching teardown
// semantics where in-flight admission loses the race to a draining
// connection.
func (q *Queue) Push(rec *registry.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	heap.Push(&q.items, &item{record: rec})
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available, the queue is closed, or ctx is
// done. A closed, empty queue returns (nil, false) immediately.
func (q *Queue) Pop(ctx context.Context) (*registry.Record, bool) {
	done := make(chan struct{})
	defer close(done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx != nil && ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(*item) //nolint:forcetypeassert
	return it.record, true
}

// Close marks the queue closed, wakes every blocked Pop, and returns the
// records still queued so the caller can fail them via the
// connection-teardown path.
func (q *Queue) Close() []*registry.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	remaining := make([]*registry.Record, 0, len(q.items))
	for _, it := range q.items {
		remaining = append(remaining, it.record)
	}
	q.items = nil
	q.cond.Broadcast()
	return remaining
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
