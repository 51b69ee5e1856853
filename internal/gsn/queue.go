package gsn

import (
	"container/heap"
	"context"
	"sync"

	"backlog.szuro.net/pkg/plugin"
)

type item struct {
	msg plugin.Message
	seq uint64
}

// items orders by priority, lower value first, then by arrival.
type items []item

func (h items) Len() int { return len(h) }
func (h items) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h items) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *items) Push(x any)   { *h = append(*h, x.(item)) }
func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// queue is a bounded priority queue of outgoing messages.
type queue struct {
	mu    sync.Mutex
	heap  items
	limit int
	seq   uint64
	ready chan struct{}
	space chan struct{}
}

func newQueue(limit int) *queue {
	return &queue{
		limit: limit,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// push returns false if the queue is full.
func (q *queue) push(msg plugin.Message) bool {
	q.mu.Lock()
	if q.limit > 0 && len(q.heap) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.heap, item{msg: msg, seq: q.seq})
	q.mu.Unlock()
	signal(q.ready)
	return true
}

// pushWait blocks until msg fits or ctx is done.
func (q *queue) pushWait(ctx context.Context, msg plugin.Message) bool {
	for ctx.Err() == nil {
		if q.push(msg) {
			return true
		}
		select {
		case <-ctx.Done():
		case <-q.space:
		}
	}
	return false
}

// pop blocks until a message is available or ctx is done.
func (q *queue) pop(ctx context.Context) (plugin.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			it := heap.Pop(&q.heap).(item)
			q.mu.Unlock()
			signal(q.space)
			return it.msg, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return plugin.Message{}, false
		case <-q.ready:
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// clear drops every queued message and returns how many were dropped.
func (q *queue) clear() int {
	q.mu.Lock()
	n := len(q.heap)
	q.heap = nil
	q.mu.Unlock()
	signal(q.space)
	return n
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
