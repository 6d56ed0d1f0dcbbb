package scheduler

import (
	"sync"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// entry is one pending pod awaiting placement.
type entry struct {
	podID      string
	priority   int
	enqueuedAt time.Time
	attempts   int
	notBefore  time.Time
}

// Queue holds pods awaiting placement, ordered by priority then age.
// Requeued pods carry an exponential backoff capped at 30s so an
// unsatisfiable pod cannot starve the loop.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry

	// attempts outlives a pod's stay in the queue so a requeue after a
	// failed placement continues the backoff curve.
	attempts map[string]int

	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		entries:  make(map[string]*entry),
		attempts: make(map[string]int),
		now:      time.Now,
	}
}

// Add enqueues a pod for placement. Re-adding an already queued pod is
// a no-op so event storms cannot duplicate work.
func (q *Queue) Add(podID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[podID]; ok {
		return
	}
	q.entries[podID] = &entry{
		podID:      podID,
		priority:   priority,
		enqueuedAt: q.now(),
	}
}

// Next pops the best eligible pod: highest priority first, oldest
// first within a priority, ids as the final tie-break. Pods still in
// backoff are skipped.
func (q *Queue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *entry
	for _, e := range q.entries {
		if e.notBefore.After(now) {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	delete(q.entries, best.podID)
	return best.podID, true
}

func better(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.podID < b.podID
}

// Requeue puts a pod back with one more failed attempt and the
// corresponding backoff.
func (q *Queue) Requeue(podID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[podID]; ok {
		return
	}
	attempts := q.attempts[podID] + 1
	q.attempts[podID] = attempts
	q.entries[podID] = &entry{
		podID:      podID,
		priority:   priority,
		enqueuedAt: q.now(),
		attempts:   attempts,
		notBefore:  q.now().Add(backoff(attempts)),
	}
}

// Remove drops a pod from the queue, used when it is deleted while
// still pending.
func (q *Queue) Remove(podID string) {
	q.mu.Lock()
	delete(q.entries, podID)
	delete(q.attempts, podID)
	q.mu.Unlock()
}

// Len returns the number of queued pods, including those in backoff.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// backoff grows exponentially with the attempt count, capped.
func backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
