package services

import (
	"sync"

	"undercover/internal/core/domain"
)

// OfflineQueue buffers envelopes for users without a live transport.
// Each user's queue holds at most capacity entries; the oldest are dropped first.
type OfflineQueue struct {
	mu       sync.Mutex
	queues   map[domain.UserID][]domain.Envelope
	capacity int
}

func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &OfflineQueue{
		queues:   make(map[domain.UserID][]domain.Envelope),
		capacity: capacity,
	}
}

func (q *OfflineQueue) Enqueue(user domain.UserID, env domain.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queues[user] = q.trim(append(q.queues[user], env))
}

// DrainAll removes and returns the user's queue in enqueue order.
func (q *OfflineQueue) DrainAll(user domain.UserID) []domain.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[user]
	delete(q.queues, user)
	return pending
}

// Requeue puts envelopes that could not be flushed back in front of
// anything enqueued since the drain.
func (q *OfflineQueue) Requeue(user domain.UserID, envs []domain.Envelope) {
	if len(envs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]domain.Envelope, 0, len(envs)+len(q.queues[user]))
	merged = append(merged, envs...)
	merged = append(merged, q.queues[user]...)
	q.queues[user] = q.trim(merged)
}

func (q *OfflineQueue) Len(user domain.UserID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[user])
}

// Pending is the total number of queued envelopes across users.
func (q *OfflineQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, envs := range q.queues {
		total += len(envs)
	}
	return total
}

func (q *OfflineQueue) trim(envs []domain.Envelope) []domain.Envelope {
	if over := len(envs) - q.capacity; over > 0 {
		// copy so the dropped prefix can be collected
		return append([]domain.Envelope(nil), envs[over:]...)
	}
	return envs
}
