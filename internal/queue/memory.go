package queue

import (
	"context"
	"strconv"
	"sync"

	"syndicate-go/internal/syndicate"
)

// memoryStore keeps jobs in process memory. Jobs do not survive a restart,
// which makes it suitable for inline runs and tests.
type memoryStore struct {
	mu       sync.Mutex
	pending  []syndicate.Job
	inflight map[string]syndicate.Job
	dead     []syndicate.Job
	seq      int
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(maxAttempts int, logger syndicate.Logger) *JobQueue {
	return newJobQueue(&memoryStore{inflight: make(map[string]syndicate.Job)}, maxAttempts, logger)
}

func (m *memoryStore) Push(_ context.Context, job syndicate.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, job)
	return nil
}

func (m *memoryStore) Claim(_ context.Context) (*claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, nil
	}
	job := m.pending[0]
	m.pending = m.pending[1:]
	m.seq++
	handle := strconv.Itoa(m.seq)
	m.inflight[handle] = job
	return &claim{job: job, raw: handle}, nil
}

func (m *memoryStore) Ack(_ context.Context, c *claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, c.raw)
	return nil
}

func (m *memoryStore) Requeue(_ context.Context, c *claim, job syndicate.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, c.raw)
	m.pending = append(m.pending, job)
	return nil
}

func (m *memoryStore) Bury(_ context.Context, c *claim, job syndicate.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, c.raw)
	m.dead = append([]syndicate.Job{job}, m.dead...)
	return nil
}

func (m *memoryStore) Recover(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.inflight)
	for handle, job := range m.inflight {
		m.pending = append(m.pending, job)
		delete(m.inflight, handle)
	}
	return n, nil
}

func (m *memoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

func (m *memoryStore) Dead(_ context.Context) ([]syndicate.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syndicate.Job(nil), m.dead...), nil
}

func (m *memoryStore) Close() error { return nil }
