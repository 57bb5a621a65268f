package channel

import (
	"log/slog"
	"sync"
)

// serialQueue runs jobs sharing a key one at a time, in submission order.
// Jobs with different keys run concurrently. A key's worker goroutine exits
// once its queue drains.
type serialQueue struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]func()
}

func newSerialQueue(logger *slog.Logger) *serialQueue {
	return &serialQueue{logger: logger, pending: make(map[string][]func())}
}

// Do queues job behind earlier jobs of key. It never blocks.
func (q *serialQueue) Do(key string, job func()) {
	q.mu.Lock()
	if queued, busy := q.pending[key]; busy {
		q.pending[key] = append(queued, job)
		q.mu.Unlock()
		return
	}
	q.pending[key] = nil
	q.mu.Unlock()
	go q.drain(key, job)
}

func (q *serialQueue) drain(key string, job func()) {
	for job != nil {
		q.run(key, job)

		q.mu.Lock()
		if queued := q.pending[key]; len(queued) > 0 {
			job = queued[0]
			q.pending[key] = queued[1:]
		} else {
			delete(q.pending, key)
			job = nil
		}
		q.mu.Unlock()
	}
}

func (q *serialQueue) run(key string, job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued inbound handler panic", "key", key, "panic", r)
		}
	}()
	job()
}

// idle reports whether no key has queued or running work.
func (q *serialQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}
