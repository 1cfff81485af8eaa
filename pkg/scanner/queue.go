package scanner

import (
	"sync"

	"github.com/sasha-s/go-deadlock"
)

// workQueue is the joinable queue a pass drains. It is unbounded so a
// worker can re-enqueue a failed item without risking a deadlock against
// the dispatcher. pending counts items that are queued or still being
// processed; the queue is drained once the producer has finished and
// pending reaches zero.
type workQueue struct {
	mu   deadlock.Mutex
	cond *sync.Cond

	items        []string
	pending      int
	producerDone bool
	aborted      bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues an item. Safe to call from workers for re-enqueues.
func (q *workQueue) Add(item string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	q.pending++
	q.cond.Signal()
}

// Get blocks until an item is available. The second return is false once
// the queue is drained or aborted.
func (q *workQueue) Get() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.aborted {
			return "", false
		}
		if len(q.items) > 0 {
			break
		}
		if q.producerDone && q.pending == 0 {
			return "", false
		}
		q.cond.Wait()
	}

	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// TaskDone marks one dequeued item as fully processed.
func (q *workQueue) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if q.pending == 0 {
		q.cond.Broadcast()
	}
}

// ProducerDone signals that no further items will be added by the
// enumeration; re-enqueues from workers are still allowed.
func (q *workQueue) ProducerDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.producerDone = true
	q.cond.Broadcast()
}

// Abort wakes every waiter and makes Get return immediately.
func (q *workQueue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.cond.Broadcast()
}
