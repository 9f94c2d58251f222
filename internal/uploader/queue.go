package uploader

import (
	"sync"

	"github.com/pulselab/awg-gateway/internal/metrics"
)

type taskKind int

const (
	taskUpload taskKind = iota
	taskInit
	taskBarrier
	taskStop
)

func (k taskKind) String() string {
	switch k {
	case taskUpload:
		return "upload"
	case taskInit:
		return "init"
	case taskBarrier:
		return "barrier"
	default:
		return "stop"
	}
}

type task struct {
	kind      taskKind
	ref       Completer
	samples   []float64
	slotIndex int
	slotSize  int
	done      chan struct{} // barrier only
}

// taskQueue is an unbounded FIFO with any number of producers and a single
// consumer. Producers must never block, so a bounded channel is not an
// option here.
type taskQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []task
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) push(t task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
	metrics.UploadQueueDepth.Inc()
}

// pop blocks until a task is available.
func (q *taskQueue) pop() task {
	q.mu.Lock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	t := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()
	metrics.UploadQueueDepth.Dec()
	return t
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
