package deploy

import (
	"context"
	"sync"
)

// lane is the FIFO of one service. Its worker exits once the lane drains.
type lane struct {
	pending []uint
	running bool
}

// queue runs deploys one at a time per service while different services proceed concurrently
type queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
	run    func(ctx context.Context, id uint)
	ctx    context.Context
}

func newQueue(ctx context.Context, run func(ctx context.Context, id uint)) *queue {
	return &queue{
		lanes: make(map[string]*lane),
		run:   run,
		ctx:   ctx,
	}
}

func (q *queue) push(service string, id uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}

	l, ok := q.lanes[service]
	if !ok {
		l = &lane{}
		q.lanes[service] = l
	}
	l.pending = append(l.pending, id)

	if !l.running {
		l.running = true
		q.wg.Add(1)
		go q.work(service, l)
	}
	return nil
}

func (q *queue) work(service string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.pending) == 0 || q.closed {
			l.running = false
			if len(l.pending) == 0 {
				delete(q.lanes, service)
			}
			q.mu.Unlock()
			return
		}
		id := l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()

		q.run(q.ctx, id)
	}
}

// pending returns the ids still waiting for service, in order
func (q *queue) pending(service string) []uint {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[service]
	if !ok {
		return nil
	}
	return append([]uint(nil), l.pending...)
}

// busy reports whether any lane still has work
func (q *queue) busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes) > 0
}

// close stops accepting work and waits for the running deploys to return
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
