package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/switchline/pkg/frame"
)

// ErrClosed is returned when a frame is pushed into a stage whose queue has
// been closed by cancellation or completion.
var ErrClosed = errors.New("pipeline: stage closed")

type item struct {
	f   frame.Frame
	dir frame.Direction
}

// queue is a stage's bounded input. The data lane holds at most size items
// and blocks producers when full, except that an incoming audio chunk
// evicts the oldest queued audio chunk. The control lane is unbounded and
// always served first.
type queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	data    []item
	control []item
	closed  bool

	// onDrop is called with mu held each time an audio chunk is evicted.
	onDrop func()
}

func newQueue(size int, onDrop func()) *queue {
	q := &queue{size: size, onDrop: onDrop}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// wakeOnDone arranges for waiters to re-check ctx when it is cancelled.
func (q *queue) wakeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

func (q *queue) put(ctx context.Context, it item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if frame.IsControl(it.f) {
		if q.closed {
			return ErrClosed
		}
		q.control = append(q.control, it)
		q.cond.Broadcast()
		return nil
	}

	stop := q.wakeOnDone(ctx)
	defer stop()

	_, isAudio := it.f.(*frame.AudioChunk)
	for {
		if q.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(q.data) < q.size || (isAudio && q.evictOldestAudio()) {
			q.data = append(q.data, it)
			q.cond.Broadcast()
			return nil
		}
		q.cond.Wait()
	}
}

// evictOldestAudio removes the oldest queued audio chunk. It reports false
// when the queue holds no audio, in which case the producer must wait.
func (q *queue) evictOldestAudio() bool {
	for i, it := range q.data {
		if _, ok := it.f.(*frame.AudioChunk); ok {
			q.data = append(q.data[:i], q.data[i+1:]...)
			if q.onDrop != nil {
				q.onDrop()
			}
			return true
		}
	}
	return false
}

// get returns the next item, control lane first. Once the queue is closed
// the remaining control items are still returned, then ErrClosed.
func (q *queue) get(ctx context.Context) (item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := q.wakeOnDone(ctx)
	defer stop()

	for {
		if len(q.control) > 0 {
			it := q.control[0]
			q.control = q.control[1:]
			return it, nil
		}
		if q.closed {
			return item{}, ErrClosed
		}
		if len(q.data) > 0 {
			it := q.data[0]
			q.data[0] = item{}
			q.data = q.data[1:]
			q.cond.Broadcast()
			return it, nil
		}
		if err := ctx.Err(); err != nil {
			return item{}, err
		}
		q.cond.Wait()
	}
}

// close rejects further puts and discards queued data. When last is non-nil
// it replaces the control lane so it is the final item the stage receives.
func (q *queue) close(last frame.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.data = nil
	q.control = nil
	if last != nil {
		q.control = []item{{f: last, dir: frame.Downstream}}
	}
	q.cond.Broadcast()
}

func (q *queue) len() (data, control int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data), len(q.control)
}
