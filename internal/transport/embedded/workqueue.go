package embedded

import (
	"container/list"
	"context"
	"sync"

	"github.com/cuemby/aegis/internal/transport"
)

// queueItem is one durable work-queue message in flight.
type queueItem struct {
	subject string
	data    []byte
	attempt int
}

// fifoQueue is a mutex-guarded deque used to back one durable stream
// subject: pushBack for new publishes and successful redelivery ordering,
// pushFront for nak'd messages so a handler that naks a command receives
// the same message again as the very next redelivery.
type fifoQueue struct {
	mu     sync.Mutex
	items  *list.List
	notify chan struct{}
}

func newFIFOQueue() *fifoQueue {
	return &fifoQueue{items: list.New(), notify: make(chan struct{}, 1)}
}

func (q *fifoQueue) pushBack(item *queueItem) {
	q.mu.Lock()
	q.items.PushBack(item)
	q.mu.Unlock()
	q.signal()
}

func (q *fifoQueue) pushFront(item *queueItem) {
	q.mu.Lock()
	q.items.PushFront(item)
	q.mu.Unlock()
	q.signal()
}

func (q *fifoQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *fifoQueue) popFront(ctx context.Context) (*queueItem, bool) {
	for {
		q.mu.Lock()
		front := q.items.Front()
		if front != nil {
			q.items.Remove(front)
		}
		q.mu.Unlock()

		if front != nil {
			return front.Value.(*queueItem), true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

// durableConsumer runs a single-in-flight consumption loop over a
// fifoQueue: it never pops the next message until the current one is
// acked, nak'd, or termed, which is what guarantees FIFO delivery to a
// single consumer.
type durableConsumer struct {
	queue   *fifoQueue
	handler transport.WorkHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

func startDurableConsumer(ctx context.Context, queue *fifoQueue, handler transport.WorkHandler) *durableConsumer {
	ctx, cancel := context.WithCancel(ctx)
	c := &durableConsumer{queue: queue, handler: handler, cancel: cancel, done: make(chan struct{})}
	go c.run(ctx)
	return c
}

func (c *durableConsumer) run(ctx context.Context) {
	defer close(c.done)
	for {
		item, ok := c.queue.popFront(ctx)
		if !ok {
			return
		}
		item.attempt++

		result := make(chan struct{}, 1)
		var acked bool
		ackOnce := sync.Once{}

		msg := transport.WorkMsg{
			Subject: item.subject,
			Data:    item.data,
			Attempt: item.attempt,
			Ack: func() error {
				ackOnce.Do(func() { acked = true; result <- struct{}{} })
				return nil
			},
			Nak: func() error {
				ackOnce.Do(func() { c.queue.pushFront(item); result <- struct{}{} })
				return nil
			},
			Term: func() error {
				ackOnce.Do(func() { result <- struct{}{} })
				return nil
			},
		}

		c.handler(ctx, msg)

		select {
		case <-result:
		case <-ctx.Done():
			return
		}
		_ = acked
	}
}

func (c *durableConsumer) stop() {
	c.cancel()
	<-c.done
}

type workSubscription struct{ consumer *durableConsumer }

func (w *workSubscription) Unsubscribe() error {
	w.consumer.stop()
	return nil
}
