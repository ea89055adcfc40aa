package embedded

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cuemby/aegis/internal/transport"
)

// subscriber is one registered pattern subscription: a buffered delivery
// channel plus subject-pattern matching and queue-group load balancing.
type subscriber struct {
	pattern    string
	queueGroup string
	handler    transport.MessageHandler
	ch         chan transport.Msg
	closed     atomic.Bool
	done       chan struct{}
}

type pubsub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	// queueCursor round-robins delivery within a queue group: the index of
	// the next member to receive a message for a given (pattern,group) pair.
	queueCursor map[string]int
}

func newPubSub() *pubsub {
	return &pubsub{
		subscribers: make(map[*subscriber]struct{}),
		queueCursor: make(map[string]int),
	}
}

func (p *pubsub) subscribe(pattern, queueGroup string, handler transport.MessageHandler) *subscriber {
	sub := &subscriber{
		pattern:    pattern,
		queueGroup: queueGroup,
		handler:    handler,
		ch:         make(chan transport.Msg, 256),
		done:       make(chan struct{}),
	}
	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	go sub.run()
	return sub
}

func (s *subscriber) run() {
	for {
		select {
		case msg := <-s.ch:
			s.handler(context.Background(), msg)
		case <-s.done:
			return
		}
	}
}

func (p *pubsub) unsubscribe(sub *subscriber) {
	p.mu.Lock()
	delete(p.subscribers, sub)
	p.mu.Unlock()
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.done)
	}
}

// publish delivers msg to every fan-out subscriber whose pattern matches,
// and to exactly one member of each matching queue group, picked by a
// per-group cursor. Members are collected from a map, so their order (and
// hence which member the cursor lands on) is not fixed between publishes.
func (p *pubsub) publish(msg transport.Msg) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	groups := map[string][]*subscriber{}
	for sub := range p.subscribers {
		if !transport.MatchSubject(sub.pattern, msg.Subject) {
			continue
		}
		if sub.queueGroup == "" {
			deliver(sub, msg)
			continue
		}
		key := sub.pattern + "\x00" + sub.queueGroup
		groups[key] = append(groups[key], sub)
	}

	for key, members := range groups {
		idx := p.queueCursor[key] % len(members)
		p.queueCursor[key] = idx + 1
		deliver(members[idx], msg)
	}
}

func deliver(sub *subscriber, msg transport.Msg) {
	select {
	case sub.ch <- msg:
	default:
		// Slow subscriber; drop rather than block the publisher.
	}
}

type subscription struct {
	ps  *pubsub
	sub *subscriber
}

func (s *subscription) Unsubscribe() error {
	s.ps.unsubscribe(s.sub)
	return nil
}
