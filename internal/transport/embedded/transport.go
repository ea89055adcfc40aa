// Package embedded is an in-process Transport implementation: an
// in-memory event broker, a BoltDB-backed byte-valued revisioned
// TTL-capable KV surface, NATS-style subject pub/sub, and a durable work
// queue.
//
// It implements the exact same transport.Transport interface the
// production NATS broker does, so internal/testkit's chaos scenarios (and
// the "--embedded" demo mode of cmd/aegisd) exercise the same registry,
// election, and messaging code paths that talk to real NATS in
// production.
package embedded

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

// Transport is the in-process Transport implementation.
type Transport struct {
	clock aegistypes.Clock

	mu        sync.Mutex
	connected bool
	db        *bolt.DB
	dbPath    string
	ownDB     bool
	buckets   map[string]*kvBucket

	ps *pubsub

	workMu sync.Mutex
	queues map[string]*fifoQueue // keyed by stream+"\x00"+subject

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Option configures a new Transport.
type Option func(*Transport)

// WithClock overrides the clock used for KV TTL bookkeeping, for
// deterministic tests.
func WithClock(clock aegistypes.Clock) Option {
	return func(t *Transport) { t.clock = clock }
}

// WithDataDir persists the embedded KV store at dataDir/embedded.db
// instead of a temporary directory that is removed on Disconnect.
func WithDataDir(dataDir string) Option {
	return func(t *Transport) { t.dbPath = filepath.Join(dataDir, "embedded.db") }
}

// New creates a new embedded Transport. It does not open any storage until
// Connect is called, matching the real Transport's connect/disconnect
// lifecycle.
func New(opts ...Option) *Transport {
	t := &Transport{
		clock:   aegistypes.SystemClock{},
		ps:      newPubSub(),
		buckets: make(map[string]*kvBucket),
		queues:  make(map[string]*fifoQueue),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	path := t.dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "aegis-embedded-*")
		if err != nil {
			return aegiserr.Wrap(aegiserr.KindTransport, "creating embedded data dir", err)
		}
		path = filepath.Join(dir, "embedded.db")
		t.ownDB = true
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindTransport, "opening embedded store", err)
	}
	t.db = db
	t.dbPath = path
	t.connected = true

	t.sweepStop = make(chan struct{})
	t.sweepDone = make(chan struct{})
	go t.sweepLoop()
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	close(t.sweepStop)
	<-t.sweepDone

	err := t.db.Close()
	if t.ownDB {
		_ = os.RemoveAll(filepath.Dir(t.dbPath))
	}
	t.connected = false
	return err
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) sweepLoop() {
	defer close(t.sweepDone)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.sweepStop:
			return
		case <-ticker.C:
			t.mu.Lock()
			buckets := make([]*kvBucket, 0, len(t.buckets))
			for _, b := range t.buckets {
				buckets = append(buckets, b)
			}
			t.mu.Unlock()
			for _, b := range buckets {
				b.sweep(context.Background())
			}
		}
	}
}

// Sweep forces an immediate TTL sweep of every open bucket, for
// deterministic tests driving a fake clock forward without waiting on the
// background ticker.
func (t *Transport) Sweep() {
	t.mu.Lock()
	buckets := make([]*kvBucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		buckets = append(buckets, b)
	}
	t.mu.Unlock()
	for _, b := range buckets {
		b.sweep(context.Background())
	}
}

func (t *Transport) requireConnected() error {
	if !t.IsConnected() {
		return aegiserr.ErrNotConnected
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := t.requireConnected(); err != nil {
		return err
	}
	t.ps.publish(transport.Msg{Subject: subject, Data: payload})
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, subjectPattern, queueGroup string, handler transport.MessageHandler) (transport.Subscription, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	sub := t.ps.subscribe(subjectPattern, queueGroup, handler)
	return &subscription{ps: t.ps, sub: sub}, nil
}

// Request implements request/reply over a private inbox subject, exactly
// as a real NATS client correlates replies, but entirely in-process.
func (t *Transport) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}

	inbox := "_INBOX." + aegistypes.NewMessageID()
	replyCh := make(chan []byte, 1)

	sub := t.ps.subscribe(inbox, "", func(_ context.Context, msg transport.Msg) {
		select {
		case replyCh <- msg.Data:
		default:
		}
	})
	defer t.ps.unsubscribe(sub)

	t.ps.publish(transport.Msg{Subject: subject, Data: payload, Reply: inbox})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case data := <-replyCh:
		return data, nil
	case <-ctx.Done():
		return nil, aegiserr.ErrTimeout
	}
}

func (t *Transport) WorkQueuePublish(ctx context.Context, stream, subject string, payload []byte) error {
	if err := t.requireConnected(); err != nil {
		return err
	}
	t.queueFor(stream, subject).pushBack(&queueItem{subject: subject, data: payload})
	return nil
}

func (t *Transport) WorkQueueSubscribe(ctx context.Context, stream, subject, durableName string, handler transport.WorkHandler) (transport.Subscription, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	consumer := startDurableConsumer(ctx, t.queueFor(stream, subject), handler)
	return &workSubscription{consumer: consumer}, nil
}

func (t *Transport) queueFor(stream, subject string) *fifoQueue {
	key := stream + "\x00" + subject
	t.workMu.Lock()
	defer t.workMu.Unlock()
	q, ok := t.queues[key]
	if !ok {
		q = newFIFOQueue()
		t.queues[key] = q
	}
	return q
}

func (t *Transport) KVBucket(ctx context.Context, name string, opts transport.KVBucketOpts) (transport.KVBucket, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[name]; ok {
		return b, nil
	}
	b, err := openKVBucket(t.db, name, opts, t.clock)
	if err != nil {
		return nil, err
	}
	t.buckets[name] = b
	return b, nil
}
