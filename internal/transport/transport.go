// Package transport defines the single connection abstraction every other
// component is built on: subject-addressed pub/sub with wildcards,
// request/reply, durable work queues, and a watchable, revisioned,
// TTL-capable KV bucket. Two implementations satisfy it: natsbroker (the
// production NATS/JetStream client) and embedded (an in-process broker for
// tests and standalone demo mode).
package transport

import (
	"context"
	"time"
)

// Msg is one pub/sub delivery.
type Msg struct {
	Subject string
	Data    []byte
	// Reply, if non-empty, is the inbox subject a Request is waiting on.
	Reply string
}

// MessageHandler handles a fan-out or queue-group pub/sub delivery.
type MessageHandler func(ctx context.Context, msg Msg)

// WorkMsg is one durable work-queue delivery. Exactly one of Ack/Nak/Term
// must be called per delivery; redelivery continues until Ack or Term.
type WorkMsg struct {
	Subject  string
	Data     []byte
	Attempt  int
	Ack      func() error
	Nak      func() error
	Term     func() error
}

// WorkHandler handles one durable work-queue delivery.
type WorkHandler func(ctx context.Context, msg WorkMsg)

// Subscription is a live subscription or durable consumer; Unsubscribe
// stops delivery and releases broker-side resources.
type Subscription interface {
	Unsubscribe() error
}

// EntryOp is the kind of KV watch event.
type EntryOp string

const (
	OpPut     EntryOp = "put"
	OpDelete  EntryOp = "delete"
	OpExpired EntryOp = "expired"
)

// Entry is one KV bucket record.
type Entry struct {
	Key       string
	Value     []byte
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	TTL       time.Duration // zero means no TTL
}

// WatchEvent is one KV watch delivery.
type WatchEvent struct {
	Op    EntryOp
	Key   string
	Entry *Entry // nil for delete/expired
}

// PutOpts controls optimistic-concurrency semantics of a Put.
type PutOpts struct {
	CreateOnly bool
	// Revision, if non-zero, makes the put a compare-and-swap against that
	// expected revision.
	Revision uint64
	TTL      time.Duration
}

// KVBucketOpts controls bucket creation.
type KVBucketOpts struct {
	EnableTTL bool
	History   int
	Replicas  int
}

// Watcher is a lazy, restartable stream of KV watch events, driven
// pull-style by the consumer: KV watch as an async iterator.
type Watcher interface {
	// Next blocks until the next event, ctx cancellation, or the watcher
	// being closed (in which case ok is false).
	Next(ctx context.Context) (event WatchEvent, ok bool)
	Close() error
}

// KVBucket is the raw, byte-valued KV surface a bucket exposes. Typed
// access with JSON/MessagePack marshaling is layered on top by
// internal/kvstore.
type KVBucket interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte, opts PutOpts) (revision uint64, err error)
	Delete(ctx context.Context, key string, revision uint64) error

	GetMany(ctx context.Context, keys []string) (map[string]*Entry, error)
	PutMany(ctx context.Context, values map[string][]byte, opts PutOpts) (map[string]uint64, error)
	DeleteMany(ctx context.Context, keys []string) error

	Keys(ctx context.Context, prefix string) ([]string, error)
	History(ctx context.Context, key string, limit int) ([]*Entry, error)
	Purge(ctx context.Context, key string) error
	Clear(ctx context.Context, prefix string) error

	// Watch starts watching key (exact) or, if isPrefix, every key under
	// the prefix. fromRevision restarts the stream after a checkpoint; 0
	// means start from now.
	Watch(ctx context.Context, keyOrPrefix string, isPrefix bool, fromRevision uint64) (Watcher, error)
}

// Transport is the connection abstraction every component depends on.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Publish(ctx context.Context, subject string, payload []byte) error
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)
	Subscribe(ctx context.Context, subjectPattern string, queueGroup string, handler MessageHandler) (Subscription, error)

	WorkQueuePublish(ctx context.Context, stream, subject string, payload []byte) error
	WorkQueueSubscribe(ctx context.Context, stream, subject, durableName string, handler WorkHandler) (Subscription, error)

	KVBucket(ctx context.Context, name string, opts KVBucketOpts) (KVBucket, error)
}
