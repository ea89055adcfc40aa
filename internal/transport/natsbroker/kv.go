package natsbroker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
)

// envelope is the wire value stored in the NATS KV bucket for every key.
// A plain nats.KeyValueEntry only carries a server-assigned Created() time
// and a Revision(); it has no notion of "when was this key last written"
// versus "when was it first written", and no per-key expiry. envelope
// closes that gap the same way embedded's storedEntry does, so both
// Transport implementations hand internal/registry and internal/election
// identical Entry semantics.
type envelope struct {
	Value     []byte    `msgpack:"value"`
	CreatedAt time.Time `msgpack:"created_at"`
	UpdatedAt time.Time `msgpack:"updated_at"`
	ExpiresAt time.Time `msgpack:"expires_at,omitempty"`
}

func (e envelope) hasTTL() bool { return !e.ExpiresAt.IsZero() }

func (e envelope) expired(now time.Time) bool { return e.hasTTL() && !now.Before(e.ExpiresAt) }

type kvBucket struct {
	kv        nats.KeyValue
	enableTTL bool

	mu       sync.Mutex
	watchers []*kvWatcher
	started  bool
}

// KVBucket opens (creating if absent) the JetStream KeyValue bucket named
// name and wraps it as a transport.KVBucket.
func (b *Broker) KVBucket(ctx context.Context, name string, opts transport.KVBucketOpts) (transport.KVBucket, error) {
	js, err := b.jetstream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(name)
	if err == nats.ErrBucketNotFound {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   name,
			History:  uint8(maxInt(1, opts.History)),
			Replicas: maxInt(1, opts.Replicas),
			Storage:  nats.FileStorage,
		})
	}
	if err != nil {
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "nats: open kv bucket failed", err)
	}
	bucket := &kvBucket{kv: kv, enableTTL: opts.EnableTTL}
	bucket.startPurgeLoop()
	return bucket, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func decodeEntry(data []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return envelope{}, aegiserr.Wrap(aegiserr.KindSerialization, "decoding kv envelope", err)
	}
	return env, nil
}

func entryFrom(key string, revision uint64, env envelope) *transport.Entry {
	var ttl time.Duration
	if env.hasTTL() {
		ttl = env.ExpiresAt.Sub(env.UpdatedAt)
	}
	return &transport.Entry{
		Key: key, Value: env.Value, Revision: revision,
		CreatedAt: env.CreatedAt, UpdatedAt: env.UpdatedAt, TTL: ttl,
	}
}

func (b *kvBucket) Get(ctx context.Context, key string) (*transport.Entry, error) {
	kve, err := b.kv.Get(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, aegiserr.ErrNotFound
		}
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "nats: kv get failed", err)
	}
	env, err := decodeEntry(kve.Value())
	if err != nil {
		return nil, err
	}
	if env.expired(time.Now().UTC()) {
		return nil, aegiserr.ErrNotFound
	}
	return entryFrom(key, kve.Revision(), env), nil
}

func (b *kvBucket) Put(ctx context.Context, key string, value []byte, opts transport.PutOpts) (uint64, error) {
	now := time.Now().UTC()
	existing, getErr := b.kv.Get(key)
	var existingEnv *envelope
	if getErr == nil {
		env, err := decodeEntry(existing.Value())
		if err != nil {
			return 0, err
		}
		if !env.expired(now) {
			existingEnv = &env
		}
	} else if getErr != nats.ErrKeyNotFound {
		return 0, aegiserr.Wrap(aegiserr.KindTransport, "nats: kv get failed", getErr)
	}

	if opts.CreateOnly && existingEnv != nil {
		return 0, aegiserr.ErrAlreadyExists
	}
	if opts.Revision != 0 && existingEnv == nil {
		return 0, aegiserr.ErrRevisionMismatch
	}

	env := envelope{Value: value, UpdatedAt: now}
	if existingEnv != nil {
		env.CreatedAt = existingEnv.CreatedAt
	} else {
		env.CreatedAt = now
	}
	if b.enableTTL && opts.TTL > 0 {
		env.ExpiresAt = now.Add(opts.TTL)
	}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return 0, aegiserr.Wrap(aegiserr.KindSerialization, "encoding kv envelope", err)
	}

	var revision uint64
	switch {
	case existingEnv == nil && getErr == nil:
		// The key still holds an expired envelope the purge loop has not
		// removed yet; replace it as if the key were absent.
		revision, err = b.kv.Update(key, data, existing.Revision())
	case existingEnv == nil:
		revision, err = b.kv.Create(key, data)
	case opts.Revision != 0:
		revision, err = b.kv.Update(key, data, opts.Revision)
	default:
		revision, err = b.kv.Put(key, data)
	}
	if err != nil {
		if err == nats.ErrKeyExists {
			return 0, aegiserr.ErrAlreadyExists
		}
		if isWrongSequenceErr(err) {
			return 0, aegiserr.ErrRevisionMismatch
		}
		return 0, aegiserr.Wrap(aegiserr.KindTransport, "nats: kv put failed", err)
	}

	b.notify(transport.WatchEvent{Op: transport.OpPut, Key: key, Entry: entryFrom(key, revision, env)})
	return revision, nil
}

// isWrongSequenceErr reports whether err is the "wrong last sequence"
// error nats.go's KeyValue.Update returns on a lost CAS race; the classic
// JetStreamContext API surfaces it as a plain error rather than a typed
// sentinel, so the message is the only stable signal available.
func isWrongSequenceErr(err error) bool {
	return strings.Contains(err.Error(), "wrong last sequence")
}

func (b *kvBucket) Delete(ctx context.Context, key string, revision uint64) error {
	var err error
	if revision != 0 {
		err = b.kv.Delete(key, nats.LastRevision(revision))
	} else {
		err = b.kv.Delete(key)
	}
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return aegiserr.ErrNotFound
		}
		if isWrongSequenceErr(err) {
			return aegiserr.ErrRevisionMismatch
		}
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: kv delete failed", err)
	}
	b.notify(transport.WatchEvent{Op: transport.OpDelete, Key: key})
	return nil
}

func (b *kvBucket) GetMany(ctx context.Context, keys []string) (map[string]*transport.Entry, error) {
	out := make(map[string]*transport.Entry, len(keys))
	for _, k := range keys {
		e, err := b.Get(ctx, k)
		if err != nil {
			if aegiserr.Is(err, aegiserr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

func (b *kvBucket) PutMany(ctx context.Context, values map[string][]byte, opts transport.PutOpts) (map[string]uint64, error) {
	out := make(map[string]uint64, len(values))
	for k, v := range values {
		rev, err := b.Put(ctx, k, v, opts)
		if err != nil {
			return nil, err
		}
		out[k] = rev
	}
	return out, nil
}

func (b *kvBucket) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := b.Delete(ctx, k, 0); err != nil && !aegiserr.Is(err, aegiserr.KindNotFound) {
			return err
		}
	}
	return nil
}

func (b *kvBucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := b.kv.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "nats: kv keys failed", err)
	}
	now := time.Now().UTC()
	var out []string
	for _, k := range all {
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		entry, err := b.kv.Get(k)
		if err != nil {
			continue
		}
		env, err := decodeEntry(entry.Value())
		if err != nil || env.expired(now) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (b *kvBucket) History(ctx context.Context, key string, limit int) ([]*transport.Entry, error) {
	revisions, err := b.kv.History(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, nil
		}
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "nats: kv history failed", err)
	}
	if limit > 0 && len(revisions) > limit {
		revisions = revisions[len(revisions)-limit:]
	}
	out := make([]*transport.Entry, 0, len(revisions))
	for _, r := range revisions {
		env, err := decodeEntry(r.Value())
		if err != nil {
			continue
		}
		out = append(out, entryFrom(key, r.Revision(), env))
	}
	return out, nil
}

func (b *kvBucket) Purge(ctx context.Context, key string) error {
	if err := b.kv.Purge(key); err != nil {
		if err == nats.ErrKeyNotFound {
			return nil
		}
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: kv purge failed", err)
	}
	b.notify(transport.WatchEvent{Op: transport.OpDelete, Key: key})
	return nil
}

func (b *kvBucket) Clear(ctx context.Context, prefix string) error {
	keys, err := b.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Purge(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

type kvWatcher struct {
	keyOrPrefix string
	isPrefix    bool
	ch          chan transport.WatchEvent
	closed      chan struct{}
	once        sync.Once
}

func (w *kvWatcher) matches(key string) bool {
	if w.isPrefix {
		return strings.HasPrefix(key, w.keyOrPrefix)
	}
	return key == w.keyOrPrefix
}

func (w *kvWatcher) deliver(ev transport.WatchEvent) {
	select {
	case w.ch <- ev:
	case <-w.closed:
	default:
	}
}

func (w *kvWatcher) Next(ctx context.Context) (transport.WatchEvent, bool) {
	select {
	case ev := <-w.ch:
		return ev, true
	case <-w.closed:
		return transport.WatchEvent{}, false
	case <-ctx.Done():
		return transport.WatchEvent{}, false
	}
}

func (w *kvWatcher) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

// Watch replays fromRevision's backlog (if non-zero, via per-key History)
// and then bridges the bucket's shared nats.KeyWatcher into a pull-style
// transport.Watcher, the same adapter shape as embedded's in-process
// watcher so every consumer of KVBucket.Watch is transport-agnostic.
func (b *kvBucket) Watch(ctx context.Context, keyOrPrefix string, isPrefix bool, fromRevision uint64) (transport.Watcher, error) {
	w := &kvWatcher{
		keyOrPrefix: keyOrPrefix,
		isPrefix:    isPrefix,
		ch:          make(chan transport.WatchEvent, 64),
		closed:      make(chan struct{}),
	}
	if fromRevision > 0 {
		b.replayBacklog(w, fromRevision)
	}
	b.mu.Lock()
	b.watchers = append(b.watchers, w)
	needStart := !b.started
	b.started = true
	b.mu.Unlock()
	if needStart {
		if err := b.startWatchLoop(ctx); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// replayBacklog delivers every stored revision of every matching key newer
// than fromRevision, in the order History returns them, before live
// updates start flowing.
func (b *kvBucket) replayBacklog(w *kvWatcher, fromRevision uint64) {
	keys, err := b.kv.Keys()
	if err != nil {
		return
	}
	for _, k := range keys {
		if !w.matches(k) {
			continue
		}
		revisions, err := b.kv.History(k)
		if err != nil {
			continue
		}
		for _, r := range revisions {
			if r.Revision() <= fromRevision {
				continue
			}
			if r.Operation() != nats.KeyValuePut {
				w.deliver(transport.WatchEvent{Op: transport.OpDelete, Key: k})
				continue
			}
			env, err := decodeEntry(r.Value())
			if err != nil {
				continue
			}
			w.deliver(transport.WatchEvent{Op: transport.OpPut, Key: k, Entry: entryFrom(k, r.Revision(), env)})
		}
	}
}

func (b *kvBucket) startWatchLoop(ctx context.Context) error {
	watcher, err := b.kv.WatchAll()
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: kv watch failed", err)
	}
	go func() {
		for entry := range watcher.Updates() {
			if entry == nil {
				continue
			}
			switch entry.Operation() {
			case nats.KeyValuePut:
				env, err := decodeEntry(entry.Value())
				if err != nil {
					continue
				}
				b.notify(transport.WatchEvent{
					Op: transport.OpPut, Key: entry.Key(),
					Entry: entryFrom(entry.Key(), entry.Revision(), env),
				})
			case nats.KeyValueDelete, nats.KeyValuePurge:
				b.notify(transport.WatchEvent{Op: transport.OpDelete, Key: entry.Key()})
			}
		}
	}()
	return nil
}

func (b *kvBucket) notify(ev transport.WatchEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.watchers[:0]
	for _, w := range b.watchers {
		select {
		case <-w.closed:
			continue
		default:
		}
		if w.matches(ev.Key) {
			w.deliver(ev)
		}
		live = append(live, w)
	}
	b.watchers = live
}

// startPurgeLoop periodically purges any key whose envelope has expired,
// the application-level TTL enforcement a raw JetStream KV bucket doesn't
// give us for free.
func (b *kvBucket) startPurgeLoop() {
	if !b.enableTTL {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			keys, err := b.kv.Keys()
			if err != nil {
				continue
			}
			now := time.Now().UTC()
			for _, k := range keys {
				entry, err := b.kv.Get(k)
				if err != nil {
					continue
				}
				env, err := decodeEntry(entry.Value())
				if err != nil || !env.expired(now) {
					continue
				}
				if err := b.kv.Purge(k); err == nil {
					b.notify(transport.WatchEvent{Op: transport.OpExpired, Key: k})
				}
			}
		}
	}()
}
