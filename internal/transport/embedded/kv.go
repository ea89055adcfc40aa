package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

// storedEntry is the on-disk representation of one KV record, kept in a
// bbolt bucket as one JSON blob per key, with a revision and an absolute
// expiry alongside the raw value.
type storedEntry struct {
	Value     []byte    `json:"value"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (s storedEntry) hasTTL() bool { return !s.ExpiresAt.IsZero() }

// kvWatcher is one registered watch subscription: a bounded channel plus
// the pattern (exact key or prefix) it cares about.
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
		// Drop for a slow watcher rather than block the writer.
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

// kvBucket is a bbolt-backed transport.KVBucket: revisioned, optionally
// TTL-expiring, with pull-style watchers. It backs the embedded.Transport's
// KV surface and is also exercised directly by internal/kvstore's tests.
type kvBucket struct {
	db         *bolt.DB
	name       []byte
	enableTTL  bool
	clock      aegistypes.Clock

	mu       sync.Mutex
	watchers []*kvWatcher
}

func openKVBucket(db *bolt.DB, name string, opts transport.KVBucketOpts, clock aegistypes.Clock) (*kvBucket, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "creating kv bucket", err)
	}
	if clock == nil {
		clock = aegistypes.SystemClock{}
	}
	return &kvBucket{db: db, name: []byte(name), enableTTL: opts.EnableTTL, clock: clock}, nil
}

func entryFrom(key string, se storedEntry) *transport.Entry {
	var ttl time.Duration
	if se.hasTTL() {
		ttl = se.ExpiresAt.Sub(se.UpdatedAt)
	}
	return &transport.Entry{
		Key:       key,
		Value:     se.Value,
		Revision:  se.Revision,
		CreatedAt: se.CreatedAt,
		UpdatedAt: se.UpdatedAt,
		TTL:       ttl,
	}
}

func (b *kvBucket) Get(ctx context.Context, key string) (*transport.Entry, error) {
	var entry *transport.Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(b.name).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var se storedEntry
		if err := json.Unmarshal(raw, &se); err != nil {
			return aegiserr.Wrap(aegiserr.KindSerialization, "decoding kv entry", err)
		}
		if se.hasTTL() && !b.clock.Now().Before(se.ExpiresAt) {
			return nil // expired; swept lazily, treated as absent
		}
		entry = entryFrom(key, se)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, aegiserr.ErrNotFound
	}
	return entry, nil
}

func (b *kvBucket) Put(ctx context.Context, key string, value []byte, opts transport.PutOpts) (uint64, error) {
	var revision uint64
	var stored storedEntry
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		raw := bkt.Get([]byte(key))

		var existing *storedEntry
		if raw != nil {
			var se storedEntry
			if err := json.Unmarshal(raw, &se); err != nil {
				return aegiserr.Wrap(aegiserr.KindSerialization, "decoding kv entry", err)
			}
			if !se.hasTTL() || b.clock.Now().Before(se.ExpiresAt) {
				existing = &se
			}
		}

		if opts.CreateOnly && existing != nil {
			return aegiserr.ErrAlreadyExists
		}
		if opts.Revision != 0 {
			if existing == nil || existing.Revision != opts.Revision {
				return aegiserr.ErrRevisionMismatch
			}
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return aegiserr.Wrap(aegiserr.KindTransport, "allocating revision", err)
		}

		now := b.clock.Now()
		se := storedEntry{
			Value:     value,
			Revision:  seq,
			UpdatedAt: now,
		}
		if existing != nil {
			se.CreatedAt = existing.CreatedAt
		} else {
			se.CreatedAt = now
		}
		if b.enableTTL && opts.TTL > 0 {
			se.ExpiresAt = now.Add(opts.TTL)
		}

		encoded, err := json.Marshal(se)
		if err != nil {
			return aegiserr.Wrap(aegiserr.KindSerialization, "encoding kv entry", err)
		}
		if err := bkt.Put([]byte(key), encoded); err != nil {
			return aegiserr.Wrap(aegiserr.KindTransport, "writing kv entry", err)
		}
		revision = seq
		stored = se
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.notify(transport.WatchEvent{Op: transport.OpPut, Key: key, Entry: entryFrom(key, stored)})
	return revision, nil
}

func (b *kvBucket) Delete(ctx context.Context, key string, revision uint64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		raw := bkt.Get([]byte(key))
		if raw == nil {
			return aegiserr.ErrNotFound
		}
		if revision != 0 {
			var se storedEntry
			if err := json.Unmarshal(raw, &se); err != nil {
				return aegiserr.Wrap(aegiserr.KindSerialization, "decoding kv entry", err)
			}
			if se.Revision != revision {
				return aegiserr.ErrRevisionMismatch
			}
		}
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return err
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
			return nil, fmt.Errorf("put_many key %q: %w", k, err)
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
	var keys []string
	now := b.clock.Now()
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.name).Cursor()
		bp := []byte(prefix)
		for k, v := c.Seek(bp); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				continue
			}
			if se.hasTTL() && !now.Before(se.ExpiresAt) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// History is kept best-effort: the embedded backend stores only the
// current value per key, so History returns a single-element slice (or
// none) rather than a full revision log.
func (b *kvBucket) History(ctx context.Context, key string, limit int) ([]*transport.Entry, error) {
	e, err := b.Get(ctx, key)
	if err != nil {
		if aegiserr.Is(err, aegiserr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []*transport.Entry{e}, nil
}

func (b *kvBucket) Purge(ctx context.Context, key string) error {
	return b.Delete(ctx, key, 0)
}

func (b *kvBucket) Clear(ctx context.Context, prefix string) error {
	keys, err := b.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	return b.DeleteMany(ctx, keys)
}

func (b *kvBucket) Watch(ctx context.Context, keyOrPrefix string, isPrefix bool, fromRevision uint64) (transport.Watcher, error) {
	w := &kvWatcher{
		keyOrPrefix: keyOrPrefix,
		isPrefix:    isPrefix,
		ch:          make(chan transport.WatchEvent, 64),
		closed:      make(chan struct{}),
	}
	b.mu.Lock()
	b.watchers = append(b.watchers, w)
	b.mu.Unlock()
	return w, nil
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

// sweep deletes every entry in the bucket whose TTL has elapsed as of
// b.clock.Now(), firing exactly one "expired" watch event per key. Called
// by the transport's background loop in production and directly (with a
// fake clock advanced manually) by deterministic tests.
func (b *kvBucket) sweep(ctx context.Context) {
	if !b.enableTTL {
		return
	}
	now := b.clock.Now()
	var expired []string

	_ = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				continue
			}
			if se.hasTTL() && !now.Before(se.ExpiresAt) {
				expired = append(expired, string(k))
			}
		}
		for _, k := range expired {
			_ = bkt.Delete([]byte(k))
		}
		return nil
	})

	for _, k := range expired {
		b.notify(transport.WatchEvent{Op: transport.OpExpired, Key: k})
	}
}
