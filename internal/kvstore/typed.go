// Package kvstore layers typed, marshaled access on top of the raw
// transport.KVBucket surface: every component above it (registry,
// election, messaging) reads and writes Go structs, never bytes,
// revisions, or serialization formats. A pluggable Codec means the same
// typed helpers work over the embedded transport and the production NATS
// KV bucket alike.
package kvstore

import (
	"context"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
)

// Codec marshals and unmarshals the typed values a Typed[T] bucket stores.
// The default is JSON; a MessagePack codec is swapped in where wire size
// or CPU matters.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Record pairs a decoded value with the bucket metadata a caller needs to
// perform a compare-and-swap follow-up write.
type Record[T any] struct {
	Value     T
	Revision  uint64
	CreatedAt transport.Entry
}

// Typed wraps a transport.KVBucket with a Codec so callers exchange T
// values instead of bytes.
type Typed[T any] struct {
	bucket transport.KVBucket
	codec  Codec
}

// NewTyped wraps bucket with codec. Passing a nil codec defaults to JSON.
func NewTyped[T any](bucket transport.KVBucket, codec Codec) *Typed[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Typed[T]{bucket: bucket, codec: codec}
}

// Get decodes the current value of key. Returns aegiserr.ErrNotFound if
// absent or expired.
func (t *Typed[T]) Get(ctx context.Context, key string) (T, uint64, error) {
	var zero T
	entry, err := t.bucket.Get(ctx, key)
	if err != nil {
		return zero, 0, err
	}
	var v T
	if err := t.codec.Unmarshal(entry.Value, &v); err != nil {
		return zero, 0, aegiserr.Wrap(aegiserr.KindSerialization, "decoding typed kv value", err)
	}
	return v, entry.Revision, nil
}

// Put encodes and writes value unconditionally (no CAS), returning the new
// revision.
func (t *Typed[T]) Put(ctx context.Context, key string, value T, ttl transport.PutOpts) (uint64, error) {
	data, err := t.codec.Marshal(value)
	if err != nil {
		return 0, aegiserr.Wrap(aegiserr.KindSerialization, "encoding typed kv value", err)
	}
	return t.bucket.Put(ctx, key, data, ttl)
}

// PutCreateOnly writes value only if key does not currently exist (or is
// expired), the primitive every "claim this slot first" operation in the
// registry and election subsystems is built on. Returns aegiserr
// (KindAlreadyExists) if the key is already live.
func (t *Typed[T]) PutCreateOnly(ctx context.Context, key string, value T, ttl transport.PutOpts) (uint64, error) {
	opts := ttl
	opts.CreateOnly = true
	data, err := t.codec.Marshal(value)
	if err != nil {
		return 0, aegiserr.Wrap(aegiserr.KindSerialization, "encoding typed kv value", err)
	}
	return t.bucket.Put(ctx, key, data, opts)
}

// PutCAS writes value only if key's current revision still equals
// expectedRevision, the primitive every "update my own heartbeat/renewal
// without clobbering a concurrent write" operation is built on. Returns
// aegiserr (KindRevisionMismatch) if the race was lost.
func (t *Typed[T]) PutCAS(ctx context.Context, key string, value T, expectedRevision uint64, ttl transport.PutOpts) (uint64, error) {
	opts := ttl
	opts.Revision = expectedRevision
	data, err := t.codec.Marshal(value)
	if err != nil {
		return 0, aegiserr.Wrap(aegiserr.KindSerialization, "encoding typed kv value", err)
	}
	return t.bucket.Put(ctx, key, data, opts)
}

// Delete removes key unconditionally.
func (t *Typed[T]) Delete(ctx context.Context, key string) error {
	return t.bucket.Delete(ctx, key, 0)
}

// DeleteCAS removes key only if its current revision still equals
// expectedRevision.
func (t *Typed[T]) DeleteCAS(ctx context.Context, key string, expectedRevision uint64) error {
	return t.bucket.Delete(ctx, key, expectedRevision)
}

// List decodes every live entry under prefix.
func (t *Typed[T]) List(ctx context.Context, prefix string) (map[string]Record[T], error) {
	keys, err := t.bucket.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record[T], len(keys))
	for _, k := range keys {
		entry, err := t.bucket.Get(ctx, k)
		if err != nil {
			if aegiserr.Is(err, aegiserr.KindNotFound) {
				continue
			}
			return nil, err
		}
		var v T
		if err := t.codec.Unmarshal(entry.Value, &v); err != nil {
			return nil, aegiserr.Wrap(aegiserr.KindSerialization, "decoding typed kv value", err)
		}
		out[k] = Record[T]{Value: v, Revision: entry.Revision}
	}
	return out, nil
}

// Watch starts a typed watch stream over key (or, if isPrefix, every key
// under it). It returns the bucket's raw watcher unchanged: events carry
// the encoded bytes in Entry.Value, and callers decode them with the
// codec themselves (or re-Get).
func (t *Typed[T]) Watch(ctx context.Context, keyOrPrefix string, isPrefix bool, fromRevision uint64) (transport.Watcher, error) {
	return t.bucket.Watch(ctx, keyOrPrefix, isPrefix, fromRevision)
}

// Bucket exposes the underlying raw bucket for components (like election's
// watch-driven failover) that need revision/TTL metadata the typed surface
// doesn't carry.
func (t *Typed[T]) Bucket() transport.KVBucket { return t.bucket }
