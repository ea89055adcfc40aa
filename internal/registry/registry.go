// Package registry maintains the authoritative set of live ServiceInstance
// records: registration, heartbeat, discovery, and TTL-based liveness,
// keyed by (service_name, instance_id) over internal/kvstore.Typed.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/aegis/internal/kvstore"
	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

const bucketName = "service_registry"

// maxHeartbeatRetries is the number of RevisionMismatch retries attempted
// before a heartbeat failure is surfaced to the caller.
const maxHeartbeatRetries = 3

// WatchEventKind is the kind of change a registry Watch stream reports.
type WatchEventKind string

const (
	InstanceAdded   WatchEventKind = "added"
	InstanceUpdated WatchEventKind = "updated"
	InstanceRemoved WatchEventKind = "removed"
)

// WatchEvent is one registry change notification.
type WatchEvent struct {
	Kind     WatchEventKind
	Instance aegistypes.ServiceInstance
}

// Registry is the Service Registry component (C3).
type Registry struct {
	clock aegistypes.Clock
	typed *kvstore.Typed[aegistypes.ServiceInstance]
	ttl   time.Duration
}

// New opens the registry bucket on transport t with the given registry
// entry TTL. Safe to call once per ServiceRuntime.
func New(ctx context.Context, t transport.Transport, clock aegistypes.Clock, ttl time.Duration) (*Registry, error) {
	bucket, err := t.KVBucket(ctx, bucketName, transport.KVBucketOpts{EnableTTL: true})
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = aegistypes.SystemClock{}
	}
	return &Registry{
		clock: clock,
		typed: kvstore.NewTyped[aegistypes.ServiceInstance](bucket, kvstore.JSONCodec{}),
		ttl:   ttl,
	}, nil
}

func instanceKey(service aegistypes.ServiceName, instance aegistypes.InstanceId) string {
	return fmt.Sprintf("service-instances.%s.%s", service.String(), instance.String())
}

// Register writes instance with create_only=true and the registry TTL.
// Fails with aegiserr.KindAlreadyExists if the instance id collides with a
// still-live entry.
func (r *Registry) Register(ctx context.Context, instance aegistypes.ServiceInstance) error {
	instance.RegisteredAt = r.clock.Now()
	instance.LastHeartbeat = instance.RegisteredAt
	key := instanceKey(instance.ServiceName, instance.InstanceID)
	_, err := r.typed.PutCreateOnly(ctx, key, instance, transport.PutOpts{TTL: r.ttl})
	return err
}

// UpdateInstance performs a CAS update against the last-seen revision,
// refreshing the TTL.
func (r *Registry) UpdateInstance(ctx context.Context, instance aegistypes.ServiceInstance, expectedRevision uint64) (uint64, error) {
	key := instanceKey(instance.ServiceName, instance.InstanceID)
	return r.typed.PutCAS(ctx, key, instance, expectedRevision, transport.PutOpts{TTL: r.ttl})
}

// Heartbeat refreshes last_heartbeat=now and the TTL for (service,
// instance). Retries up to maxHeartbeatRetries times on RevisionMismatch
// before surfacing the error. Fails with aegiserr.KindNotFound if the
// entry has expired — the caller must re-register.
func (r *Registry) Heartbeat(ctx context.Context, service aegistypes.ServiceName, instance aegistypes.InstanceId) error {
	key := instanceKey(service, instance)
	var lastErr error
	for attempt := 0; attempt <= maxHeartbeatRetries; attempt++ {
		current, revision, err := r.typed.Get(ctx, key)
		if err != nil {
			return err
		}
		current.LastHeartbeat = r.clock.Now()
		_, err = r.typed.PutCAS(ctx, key, current, revision, transport.PutOpts{TTL: r.ttl})
		if err == nil {
			return nil
		}
		if !aegiserr.Is(err, aegiserr.KindRevisionMismatch) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// Deregister unconditionally removes (service, instance) from the
// registry.
func (r *Registry) Deregister(ctx context.Context, service aegistypes.ServiceName, instance aegistypes.InstanceId) error {
	err := r.typed.Delete(ctx, instanceKey(service, instance))
	if aegiserr.Is(err, aegiserr.KindNotFound) {
		return nil
	}
	return err
}

// GetInstance returns the current entry for (service, instance), or
// aegiserr.KindNotFound if absent or expired.
func (r *Registry) GetInstance(ctx context.Context, service aegistypes.ServiceName, instance aegistypes.InstanceId) (aegistypes.ServiceInstance, uint64, error) {
	return r.typed.Get(ctx, instanceKey(service, instance))
}

// ListInstances returns every live instance, optionally filtered to a
// single service name. Expired entries are never returned: they are
// dropped client-side by the underlying bucket's TTL check.
func (r *Registry) ListInstances(ctx context.Context, service *aegistypes.ServiceName) ([]aegistypes.ServiceInstance, error) {
	prefix := "service-instances."
	if service != nil {
		prefix += service.String() + "."
	}
	records, err := r.typed.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]aegistypes.ServiceInstance, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Value)
	}
	return out, nil
}

// Watch streams added/updated/removed notifications for a service's
// instances (or every service, if nil). Removal covers both explicit
// deregistration and TTL expiry.
func (r *Registry) Watch(ctx context.Context, service *aegistypes.ServiceName) (*Watch, error) {
	prefix := "service-instances."
	if service != nil {
		prefix += service.String() + "."
	}
	watcher, err := r.typed.Watch(ctx, prefix, true, 0)
	if err != nil {
		return nil, err
	}
	return &Watch{watcher: watcher}, nil
}

// Watch wraps a raw transport.Watcher, decoding registry entries into
// WatchEvent values.
type Watch struct {
	watcher transport.Watcher
}

// Next blocks for the next registry change, or returns ok=false once the
// watch is closed or ctx is done.
func (w *Watch) Next(ctx context.Context) (WatchEvent, bool) {
	for {
		ev, ok := w.watcher.Next(ctx)
		if !ok {
			return WatchEvent{}, false
		}
		parsed, ok := parseInstanceKey(ev.Key)
		if !ok {
			continue
		}
		switch ev.Op {
		case transport.OpDelete, transport.OpExpired:
			return WatchEvent{Kind: InstanceRemoved, Instance: aegistypes.ServiceInstance{
				ServiceName: parsed.service,
				InstanceID:  parsed.instance,
			}}, true
		case transport.OpPut:
			var instance aegistypes.ServiceInstance
			if err := kvstore.JSONCodec{}.Unmarshal(ev.Entry.Value, &instance); err != nil {
				continue
			}
			kind := InstanceUpdated
			if ev.Entry.CreatedAt.Equal(ev.Entry.UpdatedAt) {
				kind = InstanceAdded
			}
			return WatchEvent{Kind: kind, Instance: instance}, true
		}
	}
}

// Close stops the watch.
func (w *Watch) Close() error { return w.watcher.Close() }

type parsedKey struct {
	service  aegistypes.ServiceName
	instance aegistypes.InstanceId
}

func parseInstanceKey(key string) (parsedKey, bool) {
	rest, ok := strings.CutPrefix(key, "service-instances.")
	if !ok {
		return parsedKey{}, false
	}
	idx := strings.LastIndexByte(rest, '.')
	if idx < 0 {
		return parsedKey{}, false
	}
	service, err := aegistypes.NewServiceName(rest[:idx])
	if err != nil {
		return parsedKey{}, false
	}
	instance, err := aegistypes.NewInstanceId(rest[idx+1:])
	if err != nil {
		return parsedKey{}, false
	}
	return parsedKey{service: service, instance: instance}, true
}
