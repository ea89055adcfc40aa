package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aegis/internal/registry"
	"github.com/cuemby/aegis/internal/transport/embedded"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

func newTestTransport(t *testing.T) *embedded.Transport {
	t.Helper()
	tr := embedded.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func mustService(t *testing.T, v string) aegistypes.ServiceName {
	t.Helper()
	s, err := aegistypes.NewServiceName(v)
	require.NoError(t, err)
	return s
}

func mustInstance(t *testing.T, v string) aegistypes.InstanceId {
	t.Helper()
	i, err := aegistypes.NewInstanceId(v)
	require.NoError(t, err)
	return i
}

func TestRegisterAndGetInstance(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	instance := aegistypes.ServiceInstance{
		ServiceName: mustService(t, "orders"),
		InstanceID:  mustInstance(t, "i-1"),
		Version:     "1.0.0",
		Status:      aegistypes.StatusActive,
	}
	require.NoError(t, reg.Register(ctx, instance))

	got, _, err := reg.GetInstance(ctx, instance.ServiceName, instance.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, instance.Version, got.Version)
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestRegisterCollisionFails(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	instance := aegistypes.ServiceInstance{
		ServiceName: mustService(t, "orders"),
		InstanceID:  mustInstance(t, "i-1"),
		Status:      aegistypes.StatusActive,
	}
	require.NoError(t, reg.Register(ctx, instance))

	err = reg.Register(ctx, instance)
	require.Error(t, err)
	assert.True(t, aegiserr.Is(err, aegiserr.KindAlreadyExists))
}

func TestHeartbeatAdvancesLastHeartbeat(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	svc, inst := mustService(t, "orders"), mustInstance(t, "i-1")
	require.NoError(t, reg.Register(ctx, aegistypes.ServiceInstance{
		ServiceName: svc, InstanceID: inst, Status: aegistypes.StatusActive,
	}))
	before, _, err := reg.GetInstance(ctx, svc, inst)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reg.Heartbeat(ctx, svc, inst))

	after, _, err := reg.GetInstance(ctx, svc, inst)
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestHeartbeatOnMissingEntryFails(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	err = reg.Heartbeat(ctx, mustService(t, "orders"), mustInstance(t, "ghost"))
	require.Error(t, err)
	assert.True(t, aegiserr.Is(err, aegiserr.KindNotFound))
}

func TestDeregisterRemovesEntry(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	svc, inst := mustService(t, "orders"), mustInstance(t, "i-1")
	require.NoError(t, reg.Register(ctx, aegistypes.ServiceInstance{
		ServiceName: svc, InstanceID: inst, Status: aegistypes.StatusActive,
	}))
	require.NoError(t, reg.Deregister(ctx, svc, inst))

	_, _, err = reg.GetInstance(ctx, svc, inst)
	require.Error(t, err)
	assert.True(t, aegiserr.Is(err, aegiserr.KindNotFound))

	// Deregistering again is a no-op, not an error.
	assert.NoError(t, reg.Deregister(ctx, svc, inst))
}

func TestListInstancesFiltersByService(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	orders := mustService(t, "orders")
	billing := mustService(t, "billing")
	require.NoError(t, reg.Register(ctx, aegistypes.ServiceInstance{ServiceName: orders, InstanceID: mustInstance(t, "i-1"), Status: aegistypes.StatusActive}))
	require.NoError(t, reg.Register(ctx, aegistypes.ServiceInstance{ServiceName: orders, InstanceID: mustInstance(t, "i-2"), Status: aegistypes.StatusStandby}))
	require.NoError(t, reg.Register(ctx, aegistypes.ServiceInstance{ServiceName: billing, InstanceID: mustInstance(t, "i-1"), Status: aegistypes.StatusActive}))

	only, err := reg.ListInstances(ctx, &orders)
	require.NoError(t, err)
	assert.Len(t, only, 2)

	all, err := reg.ListInstances(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRegistryTTLExpiryRemovesInstance(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 20*time.Millisecond)
	require.NoError(t, err)

	svc, inst := mustService(t, "orders"), mustInstance(t, "i-1")
	require.NoError(t, reg.Register(ctx, aegistypes.ServiceInstance{ServiceName: svc, InstanceID: inst, Status: aegistypes.StatusActive}))

	time.Sleep(40 * time.Millisecond)
	tr.Sweep()

	_, _, err = reg.GetInstance(ctx, svc, inst)
	require.Error(t, err)
	assert.True(t, aegiserr.Is(err, aegiserr.KindNotFound))
}

func TestWatchReportsAddedAndRemoved(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	reg, err := registry.New(ctx, tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	svc := mustService(t, "orders")
	watch, err := reg.Watch(ctx, &svc)
	require.NoError(t, err)
	defer watch.Close()

	inst := mustInstance(t, "i-1")
	require.NoError(t, reg.Register(ctx, aegistypes.ServiceInstance{ServiceName: svc, InstanceID: inst, Status: aegistypes.StatusActive}))

	watchCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, ok := watch.Next(watchCtx)
	require.True(t, ok)
	assert.Equal(t, registry.InstanceAdded, ev.Kind)
	assert.Equal(t, inst, ev.Instance.InstanceID)

	require.NoError(t, reg.Deregister(ctx, svc, inst))
	ev, ok = watch.Next(watchCtx)
	require.True(t, ok)
	assert.Equal(t, registry.InstanceRemoved, ev.Kind)
}
