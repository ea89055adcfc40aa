package testkit_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aegis/internal/election"
	"github.com/cuemby/aegis/internal/messaging"
	"github.com/cuemby/aegis/internal/registry"
	"github.com/cuemby/aegis/internal/testkit"
	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/internal/transport/embedded"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

// newTransport returns a connected embedded transport cleaned up at test end.
func newTransport(t *testing.T) *embedded.Transport {
	t.Helper()
	tr := embedded.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func mustSvc(t *testing.T, v string) aegistypes.ServiceName {
	t.Helper()
	s, err := aegistypes.NewServiceName(v)
	require.NoError(t, err)
	return s
}

func mustInst(t *testing.T, v string) aegistypes.InstanceId {
	t.Helper()
	i, err := aegistypes.NewInstanceId(v)
	require.NoError(t, err)
	return i
}

func newCoordinator(t *testing.T, tr transport.Transport, svc aegistypes.ServiceName, group string, instID string, policy aegistypes.FailoverPolicy) *election.Coordinator {
	t.Helper()
	coord, err := election.New(context.Background(), tr, election.Config{
		Service: svc, Group: group, Instance: mustInst(t, instID),
		Policy: policy, Clock: aegistypes.SystemClock{}, Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	return coord
}

// S1: two contenders race for the same leader key; exactly one wins and
// the loser observes ElectionFailed rather than an error.
func TestScenarioTwoContendersOneWins(t *testing.T) {
	tr := newTransport(t)
	svc := mustSvc(t, "orders")
	policy := aegistypes.Aggressive()

	a := newCoordinator(t, tr, svc, "g1", "i-a", policy)
	b := newCoordinator(t, tr, svc, "g1", "i-b", policy)

	wonA, err := a.AttemptLeadership(context.Background())
	require.NoError(t, err)
	wonB, err := b.AttemptLeadership(context.Background())
	require.NoError(t, err)

	assert.True(t, wonA != wonB, "exactly one contender should win")
	if wonA {
		assert.Equal(t, aegistypes.ElectionElected, a.State().State)
		assert.Equal(t, aegistypes.ElectionFailed, b.State().State)
	} else {
		assert.Equal(t, aegistypes.ElectionElected, b.State().State)
		assert.Equal(t, aegistypes.ElectionFailed, a.State().State)
	}
}

// S2: when the leader's key expires (simulated by Release, the
// observable effect of a crashed leader's TTL lapsing), a standby watching
// the key picks up leadership within the policy's failover window.
func TestScenarioFailoverOnLeaderRelease(t *testing.T) {
	tr := newTransport(t)
	svc := mustSvc(t, "orders")
	policy := aegistypes.Aggressive()

	leader := newCoordinator(t, tr, svc, "g1", "i-leader", policy)
	standby := newCoordinator(t, tr, svc, "g1", "i-standby", policy)

	won, err := leader.AttemptLeadership(context.Background())
	require.NoError(t, err)
	require.True(t, won)

	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = standby.WatchLeaderKey(watchCtx) }()

	require.NoError(t, leader.Release(context.Background(), "simulated crash"))

	w := testkit.DefaultWaiter()
	err = w.WaitFor(context.Background(), standby.IsElected, "standby to take over leadership")
	require.NoError(t, err)
}

// S3: an exclusive RPC handler rejects calls while its owning instance is
// standby, and serves them once it becomes active.
func TestScenarioExclusiveRPCRejectedOnStandby(t *testing.T) {
	tr := newTransport(t)
	svc := mustSvc(t, "orders")

	active := atomic.Bool{}
	server := messaging.New(tr, svc, mustInst(t, "server"), messaging.SerializationJSON, active.Load, nil, zerolog.Nop())
	defer server.Close()

	method, err := aegistypes.NewMethodName("do_work")
	require.NoError(t, err)
	require.NoError(t, server.RegisterRPC(context.Background(), method, true, func(ctx context.Context, params map[string]any) (any, error) {
		return "ok", nil
	}))

	caller := messaging.New(tr, svc, mustInst(t, "caller"), messaging.SerializationJSON, nil, nil, zerolog.Nop())
	defer caller.Close()

	result, err := caller.CallRPC(context.Background(), svc, method, nil, time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	active.Store(true)
	result, err = caller.CallRPC(context.Background(), svc, method, nil, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

// S4: a durable command handler reports progress and eventually completes.
func TestScenarioCommandWithProgress(t *testing.T) {
	tr := newTransport(t)
	svc := mustSvc(t, "orders")

	m := messaging.New(tr, svc, mustInst(t, "worker"), messaging.SerializationJSON, nil, nil, zerolog.Nop())
	defer m.Close()

	command, err := aegistypes.NewMethodName("process_order")
	require.NoError(t, err)

	var progressSeen atomic.Int32
	require.NoError(t, m.RegisterCommandHandler(context.Background(), command, func(ctx context.Context, cmd aegistypes.Command, progress messaging.ProgressFunc) (any, error) {
		progress(50, "halfway")
		progressSeen.Add(1)
		return "done", nil
	}))

	var completed atomic.Bool
	resultSub, err := tr.Subscribe(context.Background(), transport.CommandResultSubject("*"), "", func(ctx context.Context, msg transport.Msg) {
		var res aegistypes.CommandResult
		if json.Unmarshal(msg.Data, &res) == nil && res.Status == aegistypes.CommandStatusCompleted {
			completed.Store(true)
		}
	})
	require.NoError(t, err)
	defer resultSub.Unsubscribe()

	_, err = m.DispatchCommand(context.Background(), svc, command, "", map[string]any{"order_id": "o-1"}, aegistypes.PriorityNormal, 2000, 2)
	require.NoError(t, err)

	w := testkit.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool { return progressSeen.Load() == 1 && completed.Load() }, "command handler to report progress and complete"))
}

// S5: two CAS writers race to update the same registry instance; exactly
// one wins and the loser observes a revision mismatch it can retry past.
func TestScenarioKVCASRace(t *testing.T) {
	tr := newTransport(t)
	reg, err := registry.New(context.Background(), tr, aegistypes.SystemClock{}, 30*time.Second)
	require.NoError(t, err)

	svc, inst := mustSvc(t, "orders"), mustInst(t, "i-1")
	require.NoError(t, reg.Register(context.Background(), aegistypes.ServiceInstance{
		ServiceName: svc, InstanceID: inst, Status: aegistypes.StatusActive,
	}))

	snapshot, revision, err := reg.GetInstance(context.Background(), svc, inst)
	require.NoError(t, err)

	snapshot.Version = "1.0.1"
	_, err = reg.UpdateInstance(context.Background(), snapshot, revision)
	require.NoError(t, err)

	snapshot.Version = "1.0.2"
	_, err = reg.UpdateInstance(context.Background(), snapshot, revision)
	require.Error(t, err)
	assert.True(t, aegiserr.Is(err, aegiserr.KindRevisionMismatch))
}

// S6: an event published on a concrete subject reaches a wildcard
// subscriber.
func TestScenarioEventWildcardFanout(t *testing.T) {
	tr := newTransport(t)
	svc := mustSvc(t, "orders")

	publisher := messaging.New(tr, svc, mustInst(t, "publisher"), messaging.SerializationJSON, nil, nil, zerolog.Nop())
	defer publisher.Close()
	subscriber := messaging.New(tr, svc, mustInst(t, "subscriber"), messaging.SerializationJSON, nil, nil, zerolog.Nop())
	defer subscriber.Close()

	received := make(chan aegistypes.Event, 1)
	require.NoError(t, subscriber.SubscribeEvent(context.Background(), "orders.*", func(ctx context.Context, ev aegistypes.Event) {
		received <- ev
	}))

	eventType, err := aegistypes.NewEventType("orders.created")
	require.NoError(t, err)
	require.NoError(t, publisher.PublishEvent(context.Background(), eventType, map[string]any{"order_id": "o-1"}))

	select {
	case ev := <-received:
		assert.Equal(t, "orders.created", ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wildcard event delivery")
	}
}
