package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aegis/internal/messaging"
	"github.com/cuemby/aegis/internal/transport/embedded"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

func newMessenger(t *testing.T, active func() bool) (*messaging.Messenger, aegistypes.ServiceName) {
	t.Helper()
	tr := embedded.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })

	svc, err := aegistypes.NewServiceName("orders")
	require.NoError(t, err)
	inst, err := aegistypes.NewInstanceId("i-1")
	require.NoError(t, err)
	m := messaging.New(tr, svc, inst, messaging.SerializationJSON, active, nil, zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	return m, svc
}

func TestRPCRoundTrip(t *testing.T) {
	m, svc := newMessenger(t, nil)
	method, err := aegistypes.NewMethodName("do_work")
	require.NoError(t, err)

	require.NoError(t, m.RegisterRPC(context.Background(), method, false, func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params["x"]}, nil
	}))

	result, err := m.CallRPC(context.Background(), svc, method, map[string]any{"x": float64(42)}, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, float64(42), result.Result.(map[string]any)["echo"])
}

func TestExclusiveRPCRejectedWhenStandby(t *testing.T) {
	m, svc := newMessenger(t, func() bool { return false })
	method, err := aegistypes.NewMethodName("do_work")
	require.NoError(t, err)

	called := false
	require.NoError(t, m.RegisterRPC(context.Background(), method, true, func(ctx context.Context, params map[string]any) (any, error) {
		called = true
		return nil, nil
	}))

	result, err := m.CallRPC(context.Background(), svc, method, nil, time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "NOT_ACTIVE", result.Error)
	assert.Contains(t, result.Message, "STANDBY")
	assert.False(t, called, "handler body must not run when standby")
}

func TestEventWildcardSubscription(t *testing.T) {
	m, _ := newMessenger(t, nil)
	eventType, err := aegistypes.NewEventType("order.created")
	require.NoError(t, err)

	received := make(chan aegistypes.Event, 1)
	require.NoError(t, m.SubscribeEvent(context.Background(), "order.*", func(ctx context.Context, event aegistypes.Event) {
		received <- event
	}))

	require.NoError(t, m.PublishEvent(context.Background(), eventType, map[string]any{"id": "o-1"}))

	select {
	case ev := <-received:
		assert.Equal(t, "order.created", ev.EventType)
		assert.Equal(t, "o-1", ev.Payload["id"])
	case <-time.After(time.Second):
		t.Fatal("event was never delivered")
	}
}

func TestCommandWithProgress(t *testing.T) {
	m, svc := newMessenger(t, nil)
	command, err := aegistypes.NewMethodName("process_batch")
	require.NoError(t, err)

	progressSeen := make(chan int, 8)
	require.NoError(t, m.RegisterCommandHandler(context.Background(), command, func(ctx context.Context, cmd aegistypes.Command, progress messaging.ProgressFunc) (any, error) {
		for _, pct := range []int{0, 25, 50, 75, 100} {
			progress(pct, "running")
			progressSeen <- pct
		}
		return map[string]any{"processed": cmd.Payload["size"]}, nil
	}))

	_, err = m.DispatchCommand(context.Background(), svc, command, "", map[string]any{"size": float64(1000)}, aegistypes.PriorityNormal, 5000, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		select {
		case <-progressSeen:
		case <-time.After(time.Second):
			t.Fatal("did not observe all 5 progress updates")
		}
	}
}

func TestCommandRetryThenDeadLetter(t *testing.T) {
	m, svc := newMessenger(t, nil)
	command, err := aegistypes.NewMethodName("always_fails")
	require.NoError(t, err)

	attempts := make(chan int, 8)
	require.NoError(t, m.RegisterCommandHandler(context.Background(), command, func(ctx context.Context, cmd aegistypes.Command, progress messaging.ProgressFunc) (any, error) {
		attempts <- 1
		return nil, assert.AnError
	}))

	_, err = m.DispatchCommand(context.Background(), svc, command, "", nil, aegistypes.PriorityNormal, 1000, 2)
	require.NoError(t, err)

	count := 0
	timeout := time.After(2 * time.Second)
	for count < 3 {
		select {
		case <-attempts:
			count++
		case <-timeout:
			t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", count)
		}
	}
}
