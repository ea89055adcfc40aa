package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aegis/internal/messaging"
	"github.com/cuemby/aegis/internal/runtime"
	"github.com/cuemby/aegis/internal/transport/embedded"
	"github.com/cuemby/aegis/pkg/aegisconfig"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

func testConfig() *aegisconfig.Config {
	return &aegisconfig.Config{
		BrokerURL: "embedded://test", ServiceName: "orders", InstanceID: "i-1",
		RegistryTTLSeconds: 5, HeartbeatIntervalSecs: 1,
		LeaderTTLSeconds: 1, ElectionDelaySeconds: 1,
		FailoverMode: "aggressive", DrainTimeoutSeconds: 1, Serialization: "json",
	}
}

func newRuntime(t *testing.T, singleActive bool, group string) (*runtime.Runtime, *embedded.Transport, aegistypes.ServiceName, aegistypes.InstanceId) {
	t.Helper()
	tr := embedded.New()
	svc, err := aegistypes.NewServiceName("orders")
	require.NoError(t, err)
	inst, err := aegistypes.NewInstanceId("i-1")
	require.NoError(t, err)
	rt, err := runtime.New(svc, inst, runtime.Options{
		Transport: tr, Config: testConfig(), SingleActive: singleActive, Group: group, Version: "1.0.0",
	})
	require.NoError(t, err)
	return rt, tr, svc, inst
}

func TestStartRegistersAndStopDeregisters(t *testing.T) {
	rt, _, _, _ := newRuntime(t, false, "")
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	assert.Equal(t, aegistypes.StatusStandby, rt.Status())
	require.NoError(t, rt.Stop(ctx))
	assert.Equal(t, aegistypes.StatusShutdown, rt.Status())
}

func TestSingleActiveRuntimeBecomesActive(t *testing.T) {
	rt, _, _, _ := newRuntime(t, true, "g1")
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop(ctx)

	require.Eventually(t, rt.IsActive, time.Second, 10*time.Millisecond)
}

func TestExclusiveRPCThroughRuntime(t *testing.T) {
	rt, tr, svc, _ := newRuntime(t, true, "g1")
	method, err := aegistypes.NewMethodName("do_work")
	require.NoError(t, err)

	called := false
	rt.RegisterRPC(method, true, func(ctx context.Context, params map[string]any) (any, error) {
		called = true
		return "ok", nil
	})

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop(ctx)
	require.Eventually(t, rt.IsActive, time.Second, 10*time.Millisecond)

	caller, err := aegistypes.NewInstanceId("caller")
	require.NoError(t, err)
	m := messaging.New(tr, svc, caller, messaging.SerializationJSON, nil, nil, zerolog.Nop())
	result, err := m.CallRPC(ctx, svc, method, nil, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, called)
}
