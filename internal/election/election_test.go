package election_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aegis/internal/election"
	"github.com/cuemby/aegis/internal/transport/embedded"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

func newTransport(t *testing.T) *embedded.Transport {
	t.Helper()
	tr := embedded.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func newCoordinator(t *testing.T, tr *embedded.Transport, instanceID string, policy aegistypes.FailoverPolicy) *election.Coordinator {
	t.Helper()
	svc, err := aegistypes.NewServiceName("orders")
	require.NoError(t, err)
	inst, err := aegistypes.NewInstanceId(instanceID)
	require.NoError(t, err)
	coord, err := election.New(context.Background(), tr, election.Config{
		Service: svc, Group: "g1", Instance: inst, Policy: policy, Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	return coord
}

func TestAttemptLeadershipTwoContendersOneWins(t *testing.T) {
	tr := newTransport(t)
	c1 := newCoordinator(t, tr, "i-1", aegistypes.Aggressive())
	c2 := newCoordinator(t, tr, "i-2", aegistypes.Aggressive())

	type result struct {
		won bool
		err error
	}
	results := make(chan result, 2)
	go func() { w, e := c1.AttemptLeadership(context.Background()); results <- result{w, e} }()
	go func() { w, e := c2.AttemptLeadership(context.Background()); results <- result{w, e} }()

	r1 := <-results
	r2 := <-results
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.True(t, r1.won != r2.won, "exactly one contender must win")

	elected := c1
	if c2.IsElected() {
		elected = c2
	}
	assert.True(t, elected.IsElected())
}

func TestAttemptLeadershipAlreadyLeaderExtends(t *testing.T) {
	tr := newTransport(t)
	c := newCoordinator(t, tr, "i-1", aegistypes.Aggressive())

	won, err := c.AttemptLeadership(context.Background())
	require.NoError(t, err)
	require.True(t, won)

	won, err = c.AttemptLeadership(context.Background())
	require.NoError(t, err)
	assert.True(t, won)
	assert.True(t, c.IsElected())
}

func TestCheckLeadershipReflectsOwnership(t *testing.T) {
	tr := newTransport(t)
	c1 := newCoordinator(t, tr, "i-1", aegistypes.Aggressive())
	c2 := newCoordinator(t, tr, "i-2", aegistypes.Aggressive())

	won, err := c1.AttemptLeadership(context.Background())
	require.NoError(t, err)
	require.True(t, won)

	assert.True(t, c1.CheckLeadership(context.Background()))
	assert.False(t, c2.CheckLeadership(context.Background()))
}

func TestReleaseLeadershipFiresCallback(t *testing.T) {
	tr := newTransport(t)
	c := newCoordinator(t, tr, "i-1", aegistypes.Aggressive())

	var lostReason atomic.Value
	c.SetOnLeadershipLost(func(ctx context.Context, reason string) error {
		lostReason.Store(reason)
		return nil
	})

	won, err := c.AttemptLeadership(context.Background())
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, c.Release(context.Background(), "graceful shutdown"))
	assert.True(t, c.State().IsIdle())
	assert.NotNil(t, lostReason.Load())
}

func TestFailoverOnLeaderExpiry(t *testing.T) {
	policy := aegistypes.Aggressive()
	policy.LeaderTTL = 20 * time.Millisecond
	policy.HeartbeatInterval = time.Hour // i-1 never renews within this test

	tr := newTransport(t)
	c1 := newCoordinator(t, tr, "i-1", policy)
	c2 := newCoordinator(t, tr, "i-2", policy)

	won, err := c1.AttemptLeadership(context.Background())
	require.NoError(t, err)
	require.True(t, won)
	// i-1 goes silent without releasing, standing in for an ungraceful
	// process kill: once its key's TTL lapses, c2 must win the vacated key.
	time.Sleep(3 * policy.LeaderTTL)
	tr.Sweep()

	won, err = c2.AttemptLeadership(context.Background())
	require.NoError(t, err)
	assert.True(t, won)
}

func TestOnElectedCallbackErrorIsSwallowed(t *testing.T) {
	tr := newTransport(t)
	c := newCoordinator(t, tr, "i-1", aegistypes.Aggressive())

	called := make(chan struct{}, 1)
	c.SetOnElected(func(ctx context.Context, metadata map[string]any) error {
		called <- struct{}{}
		return assert.AnError
	})

	won, err := c.AttemptLeadership(context.Background())
	require.NoError(t, err)
	require.True(t, won)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("on_elected callback was never invoked")
	}
	assert.True(t, c.IsElected(), "a callback error must not unwind the election")
}
