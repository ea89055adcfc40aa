// Package election implements sticky single-active leader election over
// a TTL-expiring KV leader key, with no consensus protocol involved — the
// CAS/create-only semantics of the KV store abstraction are the entire
// safety mechanism.
package election

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/aegis/internal/kvstore"
	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegismetrics"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

const leaderBucketName = "sticky-active"

// OnElected is invoked when this instance wins leadership. It may wrap a
// synchronous or asynchronous user callback; the coordinator awaits it
// either way before the state is visible as ELECTED, and logs (rather than
// propagates) any error it returns.
type OnElected func(ctx context.Context, metadata map[string]any) error

// OnLeadershipLost is invoked when this instance loses or releases
// leadership, with a human-readable reason.
type OnLeadershipLost func(ctx context.Context, reason string) error

// InstanceStatusUpdater lets the coordinator flip the owning
// ServiceInstance's sticky_active_status without importing
// internal/registry directly (avoiding an import cycle, since the runtime
// wires both against the same instance). Implemented by internal/runtime.
type InstanceStatusUpdater interface {
	SetStickyActiveStatus(ctx context.Context, status aegistypes.StickyActiveStatus) error
}

// Coordinator is one instance's participation in a single (service, group)
// election.
type Coordinator struct {
	service  aegistypes.ServiceName
	group    string
	leaderKey string
	instance aegistypes.InstanceId
	metadata map[string]any

	policy aegistypes.FailoverPolicy
	clock  aegistypes.Clock
	rng    *rand.Rand

	typed    *kvstore.Typed[aegistypes.LeaderValue]
	statuses InstanceStatusUpdater
	metrics  *aegismetrics.Sink
	log      zerolog.Logger

	mu                  sync.Mutex
	state               aegistypes.ElectionState
	leaderRevision      uint64
	onElected           OnElected
	onLost              OnLeadershipLost
	consecutiveFailures int

	renewCancel context.CancelFunc
	renewDone   chan struct{}
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// Config bundles the parameters New needs beyond the transport.
type Config struct {
	Service  aegistypes.ServiceName
	Group    string
	Instance aegistypes.InstanceId
	Metadata map[string]any
	Policy   aegistypes.FailoverPolicy
	Clock    aegistypes.Clock
	Statuses InstanceStatusUpdater
	Metrics  *aegismetrics.Sink
	Log      zerolog.Logger
}

// New opens the sticky-active leader-key bucket on t and returns a
// Coordinator ready to contend for leadership of (cfg.Service, cfg.Group).
func New(ctx context.Context, t transport.Transport, cfg Config) (*Coordinator, error) {
	bucket, err := t.KVBucket(ctx, leaderBucketName, transport.KVBucketOpts{EnableTTL: true})
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = aegistypes.SystemClock{}
	}
	return &Coordinator{
		service:   cfg.Service,
		group:     cfg.Group,
		leaderKey: fmt.Sprintf("sticky-active.%s.%s.leader", cfg.Service.String(), cfg.Group),
		instance:  cfg.Instance,
		metadata:  cfg.Metadata,
		policy:    cfg.Policy,
		clock:     clock,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(cfg.Instance.String())))),
		typed:     kvstore.NewTyped[aegistypes.LeaderValue](bucket, kvstore.JSONCodec{}),
		statuses:  cfg.Statuses,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		state:     aegistypes.IdleElectionState(),
	}, nil
}

// SetOnElected registers the callback fired on winning leadership.
func (c *Coordinator) SetOnElected(cb OnElected) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onElected = cb
}

// SetOnLeadershipLost registers the callback fired on losing or releasing
// leadership.
func (c *Coordinator) SetOnLeadershipLost(cb OnLeadershipLost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = cb
}

// State returns a snapshot of the current election state.
func (c *Coordinator) State() aegistypes.ElectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsElected reports whether this instance currently holds leadership.
func (c *Coordinator) IsElected() bool { return c.State().IsElected() }

// LeaderKey returns the KV key this coordinator contends over.
func (c *Coordinator) LeaderKey() string { return c.leaderKey }

// AttemptLeadership runs the election algorithm: if we already hold the
// key, extend it; if someone else holds it, return false; if it is
// vacant, race to create it.
func (c *Coordinator) AttemptLeadership(ctx context.Context) (bool, error) {
	c.transition(aegistypes.ElectionState{State: aegistypes.ElectionCampaigning, InstanceID: c.instance.String()})

	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.MaxElectionTime)
	defer cancel()
	won, err := c.attemptOnce(attemptCtx)
	if err == nil && !won && attemptCtx.Err() != nil {
		err = aegiserr.New(aegiserr.KindTimeout, "election attempt exceeded max_election_time")
	}
	if err != nil {
		c.transition(aegistypes.ElectionState{State: aegistypes.ElectionFailed, LastError: err.Error()})
		c.scheduleFailedRetry(ctx)
		return false, err
	}
	if won {
		c.onWon(ctx)
		return true, nil
	}
	if c.metrics != nil {
		c.metrics.ElectionsLost.Inc()
	}
	c.transition(aegistypes.ElectionState{State: aegistypes.ElectionFailed})
	c.scheduleFailedRetry(ctx)
	return false, nil
}

// scheduleFailedRetry returns a losing campaign from FAILED to IDLE after
// election_delay, the state machine's FAILED -> (retry after
// election_delay) -> IDLE edge. Without it, a standby that loses its
// initial campaign would stay FAILED forever and WatchLeaderKey's
// IsIdle() guard would never let it contend again when the leader dies.
// A no-op if the state has already moved on (e.g. a concurrent win).
func (c *Coordinator) scheduleFailedRetry(ctx context.Context) {
	delay := c.policy.ElectionDelay
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		c.mu.Lock()
		if c.state.State == aegistypes.ElectionFailed {
			c.state = aegistypes.IdleElectionState()
		}
		c.mu.Unlock()
	}()
}

func (c *Coordinator) attemptOnce(ctx context.Context) (bool, error) {
	current, revision, err := c.typed.Get(ctx, c.leaderKey)
	switch {
	case aegiserr.Is(err, aegiserr.KindNotFound):
		newValue := aegistypes.LeaderValue{InstanceID: c.instance.String(), Metadata: c.metadata, AcquiredAt: c.clock.Now()}
		_, err := c.typed.PutCreateOnly(ctx, c.leaderKey, newValue, transport.PutOpts{TTL: c.policy.LeaderTTL})
		if err == nil {
			return true, nil
		}
		if aegiserr.Is(err, aegiserr.KindAlreadyExists) {
			return false, nil
		}
		return false, err
	case err != nil:
		return false, err
	case current.InstanceID == c.instance.String():
		updated := current
		updated.AcquiredAt = c.clock.Now()
		newRevision, err := c.typed.PutCAS(ctx, c.leaderKey, updated, revision, transport.PutOpts{TTL: c.policy.LeaderTTL})
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.leaderRevision = newRevision
		c.mu.Unlock()
		return true, nil
	default:
		return false, nil
	}
}

func (c *Coordinator) onWon(ctx context.Context) {
	if _, revision, err := c.typed.Get(ctx, c.leaderKey); err == nil {
		c.mu.Lock()
		c.leaderRevision = revision
		c.mu.Unlock()
	}
	if c.metrics != nil {
		c.metrics.ElectionsWon.Inc()
		c.metrics.LeadershipTransitions.Inc()
		c.metrics.IsActive.Set(1)
	}
	if c.statuses != nil {
		_ = c.statuses.SetStickyActiveStatus(ctx, aegistypes.StickyActive)
	}
	c.runCallback(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		cb := c.onElected
		c.mu.Unlock()
		if cb == nil {
			return nil
		}
		return cb(ctx, c.metadata)
	})
	c.transition(aegistypes.ElectionState{State: aegistypes.ElectionElected, InstanceID: c.instance.String()})
	c.startRenewLoop(ctx)
}

// Release performs a CAS-delete of the leader key only if it still names
// us, then fires the lost-leadership callback.
func (c *Coordinator) Release(ctx context.Context, reason string) error {
	c.stopRenewLoop()

	current, revision, err := c.typed.Get(ctx, c.leaderKey)
	if err == nil && current.InstanceID == c.instance.String() {
		err = c.typed.DeleteCAS(ctx, c.leaderKey, revision)
	}
	if err != nil && !aegiserr.Is(err, aegiserr.KindRevisionMismatch) && !aegiserr.Is(err, aegiserr.KindNotFound) {
		return err
	}
	c.onLostLeadership(ctx, reason)
	return nil
}

func (c *Coordinator) onLostLeadership(ctx context.Context, reason string) {
	c.transition(aegistypes.ElectionState{State: aegistypes.ElectionIdle})
	if c.metrics != nil {
		c.metrics.LeadershipTransitions.Inc()
		c.metrics.IsActive.Set(0)
	}
	if c.statuses != nil {
		_ = c.statuses.SetStickyActiveStatus(ctx, aegistypes.StickyStandby)
	}
	c.runCallback(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		cb := c.onLost
		c.mu.Unlock()
		if cb == nil {
			return nil
		}
		return cb(ctx, reason)
	})
}

// runCallback invokes fn and logs (never propagates) any error it returns,
// matching the original SDK's sync/async callback error-swallowing.
func (c *Coordinator) runCallback(ctx context.Context, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		c.log.Error().Err(err).Str("service", c.service.String()).Str("group", c.group).
			Msg("election callback returned an error")
	}
}

func (c *Coordinator) transition(next aegistypes.ElectionState) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
}

// CheckLeadership reports whether this instance currently holds the leader
// key, per original_source's check_leadership: a read-only check distinct
// from AttemptLeadership, which never mutates the key. Transport errors
// are logged and treated as "not leader" rather than propagated, matching
// the original SDK's defensive behavior for a status check.
func (c *Coordinator) CheckLeadership(ctx context.Context) bool {
	current, _, err := c.typed.Get(ctx, c.leaderKey)
	if err != nil {
		if !aegiserr.Is(err, aegiserr.KindNotFound) {
			c.log.Warn().Err(err).Msg("check_leadership: kv read failed")
		}
		return false
	}
	return current.InstanceID == c.instance.String()
}

// TriggerElection starts an election only if (service, group) matches this
// coordinator's own scope, matching the original SDK's guard against
// broadcast triggers meant for other coordinators sharing a process.
func (c *Coordinator) TriggerElection(ctx context.Context, service aegistypes.ServiceName, group string) {
	if service.String() != c.service.String() || group != c.group {
		c.log.Warn().Str("requested_service", service.String()).Str("requested_group", group).
			Msg("trigger_election: ignoring election request for a different service/group")
		return
	}
	go func() { _, _ = c.AttemptLeadership(ctx) }()
}

func (c *Coordinator) startRenewLoop(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.mu.Lock()
	c.renewCancel = cancel
	c.renewDone = done
	c.consecutiveFailures = 0
	c.mu.Unlock()

	go func() {
		defer close(done)
		interval := c.policy.HeartbeatInterval
		if interval <= 0 {
			interval = c.policy.LeaderTTL / 3
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.renew(ctx) {
					return
				}
			}
		}
	}()
}

func (c *Coordinator) stopRenewLoop() {
	c.mu.Lock()
	cancel := c.renewCancel
	done := c.renewDone
	c.renewCancel = nil
	c.renewDone = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// renew performs one leader-key renewal. It returns false once leadership
// has definitively been lost, signalling
// the renew loop to stop. No retry is scheduled here: a fresh election
// attempt comes from WatchLeaderKey once the key is deleted or expires.
func (c *Coordinator) renew(ctx context.Context) bool {
	c.mu.Lock()
	revision := c.leaderRevision
	c.mu.Unlock()

	newValue := aegistypes.LeaderValue{InstanceID: c.instance.String(), Metadata: c.metadata, AcquiredAt: c.clock.Now()}
	newRevision, err := c.typed.PutCAS(ctx, c.leaderKey, newValue, revision, transport.PutOpts{TTL: c.policy.LeaderTTL})
	if err == nil {
		c.mu.Lock()
		c.leaderRevision = newRevision
		c.consecutiveFailures = 0
		c.mu.Unlock()
		return true
	}

	if aegiserr.Is(err, aegiserr.KindRevisionMismatch) || aegiserr.Is(err, aegiserr.KindNotFound) {
		if c.metrics != nil {
			c.metrics.LeadershipRenewFailures.Inc()
		}
		c.onLostLeadership(ctx, "leader key renewal lost the race or the key expired")
		return false
	}

	c.mu.Lock()
	c.consecutiveFailures++
	exceeded := c.consecutiveFailures >= c.policy.MaxFailures
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.LeadershipRenewFailures.Inc()
	}
	if exceeded {
		c.onLostLeadership(ctx, fmt.Sprintf("leader key renewal failed %d consecutive times: %v", c.policy.MaxFailures, err))
		return false
	}
	c.log.Warn().Err(err).Msg("leader key renewal failed, retrying")
	return true
}

// WatchLeaderKey runs until ctx is cancelled, waiting on the leader key's
// delete/expired events and, while IDLE, contending for leadership after a
// randomized election_delay jitter — watch-driven failover.
func (c *Coordinator) WatchLeaderKey(ctx context.Context) error {
	watcher, err := c.typed.Watch(ctx, c.leaderKey, false, 0)
	if err != nil {
		return err
	}
	defer watcher.Close()

	for {
		ev, ok := watcher.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if ev.Op != transport.OpDelete && ev.Op != transport.OpExpired {
			continue
		}
		if !c.State().IsIdle() {
			continue
		}
		jitter := time.Duration(c.rng.Int63n(int64(c.policy.ElectionDelay) + 1))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.State().IsIdle() {
			_, _ = c.AttemptLeadership(ctx)
		}
	}
}
