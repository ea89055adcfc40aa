// Package runtime composes the transport, KV store, registry, election
// coordinator, and messaging patterns into one running service with a
// start/stop lifecycle, periodic heartbeats, and exclusive-RPC gating.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/aegis/internal/election"
	"github.com/cuemby/aegis/internal/messaging"
	"github.com/cuemby/aegis/internal/registry"
	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegisconfig"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegislog"
	"github.com/cuemby/aegis/pkg/aegismetrics"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

const maxConsecutiveHeartbeatFailures = 3

// Options configures a Runtime at construction time.
type Options struct {
	Transport transport.Transport
	Config    *aegisconfig.Config
	Clock     aegistypes.Clock

	// SingleActive opts this instance into sticky leader election within
	// Group. When false, IsActive always reports true and no Election
	// Coordinator is created.
	SingleActive bool
	Group        string
	Version      string
	Metadata     map[string]any
}

type pendingRPC struct {
	method    aegistypes.MethodName
	exclusive bool
	handler   messaging.RPCHandler
}

type pendingEvent struct {
	pattern string
	handler messaging.EventHandler
}

type pendingCommand struct {
	command aegistypes.MethodName
	handler messaging.CommandHandler
}

// Runtime is one running instance of a service, composing C1-C6.
type Runtime struct {
	opts      Options
	transport transport.Transport
	clock     aegistypes.Clock

	service  aegistypes.ServiceName
	instance aegistypes.InstanceId

	registry  *registry.Registry
	election  *election.Coordinator
	messenger *messaging.Messenger
	metrics   *aegismetrics.Sink
	log       zerolog.Logger

	pendingRPCs     []pendingRPC
	pendingEvents   []pendingEvent
	pendingCommands []pendingCommand

	mu                      sync.Mutex
	status                  aegistypes.ServiceStatus
	stickyStatus            aegistypes.StickyActiveStatus
	instanceRevision        uint64
	consecutiveHBFailures   int
	started                 bool

	sup        supervisor
	rootCancel context.CancelFunc
}

// New builds a Runtime for service/instance from opts. Start must be
// called before it does anything observable.
func New(service aegistypes.ServiceName, instance aegistypes.InstanceId, opts Options) (*Runtime, error) {
	if opts.Transport == nil {
		return nil, aegiserr.New(aegiserr.KindConfig, "runtime requires a non-nil Transport")
	}
	if opts.Config == nil {
		return nil, aegiserr.New(aegiserr.KindConfig, "runtime requires a non-nil Config")
	}
	clock := opts.Clock
	if clock == nil {
		clock = aegistypes.SystemClock{}
	}
	return &Runtime{
		opts: opts, transport: opts.Transport, clock: clock,
		service: service, instance: instance,
		status:       aegistypes.StatusStandby,
		stickyStatus: aegistypes.StickyStandby,
		log:          aegislog.WithInstance(service.String(), instance.String()),
		metrics:      aegismetrics.NewSink("aegis"),
	}, nil
}

// RegisterRPC queues an RPC handler for method, applied when Start runs.
// Calling this after Start is a programmer error: handler registries are
// immutable once the runtime is running.
func (r *Runtime) RegisterRPC(method aegistypes.MethodName, exclusive bool, handler messaging.RPCHandler) {
	r.pendingRPCs = append(r.pendingRPCs, pendingRPC{method, exclusive, handler})
}

// RegisterEvent queues an event subscription for pattern (e.g.
// "orders.*"), applied when Start runs.
func (r *Runtime) RegisterEvent(pattern string, handler messaging.EventHandler) {
	r.pendingEvents = append(r.pendingEvents, pendingEvent{pattern, handler})
}

// RegisterCommand queues a durable command handler, applied when Start
// runs.
func (r *Runtime) RegisterCommand(command aegistypes.MethodName, handler messaging.CommandHandler) {
	r.pendingCommands = append(r.pendingCommands, pendingCommand{command, handler})
}

// IsActive reports whether this instance currently serves exclusive
// operations: for a single-active service, true only while this instance
// holds group leadership; for every other service, always true.
func (r *Runtime) IsActive() bool {
	if r.election == nil {
		return true
	}
	return r.election.IsElected()
}

// SetStickyActiveStatus implements election.InstanceStatusUpdater: it
// updates the owning registry entry's sticky_active_status, retrying on
// RevisionMismatch like Registry.Heartbeat does.
func (r *Runtime) SetStickyActiveStatus(ctx context.Context, status aegistypes.StickyActiveStatus) error {
	r.mu.Lock()
	r.stickyStatus = status
	r.mu.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		instance, revision, err := r.registry.GetInstance(ctx, r.service, r.instance)
		if err != nil {
			return err
		}
		instance.StickyActiveStatus = &status
		group := r.opts.Group
		instance.StickyActiveGroup = &group
		newRevision, err := r.registry.UpdateInstance(ctx, instance, revision)
		if err == nil {
			r.mu.Lock()
			r.instanceRevision = newRevision
			r.mu.Unlock()
			return nil
		}
		if !aegiserr.Is(err, aegiserr.KindRevisionMismatch) {
			return err
		}
	}
	return aegiserr.ErrRevisionMismatch
}

// Start connects the transport, opens the KV bucket, registers this
// instance, wires handler registrations, starts election (if configured),
// and begins the periodic heartbeat task.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.transport.IsConnected() {
		if err := r.transport.Connect(ctx); err != nil {
			return err
		}
	}

	ttl := time.Duration(r.opts.Config.RegistryTTLSeconds) * time.Second
	reg, err := registry.New(ctx, r.transport, r.clock, ttl)
	if err != nil {
		return err
	}
	r.registry = reg

	instance := aegistypes.ServiceInstance{
		ServiceName: r.service, InstanceID: r.instance, Version: r.opts.Version,
		Status: aegistypes.StatusStandby, Metadata: r.opts.Metadata,
	}
	if r.opts.SingleActive {
		status := aegistypes.StickyStandby
		group := r.opts.Group
		instance.StickyActiveStatus = &status
		instance.StickyActiveGroup = &group
	}
	if err := r.registry.Register(ctx, instance); err != nil {
		return err
	}
	r.mu.Lock()
	r.status = aegistypes.StatusStandby
	r.mu.Unlock()

	serialization := messaging.SerializationMsgpack
	if r.opts.Config.Serialization == "json" {
		serialization = messaging.SerializationJSON
	}
	r.messenger = messaging.New(r.transport, r.service, r.instance, serialization, r.IsActive, r.metrics, r.log)
	if err := r.applyPendingRegistrations(ctx); err != nil {
		return err
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	r.rootCancel = cancel

	if r.opts.SingleActive {
		policy := aegistypes.PolicyForMode(r.opts.Config.FailoverMode)
		if r.opts.Config.LeaderTTLSeconds > 0 {
			policy.LeaderTTL = time.Duration(r.opts.Config.LeaderTTLSeconds) * time.Second
			policy.HeartbeatInterval = policy.LeaderTTL / 3
		}
		if r.opts.Config.LeaderHeartbeatIntervalSecs > 0 {
			policy.HeartbeatInterval = time.Duration(r.opts.Config.LeaderHeartbeatIntervalSecs) * time.Second
		}
		if r.opts.Config.ElectionDelaySeconds > 0 {
			policy.ElectionDelay = time.Duration(r.opts.Config.ElectionDelaySeconds) * time.Second
		}
		coord, err := election.New(ctx, r.transport, election.Config{
			Service: r.service, Group: r.opts.Group, Instance: r.instance, Metadata: r.opts.Metadata,
			Policy: policy, Clock: r.clock, Statuses: r, Metrics: r.metrics, Log: r.log,
		})
		if err != nil {
			return err
		}
		r.election = coord
		r.sup.start(rootCtx, "election_watch", coord.WatchLeaderKey, r.log, r.metrics)
		go func() { _, _ = coord.AttemptLeadership(rootCtx) }()
	}

	r.sup.start(rootCtx, "heartbeat", r.heartbeatLoop, r.log, r.metrics)

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) applyPendingRegistrations(ctx context.Context) error {
	for _, p := range r.pendingRPCs {
		if err := r.messenger.RegisterRPC(ctx, p.method, p.exclusive, p.handler); err != nil {
			return err
		}
	}
	for _, p := range r.pendingEvents {
		if err := r.messenger.SubscribeEvent(ctx, p.pattern, p.handler); err != nil {
			return err
		}
	}
	for _, p := range r.pendingCommands {
		if err := r.messenger.RegisterCommandHandler(ctx, p.command, p.handler); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	interval := time.Duration(r.opts.Config.HeartbeatIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.doHeartbeat(ctx)
		}
	}
}

func (r *Runtime) doHeartbeat(ctx context.Context) {
	err := r.registry.Heartbeat(ctx, r.service, r.instance)
	if err == nil {
		if r.metrics != nil {
			r.metrics.HeartbeatsSent.Inc()
		}
		r.mu.Lock()
		r.consecutiveHBFailures = 0
		r.mu.Unlock()
		return
	}

	if r.metrics != nil {
		r.metrics.HeartbeatsFailed.Inc()
	}
	r.mu.Lock()
	r.consecutiveHBFailures++
	exhausted := r.consecutiveHBFailures >= maxConsecutiveHeartbeatFailures
	r.mu.Unlock()
	r.log.Warn().Err(err).Msg("heartbeat failed")

	if !exhausted {
		return
	}

	r.log.Error().Msg("heartbeat failed 3 consecutive times, marking instance unhealthy and attempting re-registration")
	r.mu.Lock()
	r.status = aegistypes.StatusUnhealthy
	r.mu.Unlock()

	if r.election != nil {
		_ = r.election.Release(ctx, "heartbeat failures exceeded threshold")
	}

	instance := aegistypes.ServiceInstance{
		ServiceName: r.service, InstanceID: r.instance, Version: r.opts.Version,
		Status: aegistypes.StatusStandby, Metadata: r.opts.Metadata,
	}
	if reErr := r.registry.Register(ctx, instance); reErr == nil {
		r.mu.Lock()
		r.status = aegistypes.StatusStandby
		r.consecutiveHBFailures = 0
		r.mu.Unlock()
	} else if !aegiserr.Is(reErr, aegiserr.KindAlreadyExists) {
		r.log.Error().Err(reErr).Msg("re-registration after heartbeat failure also failed")
	}
}

// Stop cancels the heartbeat/election-watch tasks, releases leadership if
// held, deregisters, drains messaging handlers (bounded by
// drain_timeout_seconds), and disconnects the transport.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}

	if r.rootCancel != nil {
		r.rootCancel()
	}
	r.sup.stopAll()

	if r.election != nil {
		_ = r.election.Release(ctx, "graceful shutdown")
	}

	drainCtx, cancel := context.WithTimeout(ctx, time.Duration(r.opts.Config.DrainTimeoutSeconds)*time.Second)
	defer cancel()

	_ = r.registry.Deregister(drainCtx, r.service, r.instance)

	if r.messenger != nil {
		drained := make(chan struct{})
		go func() { _ = r.messenger.Close(); close(drained) }()
		select {
		case <-drained:
		case <-drainCtx.Done():
			r.log.Warn().Msg("drain timeout elapsed with messaging handlers still in flight, abandoning them")
		}
	}

	r.mu.Lock()
	r.started = false
	r.status = aegistypes.StatusShutdown
	r.mu.Unlock()

	return r.transport.Disconnect(ctx)
}

// Status returns the current lifecycle status of this instance.
func (r *Runtime) Status() aegistypes.ServiceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
