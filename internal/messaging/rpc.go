// Package messaging implements three wire patterns over a shared subject
// grammar: RPC caller/handler, event pub/sub with wildcard subscription,
// and durable commands with progress and retries.
package messaging

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
	"github.com/cuemby/aegis/pkg/aegismetrics"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

const defaultRPCTimeout = 5 * time.Second

// RPCHandler handles one inbound RPC call and returns its result.
type RPCHandler func(ctx context.Context, params map[string]any) (any, error)

// RPCResult is what CallRPC returns to a caller: a `{success, result?,
// error?}` envelope.
type RPCResult struct {
	Success bool
	Result  any
	Error   string
	Message string
}

// Messenger implements C6 (RPC/Event/Command messaging) over a Transport
// for one ServiceRuntime instance.
type Messenger struct {
	transport     transport.Transport
	service       aegistypes.ServiceName
	instance      aegistypes.InstanceId
	serialization Serialization
	isActive      func() bool
	metrics       *aegismetrics.Sink
	log           zerolog.Logger

	subs []transport.Subscription
}

// New builds a Messenger. isActive is polled on every exclusive RPC
// dispatch and supplied by internal/runtime, backed by the Election
// Coordinator's current state.
func New(t transport.Transport, service aegistypes.ServiceName, instance aegistypes.InstanceId, serialization Serialization, isActive func() bool, metrics *aegismetrics.Sink, log zerolog.Logger) *Messenger {
	if isActive == nil {
		isActive = func() bool { return true }
	}
	return &Messenger{
		transport: t, service: service, instance: instance,
		serialization: serialization, isActive: isActive, metrics: metrics, log: log,
	}
}

// Close unsubscribes every handler registered through this Messenger.
func (m *Messenger) Close() error {
	var firstErr error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.subs = nil
	return firstErr
}

// CallRPC issues an RPC call to service.method and decodes the reply into
// an RPCResult.
func (m *Messenger) CallRPC(ctx context.Context, service aegistypes.ServiceName, method aegistypes.MethodName, params map[string]any, timeout time.Duration) (RPCResult, error) {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	req := aegistypes.RpcRequest{
		MessageID: aegistypes.NewMessageID(), Method: method.String(), Params: params,
		TimeoutMs: timeout.Milliseconds(), CorrelationID: aegistypes.NewMessageID(), Timestamp: time.Now().UTC(),
	}
	payload, err := encode(req, m.serialization)
	if err != nil {
		return RPCResult{}, err
	}

	start := time.Now()
	raw, err := m.transport.Request(ctx, transport.RPCSubject(service.String(), method.String()), payload, timeout)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if m.metrics != nil {
		m.metrics.RpcCallsTotal.WithLabelValues(method.String(), outcome).Inc()
		m.metrics.RpcCallDuration.WithLabelValues(method.String()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return RPCResult{}, err
	}

	var resp aegistypes.RpcResponse
	if err := decode(raw, &resp); err != nil {
		return RPCResult{}, err
	}
	return RPCResult{Success: resp.Success, Result: resp.Result, Error: resp.Error, Message: resp.Message}, nil
}

// RegisterRPC registers handler for method, queue-group load-balanced
// across every instance of m.service so exactly one instance answers each
// call. When exclusive is true, dispatch enforces exclusive-RPC gating:
// if isActive() is false, the handler is never invoked and the caller
// receives NOT_ACTIVE.
func (m *Messenger) RegisterRPC(ctx context.Context, method aegistypes.MethodName, exclusive bool, handler RPCHandler) error {
	subject := transport.RPCSubject(m.service.String(), method.String())
	sub, err := m.transport.Subscribe(ctx, subject, m.service.String(), func(ctx context.Context, msg transport.Msg) {
		m.dispatchRPC(ctx, method, exclusive, handler, msg)
	})
	if err != nil {
		return err
	}
	m.subs = append(m.subs, sub)
	return nil
}

func (m *Messenger) dispatchRPC(ctx context.Context, method aegistypes.MethodName, exclusive bool, handler RPCHandler, msg transport.Msg) {
	var req aegistypes.RpcRequest
	if err := decode(msg.Data, &req); err != nil {
		m.log.Error().Err(err).Str("method", method.String()).Msg("rpc: failed to decode request")
		return
	}

	resp := aegistypes.RpcResponse{MessageID: req.MessageID, CorrelationID: req.CorrelationID}

	if exclusive && !m.isActive() {
		resp.Success = false
		resp.Error = "NOT_ACTIVE"
		resp.Message = m.instance.String() + " is in STANDBY mode"
		m.reply(ctx, msg.Reply, resp)
		if m.metrics != nil {
			m.metrics.RpcCallsTotal.WithLabelValues(method.String(), "not_active").Inc()
		}
		return
	}

	timeout := defaultRPCTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler(handlerCtx, req.Params)
	if err != nil {
		resp.Success = false
		resp.Error = errorKindOf(err)
		resp.Message = err.Error()
		m.log.Error().Err(err).Str("method", method.String()).Msg("rpc handler returned an error")
	} else {
		resp.Success = true
		resp.Result = result
	}
	m.reply(ctx, msg.Reply, resp)
}

func (m *Messenger) reply(ctx context.Context, replySubject string, resp aegistypes.RpcResponse) {
	if replySubject == "" {
		return
	}
	payload, err := encode(resp, m.serialization)
	if err != nil {
		m.log.Error().Err(err).Msg("rpc: failed to encode response")
		return
	}
	if err := m.transport.Publish(ctx, replySubject, payload); err != nil {
		m.log.Error().Err(err).Msg("rpc: failed to publish response")
	}
}

func errorKindOf(err error) string {
	if kind, ok := aegiserr.KindOf(err); ok {
		return string(kind)
	}
	return "HandlerError"
}
