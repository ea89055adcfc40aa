// Package natsbroker is the production Transport, backed by a real NATS
// connection: core pub/sub and request/reply, JetStream streams for the
// durable command work queue, and JetStream KeyValue buckets for the
// registry and sticky-active leader keys. The embedded package is its
// in-process stand-in for tests and standalone demo mode; both satisfy
// transport.Transport identically from every other package's point of
// view.
package natsbroker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
)

// Broker is a Transport backed by a *nats.Conn and its JetStream context.
type Broker struct {
	url  string
	opts []nats.Option
	log  zerolog.Logger

	mu sync.RWMutex
	nc *nats.Conn
	js nats.JetStreamContext
}

// New builds a Broker for url. Connect must be called before use.
func New(url string, log zerolog.Logger, opts ...nats.Option) *Broker {
	return &Broker{url: url, opts: opts, log: log}
}

// Connect dials url and opens a JetStream context. The initial dial is
// retried with bounded exponential backoff (a live broker can legitimately
// still be starting up when this process does); once connected, nats.go's
// own infinite reconnect handling takes over for later drops.
func (b *Broker) Connect(ctx context.Context) error {
	opts := append([]nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
	}, b.opts...)

	nc, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		nc, err := nats.Connect(b.url, opts...)
		if err != nil {
			b.log.Warn().Err(err).Str("url", b.url).Msg("nats: initial connect attempt failed, retrying")
			return nil, err
		}
		return nc, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(10))
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: connect failed", err)
	}
	js, err := nc.JetStream(nats.Context(ctx))
	if err != nil {
		nc.Close()
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: jetstream context failed", err)
	}

	b.mu.Lock()
	b.nc, b.js = nc, js
	b.mu.Unlock()
	return nil
}

// Disconnect drains and closes the connection.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	nc := b.nc
	b.nc, b.js = nil, nil
	b.mu.Unlock()
	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: drain failed", err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc != nil && b.nc.IsConnected()
}

func (b *Broker) conn() (*nats.Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.nc == nil {
		return nil, aegiserr.New(aegiserr.KindNotConnected, "nats: not connected")
	}
	return b.nc, nil
}

func (b *Broker) jetstream() (nats.JetStreamContext, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.js == nil {
		return nil, aegiserr.New(aegiserr.KindNotConnected, "nats: not connected")
	}
	return b.js, nil
}

// Publish sends payload as a fire-and-forget core NATS message.
func (b *Broker) Publish(ctx context.Context, subject string, payload []byte) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, payload); err != nil {
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: publish failed", err)
	}
	return nil
}

// Request sends payload and blocks for a single reply or timeout.
func (b *Broker) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	nc, err := b.conn()
	if err != nil {
		return nil, err
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := nc.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, aegiserr.New(aegiserr.KindTimeout, "nats: request timed out")
		}
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "nats: request failed", err)
	}
	return msg.Data, nil
}

type subWrapper struct{ sub *nats.Subscription }

func (s subWrapper) Unsubscribe() error { return s.sub.Unsubscribe() }

// Subscribe fans out subjectPattern to handler, queue-group load-balanced
// when queueGroup is non-empty, matching transport.Transport's contract.
func (b *Broker) Subscribe(ctx context.Context, subjectPattern string, queueGroup string, handler transport.MessageHandler) (transport.Subscription, error) {
	nc, err := b.conn()
	if err != nil {
		return nil, err
	}
	cb := func(m *nats.Msg) {
		handler(context.Background(), transport.Msg{Subject: m.Subject, Data: m.Data, Reply: m.Reply})
	}
	var sub *nats.Subscription
	if queueGroup != "" {
		sub, err = nc.QueueSubscribe(subjectPattern, queueGroup, cb)
	} else {
		sub, err = nc.Subscribe(subjectPattern, cb)
	}
	if err != nil {
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "nats: subscribe failed", err)
	}
	return subWrapper{sub}, nil
}
