package natsbroker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegiserr"
)

const pullBatchSize = 1
const pullMaxWait = 5 * time.Second

// WorkQueuePublish publishes payload onto the JetStream stream backing
// subject, creating the stream on first use if it does not already exist.
func (b *Broker) WorkQueuePublish(ctx context.Context, stream, subject string, payload []byte) error {
	js, err := b.jetstream()
	if err != nil {
		return err
	}
	if err := b.ensureStream(js, stream, subject); err != nil {
		return err
	}
	if _, err := js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: work queue publish failed", err)
	}
	return nil
}

func (b *Broker) ensureStream(js nats.JetStreamContext, stream, subject string) error {
	if info, err := js.StreamInfo(stream); err == nil {
		for _, s := range info.Config.Subjects {
			if s == subject {
				return nil
			}
		}
		cfg := info.Config
		cfg.Subjects = append(cfg.Subjects, subject)
		if _, err := js.UpdateStream(&cfg); err != nil {
			return aegiserr.Wrap(aegiserr.KindTransport, "nats: update stream subjects failed", err)
		}
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return aegiserr.Wrap(aegiserr.KindTransport, "nats: add stream failed", err)
	}
	return nil
}

type pullSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *pullSubscription) Unsubscribe() error {
	p.cancel()
	<-p.done
	return nil
}

// WorkQueueSubscribe runs a JetStream pull consumer named durableName
// against subject on stream, delivering one message at a time to handler
// and leaving ack/nak/term entirely up to the caller, matching
// transport.WorkHandler's at-least-once, redeliver-on-nak contract.
func (b *Broker) WorkQueueSubscribe(ctx context.Context, stream, subject, durableName string, handler transport.WorkHandler) (transport.Subscription, error) {
	js, err := b.jetstream()
	if err != nil {
		return nil, err
	}
	if err := b.ensureStream(js, stream, subject); err != nil {
		return nil, err
	}
	sub, err := js.PullSubscribe(subject, durableName, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, aegiserr.Wrap(aegiserr.KindTransport, "nats: pull subscribe failed", err)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if consumeCtx.Err() != nil {
				_ = sub.Unsubscribe()
				return
			}
			msgs, err := sub.Fetch(pullBatchSize, nats.MaxWait(pullMaxWait))
			if err != nil {
				if err == nats.ErrTimeout || err == context.DeadlineExceeded {
					continue
				}
				if consumeCtx.Err() != nil {
					_ = sub.Unsubscribe()
					return
				}
				time.Sleep(time.Second)
				continue
			}
			for _, msg := range msgs {
				handler(consumeCtx, toWorkMsg(msg))
			}
		}
	}()

	return &pullSubscription{cancel: cancel, done: done}, nil
}

func toWorkMsg(msg *nats.Msg) transport.WorkMsg {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	return transport.WorkMsg{
		Subject: msg.Subject,
		Data:    msg.Data,
		Attempt: attempt,
		Ack:     func() error { return msg.Ack() },
		Nak:     func() error { return msg.Nak() },
		Term:    func() error { return msg.Term() },
	}
}
