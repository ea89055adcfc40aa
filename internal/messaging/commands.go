package messaging

import (
	"context"
	"time"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

const (
	commandStream        = "commands"
	defaultCommandTimeout = 30 * time.Second
)

// ProgressFunc publishes an incremental progress update for the command
// currently being handled.
type ProgressFunc func(percent int, status string)

// CommandHandler processes one durable command and returns its result.
type CommandHandler func(ctx context.Context, cmd aegistypes.Command, progress ProgressFunc) (any, error)

// DispatchCommand publishes command to the durable work queue
// commands.<service>.<command>, at-least-once, FIFO per subject.
func (m *Messenger) DispatchCommand(ctx context.Context, service aegistypes.ServiceName, command aegistypes.MethodName, target string, payload map[string]any, priority aegistypes.Priority, timeoutMs int64, maxRetries int) (string, error) {
	cmd := aegistypes.Command{
		MessageID: aegistypes.NewMessageID(), Command: command.String(), Target: target,
		Payload: payload, Priority: priority.String(), TimeoutMs: timeoutMs, MaxRetries: maxRetries,
		Timestamp: time.Now().UTC(),
	}
	data, err := encode(cmd, m.serialization)
	if err != nil {
		return "", err
	}
	subject := transport.CommandSubject(service.String(), command.String())
	if err := m.transport.WorkQueuePublish(ctx, commandStream, subject, data); err != nil {
		return "", err
	}
	return cmd.MessageID, nil
}

// RegisterCommandHandler registers handler as the durable consumer for
// commands.<m.service>.<command>, one logical consumer per command name
// (durable_name = "<service>.<command>").
func (m *Messenger) RegisterCommandHandler(ctx context.Context, command aegistypes.MethodName, handler CommandHandler) error {
	subject := transport.CommandSubject(m.service.String(), command.String())
	durable := m.service.String() + "." + command.String()
	sub, err := m.transport.WorkQueueSubscribe(ctx, commandStream, subject, durable, func(ctx context.Context, msg transport.WorkMsg) {
		m.dispatchCommand(ctx, command, handler, msg)
	})
	if err != nil {
		return err
	}
	m.subs = append(m.subs, sub)
	return nil
}

func (m *Messenger) dispatchCommand(ctx context.Context, commandName aegistypes.MethodName, handler CommandHandler, msg transport.WorkMsg) {
	var cmd aegistypes.Command
	if err := decode(msg.Data, &cmd); err != nil {
		m.log.Error().Err(err).Str("command", commandName.String()).Msg("command: failed to decode envelope")
		_ = msg.Term()
		return
	}

	timeout := defaultCommandTimeout
	if cmd.TimeoutMs > 0 {
		timeout = time.Duration(cmd.TimeoutMs) * time.Millisecond
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progress := func(percent int, status string) {
		p := aegistypes.CommandProgress{MessageID: cmd.MessageID, Percent: percent, Status: status}
		data, err := encode(p, m.serialization)
		if err != nil {
			return
		}
		_ = m.transport.Publish(ctx, transport.CommandProgressSubject(cmd.MessageID), data)
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(handlerCtx, cmd, progress)
		done <- outcome{result, err}
	}()

	var result outcome
	timedOut := false
	select {
	case result = <-done:
	case <-handlerCtx.Done():
		timedOut = true
	}

	// msg.Attempt is 1 on the first delivery; max_retries counts
	// redeliveries after that first attempt, so the delivery is final once
	// attempt-1 (retries so far) reaches max_retries.
	lastAttempt := msg.Attempt >= cmd.MaxRetries+1

	switch {
	case !timedOut && result.err == nil:
		m.publishCommandResult(ctx, cmd.MessageID, aegistypes.CommandStatusCompleted, result.result, "")
		_ = msg.Ack()
		m.recordCommandOutcome(commandName, "completed")

	case timedOut:
		m.publishCommandResult(ctx, cmd.MessageID, aegistypes.CommandStatusTimeout, nil, "handler exceeded timeout_ms")
		if lastAttempt {
			_ = msg.Term()
			m.recordCommandOutcome(commandName, "dead_letter")
			if m.metrics != nil {
				m.metrics.CommandsDeadLettered.Inc()
			}
		} else {
			_ = msg.Nak()
			m.recordCommandOutcome(commandName, "timeout_retry")
			if m.metrics != nil {
				m.metrics.CommandRetries.Inc()
			}
		}

	default: // handler returned an error
		if lastAttempt {
			m.publishCommandResult(ctx, cmd.MessageID, aegistypes.CommandStatusFailed, nil, result.err.Error())
			_ = msg.Term()
			m.recordCommandOutcome(commandName, "dead_letter")
			if m.metrics != nil {
				m.metrics.CommandsDeadLettered.Inc()
			}
		} else {
			_ = msg.Nak()
			m.recordCommandOutcome(commandName, "retry")
			if m.metrics != nil {
				m.metrics.CommandRetries.Inc()
			}
		}
	}
}

func (m *Messenger) publishCommandResult(ctx context.Context, messageID, status string, result any, errStr string) {
	cr := aegistypes.CommandResult{MessageID: messageID, Status: status, Result: result, Error: errStr}
	data, err := encode(cr, m.serialization)
	if err != nil {
		m.log.Error().Err(err).Msg("command: failed to encode result")
		return
	}
	if err := m.transport.Publish(ctx, transport.CommandResultSubject(messageID), data); err != nil {
		m.log.Error().Err(err).Msg("command: failed to publish result")
	}
}

func (m *Messenger) recordCommandOutcome(command aegistypes.MethodName, outcome string) {
	if m.metrics != nil {
		m.metrics.CommandsHandled.WithLabelValues(command.String(), outcome).Inc()
	}
}
