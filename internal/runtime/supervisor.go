package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/aegis/pkg/aegismetrics"
)

// Task is one independently restartable background activity (heartbeat
// loop, election renewal, KV watch consumer). It must return promptly when
// ctx is cancelled.
type Task func(ctx context.Context) error

// supervisedTask runs fn under restart-with-backoff supervision: an
// uncaught error logs, increments a counter, and restarts with bounded
// exponential backoff.
type supervisedTask struct {
	name    string
	fn      Task
	log     zerolog.Logger
	metrics *aegismetrics.Sink

	minBackoff time.Duration
	maxBackoff time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func startSupervisedTask(parent context.Context, name string, fn Task, log zerolog.Logger, metrics *aegismetrics.Sink) *supervisedTask {
	ctx, cancel := context.WithCancel(parent)
	s := &supervisedTask{
		name: name, fn: fn, log: log, metrics: metrics,
		minBackoff: 100 * time.Millisecond, maxBackoff: 10 * time.Second,
		cancel: cancel, done: make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *supervisedTask) run(ctx context.Context) {
	defer close(s.done)
	backoff := s.minBackoff
	for {
		err := s.fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Tasks are expected to run until cancellation; a clean return
			// without a cancelled context is treated as an immediate restart
			// with no backoff growth, since nothing actually failed.
			backoff = s.minBackoff
			continue
		}

		s.log.Error().Err(err).Str("task", s.name).Dur("backoff", backoff).Msg("supervised task failed, restarting")
		if s.metrics != nil {
			s.metrics.TaskRestarts.WithLabelValues(s.name).Inc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *supervisedTask) stop() {
	s.cancel()
	<-s.done
}

// supervisor owns a set of named supervised tasks and stops them together.
type supervisor struct {
	tasks []*supervisedTask
}

func (s *supervisor) start(ctx context.Context, name string, fn Task, log zerolog.Logger, metrics *aegismetrics.Sink) {
	s.tasks = append(s.tasks, startSupervisedTask(ctx, name, fn, log, metrics))
}

func (s *supervisor) stopAll() {
	for _, t := range s.tasks {
		t.stop()
	}
	s.tasks = nil
}
