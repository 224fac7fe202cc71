package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tapewire/tapewire/internal/observability"
)

// runner is one supervised consumption session. A nil return means the
// context ended and the supervisor should stop; any error means restart
// after backoff.
type runner interface {
	Run(ctx context.Context) error
}

// BackoffConfig shapes the restart timer between consumer sessions.
type BackoffConfig struct {
	Initial time.Duration
	Ceiling time.Duration
	Jitter  float64
}

// Supervisor restarts the consumer forever with jittered exponential
// backoff. There is no give-up threshold: an unreachable upstream keeps the
// service alive in BACKOFF so attached subscribers and the cache stay warm.
type Supervisor struct {
	consumer runner
	machine  *Machine
	cfg      BackoffConfig

	restartCounter metric.Int64Counter
}

// NewSupervisor wires a supervisor around the consumer and its state machine.
func NewSupervisor(consumer runner, machine *Machine, cfg BackoffConfig) *Supervisor {
	s := &Supervisor{consumer: consumer, machine: machine, cfg: cfg}
	meter := otel.Meter("tapewire/ingest")
	s.restartCounter, _ = meter.Int64Counter("ingest.restarts",
		metric.WithDescription("Consumer restarts after a fatal session error"),
		metric.WithUnit("{restart}"))
	return s
}

// State reports the consumer lifecycle state.
func (s *Supervisor) State() State { return s.machine.State() }

// Run supervises consumer sessions until ctx ends. Backoff resets after any
// session that reached RUNNING, so a stable reconnect starts the next failure
// from the initial interval again.
func (s *Supervisor) Run(ctx context.Context) error {
	timer := s.newBackoff()

	for {
		if ctx.Err() != nil {
			s.stop()
			return nil
		}
		s.machine.To(StateStarting)

		err := s.consumer.Run(ctx)
		if err == nil {
			// Clean return only happens on context cancellation.
			s.stop()
			return nil
		}
		if s.machine.State() == StateRunning {
			timer.Reset()
		}
		s.machine.To(StateBackoff)

		wait := timer.NextBackOff()
		observability.Log().Warn("ingest session failed; backing off",
			observability.Field{Key: "error", Value: err},
			observability.Field{Key: "wait", Value: wait.String()})
		if s.restartCounter != nil {
			s.restartCounter.Add(ctx, 1)
		}

		select {
		case <-ctx.Done():
			s.stop()
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) stop() {
	s.machine.To(StateStopping)
	s.machine.To(StateStopped)
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Initial
	b.MaxInterval = s.cfg.Ceiling
	b.RandomizationFactor = s.cfg.Jitter
	b.Multiplier = 2
	b.Reset()
	return b
}
