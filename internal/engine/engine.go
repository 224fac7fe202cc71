// Package engine owns subscriptions: the snapshot-then-live hand-off,
// fingerprint dedup across the boundary, filter application, and demand-aware
// emission. One engine serves every client stream in the process.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tapewire/tapewire/config"
	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/filter"
	"github.com/tapewire/tapewire/internal/hub"
	"github.com/tapewire/tapewire/internal/ingest"
	"github.com/tapewire/tapewire/internal/observability"
	"github.com/tapewire/tapewire/internal/query"
	"github.com/tapewire/tapewire/internal/schema"
)

const engineComponent = "engine/open"

// ConsumerStatus exposes the ingest lifecycle state to subscription
// admission. Implemented by ingest.Supervisor.
type ConsumerStatus interface {
	State() ingest.State
}

// Options tunes subscription behaviour.
type Options struct {
	// SnapshotIDGrace is how long after entering the live phase the dedup
	// set is retained.
	SnapshotIDGrace time.Duration
	// UpstreamPolicy decides whether subscriptions opened while the consumer
	// is not RUNNING are rejected or admitted silent.
	UpstreamPolicy config.UpstreamPolicy
}

// Engine builds and runs subscriptions against the hub and snapshot source.
type Engine struct {
	registry  *filter.Registry
	hub       *hub.Hub
	snapshots query.Source
	status    ConsumerStatus
	opts      Options

	streamsGauge metric.Int64UpDownCounter
	emitCounter  metric.Int64Counter
}

// New wires the engine to its collaborators.
func New(reg *filter.Registry, h *hub.Hub, src query.Source, status ConsumerStatus, opts Options) *Engine {
	if opts.SnapshotIDGrace <= 0 {
		opts.SnapshotIDGrace = 5 * time.Second
	}
	if opts.UpstreamPolicy == "" {
		opts.UpstreamPolicy = config.UpstreamPolicyFail
	}
	e := &Engine{registry: reg, hub: h, snapshots: src, status: status, opts: opts}

	meter := otel.Meter("tapewire/engine")
	e.streamsGauge, _ = meter.Int64UpDownCounter("engine.streams",
		metric.WithDescription("Streams currently open"),
		metric.WithUnit("{stream}"))
	e.emitCounter, _ = meter.Int64Counter("engine.emitted",
		metric.WithDescription("Events emitted to clients across all streams"),
		metric.WithUnit("{event}"))
	return e
}

// Stream is one open subscription as seen by the transport: an event
// channel, a non-fatal warning channel, demand and cancellation controls,
// and a terminal error observable after Events closes.
type Stream struct {
	id     uuid.UUID
	out    chan *schema.Event
	warns  chan *errs.E
	demand *demandGate
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		id:     uuid.New(),
		out:    make(chan *schema.Event),
		warns:  make(chan *errs.E, 16),
		demand: newDemandGate(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID identifies the stream in logs and frames.
func (s *Stream) ID() uuid.UUID { return s.id }

// Events is the stream's output. It closes when the stream terminates; Err
// then reports why.
func (s *Stream) Events() <-chan *schema.Event { return s.out }

// Warnings carries non-fatal conditions such as overflow drops. Never closed
// before Events; best-effort when the reader lags.
func (s *Stream) Warnings() <-chan *errs.E { return s.warns }

// Request grants the stream n more emissions.
func (s *Stream) Request(n int64) { s.demand.Request(n) }

// Cancel terminates the stream. Idempotent; a cancelled stream ends with a
// nil Err.
func (s *Stream) Cancel() { s.cancel() }

// Done is closed when the stream has fully terminated.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports the terminal error, if any, once Events has closed.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// finish records the terminal error and closes the stream exactly once.
// Client-initiated cancellation terminates with a nil error.
func (s *Stream) finish(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.doneOnce.Do(func() {
		close(s.out)
		close(s.done)
	})
}

// warn delivers a non-fatal condition without ever blocking the emission loop.
func (s *Stream) warn(e *errs.E) {
	select {
	case s.warns <- e:
	default:
	}
}

// emit sends one event downstream after acquiring a demand credit.
func (s *Stream) emit(ctx context.Context, evt *schema.Event) error {
	if err := s.demand.Acquire(ctx); err != nil {
		return err
	}
	select {
	case s.out <- evt:
		return nil
	case <-ctx.Done():
		return errs.New("engine/emit", errs.CodeClosed,
			errs.WithCause(ctx.Err()), errs.WithMessage("stream ended mid-emit"))
	}
}

// OpenOrders opens a filtered order stream.
func (e *Engine) OpenOrders(ctx context.Context, f schema.Filter) (*Stream, error) {
	return e.open(ctx, schema.PayloadOrder, f)
}

// OpenExecutions opens a filtered execution stream.
func (e *Engine) OpenExecutions(ctx context.Context, f schema.Filter) (*Stream, error) {
	return e.open(ctx, schema.PayloadExecution, f)
}

// open validates admission, compiles the filter, attaches to the hub before
// any snapshot I/O, and starts the emission goroutine. Attach-before-fetch
// closes the race between snapshot rows and their live twins: any live event
// published after attach lands in the inbox and is deduplicated against the
// snapshot fingerprints.
func (e *Engine) open(ctx context.Context, kind schema.PayloadKind, f schema.Filter) (*Stream, error) {
	if err := e.admit(); err != nil {
		return nil, err
	}
	compiled, err := filter.Compile(e.registry, kind, f)
	if err != nil {
		return nil, err
	}

	in, err := e.hub.Attach(kind)
	if err != nil {
		return nil, err
	}
	snap := query.ResolvedSnapshot(nil)
	if compiled.WantsSnapshot() {
		snap = e.snapshots.Snapshot(kind, f)
	}
	sub := newSubscription(kind, compiled, in, snap, e.opts.SnapshotIDGrace)

	runCtx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)
	observability.Log().Debug("stream opened",
		observability.Field{Key: "stream", Value: stream.id.String()},
		observability.Field{Key: "kind", Value: string(kind)},
		observability.Field{Key: "snapshot", Value: compiled.WantsSnapshot()})
	if e.streamsGauge != nil {
		e.streamsGauge.Add(runCtx, 1)
	}

	go e.run(runCtx, stream, sub)
	return stream, nil
}

// admit enforces the upstream policy: with FAIL, subscriptions opened while
// the consumer is not RUNNING are rejected; with ATTACH they are admitted and
// see silence until the consumer recovers.
func (e *Engine) admit() error {
	if e.opts.UpstreamPolicy == config.UpstreamPolicyAttach {
		return nil
	}
	if state := e.status.State(); state != ingest.StateRunning {
		return errs.UpstreamUnavailable(engineComponent, state.String())
	}
	return nil
}

// run is the emission loop of a single-kind stream: snapshot phase first when
// requested, then live events from the inbox with dedup and filtering.
func (e *Engine) run(ctx context.Context, stream *Stream, sub *subscription) {
	defer func() {
		sub.close(e.hub)
		if e.streamsGauge != nil {
			e.streamsGauge.Add(context.WithoutCancel(ctx), -1)
		}
	}()

	emit := func(ctx context.Context, evt *schema.Event) error {
		if err := stream.emit(ctx, evt); err != nil {
			return err
		}
		if e.emitCounter != nil {
			e.emitCounter.Add(ctx, 1)
		}
		return nil
	}

	if sub.compiled.WantsSnapshot() {
		if err := sub.runSnapshot(ctx, emit); err != nil {
			stream.finish(terminalError(ctx, err))
			return
		}
	}
	sub.toLive()

	for {
		// Park before touching the inbox: with zero demand, events stay in
		// the bounded inbox and age out there, keeping the overflow counter
		// honest.
		if err := stream.demand.Wait(ctx); err != nil {
			stream.finish(terminalError(ctx, err))
			return
		}
		evt, err := sub.inbox.Next(ctx)
		if err != nil {
			stream.finish(terminalError(ctx, err))
			return
		}
		if n := sub.inbox.TakeDropped(); n > 0 {
			stream.warn(errs.OverflowDrop("engine/stream", n))
		}
		if !sub.acceptLive(evt) {
			continue
		}
		if err := emit(ctx, evt); err != nil {
			stream.finish(terminalError(ctx, err))
			return
		}
	}
}

// terminalError maps loop exit causes to the stream's terminal error.
// Cancellation is a clean close, not a failure.
func terminalError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
