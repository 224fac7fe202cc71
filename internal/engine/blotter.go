package engine

import (
	"context"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/filter"
	"github.com/tapewire/tapewire/internal/observability"
	"github.com/tapewire/tapewire/internal/query"
	"github.com/tapewire/tapewire/internal/schema"
)

const blotterComponent = "engine/blotter"

// OpenBlotter opens a blotter stream. ORDERS and EXECUTIONS delegate to the
// single-kind paths; ALL multiplexes both feeds into one output with
// per-source overflow accounting. With ALL the filter must compile against
// both payload kinds.
func (e *Engine) OpenBlotter(ctx context.Context, req schema.StreamRequest) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	switch req.StreamType {
	case schema.StreamOrders:
		return e.OpenOrders(ctx, req.Filter)
	case schema.StreamExecutions:
		return e.OpenExecutions(ctx, req.Filter)
	}

	if err := e.admit(); err != nil {
		return nil, err
	}
	orderPred, err := filter.Compile(e.registry, schema.PayloadOrder, req.Filter)
	if err != nil {
		return nil, err
	}
	execPred, err := filter.Compile(e.registry, schema.PayloadExecution, req.Filter)
	if err != nil {
		return nil, err
	}

	// Both inboxes attach before any snapshot I/O so live twins of snapshot
	// rows are caught by dedup on either feed.
	orderInbox, err := e.hub.Attach(schema.PayloadOrder)
	if err != nil {
		return nil, err
	}
	execInbox, err := e.hub.Attach(schema.PayloadExecution)
	if err != nil {
		e.hub.Detach(orderInbox)
		return nil, err
	}

	orderSnap := query.ResolvedSnapshot(nil)
	execSnap := query.ResolvedSnapshot(nil)
	if orderPred.WantsSnapshot() {
		orderSnap = e.snapshots.Snapshot(schema.PayloadOrder, req.Filter)
		execSnap = e.snapshots.Snapshot(schema.PayloadExecution, req.Filter)
	}
	orderSub := newSubscription(schema.PayloadOrder, orderPred, orderInbox, orderSnap, e.opts.SnapshotIDGrace)
	execSub := newSubscription(schema.PayloadExecution, execPred, execInbox, execSnap, e.opts.SnapshotIDGrace)

	runCtx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)
	observability.Log().Debug("blotter stream opened",
		observability.Field{Key: "stream", Value: stream.id.String()},
		observability.Field{Key: "blotter", Value: req.BlotterID},
		observability.Field{Key: "snapshot", Value: orderPred.WantsSnapshot()})
	if e.streamsGauge != nil {
		e.streamsGauge.Add(runCtx, 1)
	}

	go e.runBlotter(runCtx, stream, orderSub, execSub)
	return stream, nil
}

// runBlotter drives two subscriptions behind one output. The snapshot phase
// is source-ordered: every matching order snapshot event, then every matching
// execution snapshot event. In the live phase the feeds interleave in arrival
// order with no cross-source ordering guarantee.
func (e *Engine) runBlotter(ctx context.Context, stream *Stream, orderSub, execSub *subscription) {
	defer func() {
		orderSub.close(e.hub)
		execSub.close(e.hub)
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

	if orderSub.compiled.WantsSnapshot() {
		if err := orderSub.runSnapshot(ctx, emit); err != nil {
			stream.finish(terminalError(ctx, err))
			return
		}
		if err := execSub.runSnapshot(ctx, emit); err != nil {
			stream.finish(terminalError(ctx, err))
			return
		}
	}
	orderSub.toLive()
	execSub.toLive()

	sources := []struct {
		sub       *subscription
		component string
	}{
		{orderSub, blotterComponent + "/orders"},
		{execSub, blotterComponent + "/executions"},
	}

	for {
		if err := stream.demand.Wait(ctx); err != nil {
			stream.finish(terminalError(ctx, err))
			return
		}
		progressed := false
		for _, src := range sources {
			for {
				evt, ok := src.sub.inbox.TryNext()
				if !ok {
					break
				}
				progressed = true
				if !src.sub.acceptLive(evt) {
					continue
				}
				if err := emit(ctx, evt); err != nil {
					stream.finish(terminalError(ctx, err))
					return
				}
			}
			if n := src.sub.inbox.TakeDropped(); n > 0 {
				stream.warn(errs.OverflowDrop(src.component, n))
			}
		}
		if progressed {
			continue
		}

		select {
		case <-ctx.Done():
			stream.finish(nil)
			return
		case <-orderSub.inbox.Ready():
		case <-execSub.inbox.Ready():
		case <-orderSub.inbox.Done():
			stream.finish(terminalError(ctx, errs.New(blotterComponent, errs.CodeClosed,
				errs.WithMessage("order feed detached"))))
			return
		case <-execSub.inbox.Done():
			stream.finish(terminalError(ctx, errs.New(blotterComponent, errs.CodeClosed,
				errs.WithMessage("execution feed detached"))))
			return
		}
	}
}
