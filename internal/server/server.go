// Package server exposes the subscription engine over websocket: route-based
// calls with demand and cancellation control frames, JSON event frames out.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tapewire/tapewire/config"
	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/cache"
	"github.com/tapewire/tapewire/internal/engine"
	"github.com/tapewire/tapewire/internal/filter"
	"github.com/tapewire/tapewire/internal/observability"
	"github.com/tapewire/tapewire/internal/query"
	"github.com/tapewire/tapewire/internal/schema"
)

const serverComponent = "server/ws"

// Route tokens.
const (
	RouteOrdersStream       = "orders.stream"
	RouteExecutionsStream   = "executions.stream"
	RouteBlotterStream      = "blotter.stream"
	RouteOrdersSnapshot     = "orders.snapshot"
	RouteExecutionsSnapshot = "executions.snapshot"
	RouteHealth             = "health"
)

// Fetcher is the query-API surface the snapshot routes need. Implemented by
// query.Client.
type Fetcher interface {
	Fetch(ctx context.Context, kind schema.PayloadKind, f schema.Filter) ([]*schema.Event, error)
}

// Server terminates websocket connections and dispatches route calls to the
// engine, the query client, and the key cache.
type Server struct {
	cfg      config.ServerConfig
	engine   *engine.Engine
	fetcher  Fetcher
	cache    *cache.Cache
	registry *filter.Registry

	httpServer *http.Server

	connsGauge   metric.Int64UpDownCounter
	callsCounter metric.Int64Counter
}

// New wires the websocket server to its collaborators.
func New(cfg config.ServerConfig, eng *engine.Engine, fetcher Fetcher, c *cache.Cache, reg *filter.Registry) *Server {
	s := &Server{cfg: cfg, engine: eng, fetcher: fetcher, cache: c, registry: reg}

	meter := otel.Meter("tapewire/server")
	s.connsGauge, _ = meter.Int64UpDownCounter("server.connections",
		metric.WithDescription("Websocket connections currently open"),
		metric.WithUnit("{connection}"))
	s.callsCounter, _ = meter.Int64Counter("server.calls",
		metric.WithDescription("Route calls dispatched"),
		metric.WithUnit("{call}"))
	return s
}

// Handler returns the HTTP handler terminating websocket upgrades at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves until ctx ends, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errs.New(serverComponent, errs.CodeNetwork,
			errs.WithCause(err), errs.WithMessage("listen "+s.cfg.ListenAddr))
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(lis) }()
	observability.Log().Info("websocket server listening",
		observability.Field{Key: "addr", Value: lis.Addr().String()})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			_ = s.httpServer.Close()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errs.New(serverComponent, errs.CodeNetwork,
			errs.WithCause(err), errs.WithMessage("serve failed"))
	}
}

// wsConn is the per-connection state: the socket, a write mutex serializing
// frames from concurrent calls, and the open-call table.
type wsConn struct {
	srv  *Server
	sock *websocket.Conn

	writeMu sync.Mutex

	callMu sync.Mutex
	calls  map[string]*call
}

type call struct {
	stream *engine.Stream
	cancel context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Warn("websocket accept failed",
			observability.Field{Key: "error", Value: err})
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &wsConn{srv: s, sock: sock, calls: make(map[string]*call)}
	if s.connsGauge != nil {
		s.connsGauge.Add(ctx, 1)
		defer s.connsGauge.Add(context.WithoutCancel(ctx), -1)
	}
	defer conn.closeAll()
	defer func() { _ = sock.CloseNow() }()

	go conn.keepalive(ctx)
	conn.readLoop(ctx, cancel)
}

// keepalive pings on the configured cadence; a failed ping means the peer is
// gone and the read loop will unwind.
func (c *wsConn) keepalive(ctx context.Context) {
	interval := c.srv.cfg.PingInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.writeTimeout())
			err := c.sock.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) writeTimeout() time.Duration {
	if t := c.srv.cfg.WriteTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}

// readLoop parses inbound frames until the connection drops. Disconnect is
// treated as cancellation of every open call.
func (c *wsConn) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.writeError(ctx, "", errs.New(serverComponent, errs.CodeInvalid,
				errs.WithCause(err), errs.WithMessage("malformed frame")))
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *wsConn) dispatch(ctx context.Context, frame ClientFrame) {
	switch {
	case frame.Route != "":
		c.openCall(ctx, frame)
	case frame.Type == clientTypeRequest:
		if call := c.lookup(frame.ID); call != nil && call.stream != nil {
			call.stream.Request(frame.N)
		}
	case frame.Type == clientTypeCancel:
		if call := c.remove(frame.ID); call != nil {
			call.cancel()
		}
	default:
		c.writeError(ctx, frame.ID, errs.New(serverComponent, errs.CodeInvalid,
			errs.WithMessage("frame carries neither route nor control type")))
	}
}

func (c *wsConn) openCall(ctx context.Context, frame ClientFrame) {
	if frame.ID == "" {
		c.writeError(ctx, "", errs.New(serverComponent, errs.CodeInvalid,
			errs.WithMessage("call id required")))
		return
	}
	if c.srv.callsCounter != nil {
		c.srv.callsCounter.Add(ctx, 1)
	}

	switch frame.Route {
	case RouteOrdersStream:
		c.openStream(ctx, frame, func(ctx context.Context, f schema.Filter) (*engine.Stream, error) {
			return c.srv.engine.OpenOrders(ctx, f)
		})
	case RouteExecutionsStream:
		c.openStream(ctx, frame, func(ctx context.Context, f schema.Filter) (*engine.Stream, error) {
			return c.srv.engine.OpenExecutions(ctx, f)
		})
	case RouteBlotterStream:
		c.openBlotter(ctx, frame)
	case RouteOrdersSnapshot:
		go c.serveSnapshot(ctx, frame, schema.PayloadOrder)
	case RouteExecutionsSnapshot:
		go c.serveSnapshot(ctx, frame, schema.PayloadExecution)
	case RouteHealth:
		c.writeFrame(ctx, ServerFrame{ID: frame.ID, Type: serverTypeResponse, Status: "OK"})
		c.writeFrame(ctx, ServerFrame{ID: frame.ID, Type: serverTypeComplete})
	default:
		c.writeError(ctx, frame.ID, errs.New(serverComponent, errs.CodeNotFound,
			errs.WithMessage("unknown route "+frame.Route)))
	}
}

func (c *wsConn) openStream(ctx context.Context, frame ClientFrame, open func(context.Context, schema.Filter) (*engine.Stream, error)) {
	var f schema.Filter
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &f); err != nil {
			c.writeError(ctx, frame.ID, errs.InvalidFilter(serverComponent, "", "malformed filter payload"))
			return
		}
	}
	callCtx, cancel := context.WithCancel(ctx)
	stream, err := open(callCtx, f)
	if err != nil {
		cancel()
		c.writeError(ctx, frame.ID, err)
		return
	}
	c.startCall(ctx, frame.ID, stream, cancel)
}

func (c *wsConn) openBlotter(ctx context.Context, frame ClientFrame) {
	var req schema.StreamRequest
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.writeError(ctx, frame.ID, errs.InvalidFilter(serverComponent, "", "malformed stream request"))
			return
		}
	}
	callCtx, cancel := context.WithCancel(ctx)
	stream, err := c.srv.engine.OpenBlotter(callCtx, req)
	if err != nil {
		cancel()
		c.writeError(ctx, frame.ID, err)
		return
	}
	c.startCall(ctx, frame.ID, stream, cancel)
}

func (c *wsConn) startCall(ctx context.Context, id string, stream *engine.Stream, cancel context.CancelFunc) {
	c.callMu.Lock()
	if _, exists := c.calls[id]; exists {
		c.callMu.Unlock()
		cancel()
		stream.Cancel()
		c.writeError(ctx, id, errs.New(serverComponent, errs.CodeConflict,
			errs.WithMessage("call id already in use")))
		return
	}
	c.calls[id] = &call{stream: stream, cancel: cancel}
	c.callMu.Unlock()

	go c.pump(ctx, id, stream)
}

// pump relays one stream's emissions and warnings to the wire until the
// stream terminates, then sends the terminal frame.
func (c *wsConn) pump(ctx context.Context, id string, stream *engine.Stream) {
	defer c.remove(id)
	for {
		select {
		case evt, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					c.writeError(ctx, id, err)
				} else {
					c.writeFrame(ctx, ServerFrame{ID: id, Type: serverTypeComplete})
				}
				return
			}
			c.writeFrame(ctx, ServerFrame{ID: id, Type: serverTypeEvent, Event: evt})
		case warn := <-stream.Warnings():
			c.writeFrame(ctx, ServerFrame{ID: id, Type: serverTypeWarning, Error: wireError(warn)})
		case <-ctx.Done():
			stream.Cancel()
			return
		}
	}
}

// serveSnapshot answers a request-response snapshot route. When the query
// API is unreachable the key cache answers instead, with every event retyped
// CACHE so the client can tell the two apart.
func (c *wsConn) serveSnapshot(ctx context.Context, frame ClientFrame, kind schema.PayloadKind) {
	var f schema.Filter
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &f); err != nil {
			c.writeError(ctx, frame.ID, errs.InvalidFilter(serverComponent, "", "malformed filter payload"))
			return
		}
	}
	compiled, err := filter.Compile(c.srv.registry, kind, f)
	if err != nil {
		c.writeError(ctx, frame.ID, err)
		return
	}

	events, err := c.srv.fetcher.Fetch(ctx, kind, f)
	if err != nil {
		if !fallbackEligible(err) {
			c.writeError(ctx, frame.ID, err)
			return
		}
		observability.Log().Warn("query API unavailable, serving snapshot from cache",
			observability.Field{Key: "kind", Value: string(kind)},
			observability.Field{Key: "error", Value: err})
		events = events[:0]
		for _, evt := range c.srv.cache.Snapshot() {
			if evt.Kind() != kind || !compiled.Match(evt) {
				continue
			}
			events = append(events, evt.WithType(schema.EventTypeCache))
		}
	}

	c.writeFrame(ctx, ServerFrame{ID: frame.ID, Type: serverTypeResponse, Events: events})
	c.writeFrame(ctx, ServerFrame{ID: frame.ID, Type: serverTypeComplete})
}

// fallbackEligible reports whether a snapshot failure may be answered from
// the cache: connectivity classes only, never client mistakes. Stream routes
// never fall back; a degraded snapshot is only acceptable where the client
// asked for a point-in-time answer.
func fallbackEligible(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeNetwork, errs.CodeUnavailable, errs.CodeTimeout:
		return true
	default:
		return false
	}
}

func (c *wsConn) lookup(id string) *call {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	return c.calls[id]
}

func (c *wsConn) remove(id string) *call {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	call := c.calls[id]
	delete(c.calls, id)
	return call
}

func (c *wsConn) closeAll() {
	c.callMu.Lock()
	calls := make([]*call, 0, len(c.calls))
	for id, call := range c.calls {
		calls = append(calls, call)
		delete(c.calls, id)
	}
	c.callMu.Unlock()
	for _, call := range calls {
		call.cancel()
	}
}

func (c *wsConn) writeError(ctx context.Context, id string, err error) {
	c.writeFrame(ctx, ServerFrame{ID: id, Type: serverTypeError, Error: wireError(err)})
}

// writeFrame serializes one frame under the write mutex with a per-frame
// deadline. Write failures are terminal for the connection; the read loop
// notices independently.
func (c *wsConn) writeFrame(ctx context.Context, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		observability.Log().Error("frame marshal failed",
			observability.Field{Key: "error", Value: err})
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout())
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.Write(writeCtx, websocket.MessageText, data); err != nil && ctx.Err() == nil {
		observability.Log().Debug("frame write failed",
			observability.Field{Key: "error", Value: err})
	}
}
