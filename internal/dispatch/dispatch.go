// Package dispatch implements the JSON-RPC dispatcher shared by every
// transport the broker listens on: it decodes packets (via
// internal/rpc), maintains the inbound method → handler table and the
// outbound request → pending-reply table, and fans notifications out
// to connections through the per-connection coalescing queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/rpc"
	"github.com/OpenChemistry/molequeue-sub002/internal/transport"
)

// Handler answers one inbound request or notification. Returning a
// non-nil *rpc.ErrorObject fails the call; result is ignored for
// notifications (they have no reply).
type Handler func(ctx context.Context, conn transport.Connection, params json.RawMessage) (result any, appErr *rpc.ErrorObject)

// pendingCall is one outstanding request this dispatcher sent to a
// peer, awaiting a correlated response (§5: "outbound pending
// table mapping a locally-assigned id to {method, resolver, deadline}").
type pendingCall struct {
	method   string
	resolve  chan *rpc.Message
	deadline time.Time
}

// Dispatcher is the per-process RPC core. One Dispatcher typically
// serves every connection the broker accepts, regardless of which
// transport (Unix socket, WebSocket) carried it.
type Dispatcher struct {
	log *slog.Logger

	Registry *Registry

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	idSeq int64

	pendingMu sync.Mutex
	pending   map[string]*pendingCall // "<connID>:<id>" -> call

	inflightMu sync.Mutex
	inflight   map[string]map[string]bool // connID -> set of in-flight inbound request ids

	notifiersMu sync.Mutex
	notifiers   map[string]*notifier // connID -> coalescing queue
}

// New creates a Dispatcher with no handlers registered yet.
// internalPing is always answered, regardless of the handler table.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:       log,
		Registry:  NewRegistry(),
		handlers:  make(map[string]Handler),
		pending:   make(map[string]*pendingCall),
		inflight:  make(map[string]map[string]bool),
		notifiers: make(map[string]*notifier),
	}
}

// Handle registers h to answer every inbound request/notification
// for method. Registering "internalPing" has no effect: it is always
// answered inline.
func (d *Dispatcher) Handle(method string, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[method] = h
}

// Serve registers conn and processes its inbound packets until the
// connection closes. It blocks until that happens, so callers
// typically invoke it in its own goroutine per accepted connection.
func (d *Dispatcher) Serve(ctx context.Context, conn transport.Connection) {
	d.Registry.Register(conn)
	d.notifiersMu.Lock()
	d.notifiers[conn.ID()] = newNotifier(conn)
	d.notifiersMu.Unlock()

	defer func() {
		d.Registry.Unregister(conn.ID())
		d.notifiersMu.Lock()
		if n, ok := d.notifiers[conn.ID()]; ok {
			n.close()
			delete(d.notifiers, conn.ID())
		}
		d.notifiersMu.Unlock()
		d.inflightMu.Lock()
		delete(d.inflight, conn.ID())
		d.inflightMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.Done():
			return
		case pkt, ok := <-conn.Packets():
			if !ok {
				return
			}
			d.handlePacket(ctx, conn, pkt)
		}
	}
}

func (d *Dispatcher) handlePacket(ctx context.Context, conn transport.Connection, pkt transport.Packet) {
	decoded := rpc.Decode(pkt.Data)
	if decoded.ParseErr != nil {
		d.sendOrClose(conn, pkt.Endpoint, mustFail(rpc.ID{}, decoded.ParseErr))
		return
	}
	for _, msg := range decoded.Messages {
		d.handleMessage(ctx, conn, pkt.Endpoint, msg)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, conn transport.Connection, ep transport.EndpointID, msg *rpc.Message) {
	switch msg.Kind {
	case rpc.KindInvalid:
		d.sendOrClose(conn, ep, mustFail(msg.ID, rpc.NewError(rpc.CodeInvalidRequest, "Invalid request", nil)))

	case rpc.KindRequest:
		// Each request runs in its own goroutine so one slow handler
		// can't stall the read loop for every other in-flight request
		// on this connection.
		go d.handleRequest(ctx, conn, ep, msg)

	case rpc.KindNotification:
		go d.handleNotification(ctx, conn, msg)

	case rpc.KindResponse, rpc.KindErrorReply:
		d.resolvePending(conn.ID(), msg)
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, conn transport.Connection, ep transport.EndpointID, msg *rpc.Message) {
	idKey := msg.ID.String()
	if !d.markInflight(conn.ID(), idKey) {
		d.sendOrClose(conn, ep, mustFail(msg.ID, rpc.NewError(rpc.CodeInvalidRequest, "Invalid request: duplicate id", nil)))
		return
	}
	defer d.clearInflight(conn.ID(), idKey)

	if msg.Method == "internalPing" {
		d.sendOrClose(conn, ep, mustResult(msg.ID, "pong"))
		return
	}

	h := d.lookup(msg.Method)
	if h == nil {
		d.sendOrClose(conn, ep, mustFail(msg.ID, rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", msg.Method), nil)))
		return
	}

	result, appErr := h(ctx, conn, msg.Params)
	if appErr != nil {
		d.sendOrClose(conn, ep, mustFail(msg.ID, appErr))
		return
	}
	d.sendOrClose(conn, ep, mustResult(msg.ID, result))
}

func (d *Dispatcher) handleNotification(ctx context.Context, conn transport.Connection, msg *rpc.Message) {
	if msg.Method == "internalPing" {
		return
	}
	h := d.lookup(msg.Method)
	if h == nil {
		d.log.Warn("no handler for notification", "method", msg.Method)
		return
	}
	h(ctx, conn, msg.Params)
}

func (d *Dispatcher) lookup(method string) Handler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return d.handlers[method]
}

// sendOrClose sends a response/reply directly, bypassing notification
// coalescing. If the send fails (for example the outbound queue is
// full), the connection is closed; no -32603 error reply is sent.
func (d *Dispatcher) sendOrClose(conn transport.Connection, ep transport.EndpointID, data []byte) {
	if err := conn.Send(data, ep); err != nil {
		d.log.Error("closing connection: response queue saturated", "conn", conn.ID(), "error", err)
		conn.Close()
	}
}

// Notify delivers a jobStateChanged-style notification for jobID to
// every registered connection through that connection's coalescing
// queue.
func (d *Dispatcher) Notify(jobID int64, method string, params any) {
	data, err := rpc.Notify(method, params)
	if err != nil {
		d.log.Error("encode notification", "method", method, "error", err)
		return
	}
	d.notifiersMu.Lock()
	targets := make([]*notifier, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		targets = append(targets, n)
	}
	d.notifiersMu.Unlock()

	for _, n := range targets {
		n.enqueue(jobID, data)
	}
}

// NotifyConnection delivers a notification to one specific connection
// only, used when a handler wants to reach just the submitting client
// immediately rather than waiting on the coalescing fan-out.
func (d *Dispatcher) NotifyConnection(connID string, jobID int64, method string, params any) {
	data, err := rpc.Notify(method, params)
	if err != nil {
		d.log.Error("encode notification", "method", method, "error", err)
		return
	}
	d.notifiersMu.Lock()
	n := d.notifiers[connID]
	d.notifiersMu.Unlock()
	if n != nil {
		n.enqueue(jobID, data)
	}
}

// Call sends a request to conn and blocks until a correlated
// response arrives, ctx is done, or deadline elapses (deadline <= 0
// means no deadline, matching §5's "no deadline" default for
// server-to-client RPCs — callers that need one pass ctx with a
// timeout instead).
func (d *Dispatcher) Call(ctx context.Context, conn transport.Connection, method string, params any, deadline time.Duration) (*rpc.Message, error) {
	id := rpc.NewID(atomic.AddInt64(&d.idSeq, 1))
	data, err := rpc.Request(id, method, params)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{method: method, resolve: make(chan *rpc.Message, 1)}
	if deadline > 0 {
		call.deadline = time.Now().Add(deadline)
	}
	key := conn.ID() + ":" + id.String()
	d.pendingMu.Lock()
	d.pending[key] = call
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, key)
		d.pendingMu.Unlock()
	}()

	if err := conn.Send(data, ""); err != nil {
		return nil, err
	}

	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case msg := <-call.resolve:
			return msg, nil
		case <-timer.C:
			return nil, fmt.Errorf("dispatch: call to %s timed out", method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case msg := <-call.resolve:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) resolvePending(connID string, msg *rpc.Message) {
	key := connID + ":" + msg.ID.String()
	d.pendingMu.Lock()
	call, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.pendingMu.Unlock()
	if !ok {
		d.log.Warn("response with no matching pending call", "conn", connID, "id", msg.ID.String())
		return
	}
	select {
	case call.resolve <- msg:
	default:
	}
}

func (d *Dispatcher) markInflight(connID, idKey string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	set, ok := d.inflight[connID]
	if !ok {
		set = make(map[string]bool)
		d.inflight[connID] = set
	}
	if set[idKey] {
		return false
	}
	set[idKey] = true
	return true
}

func (d *Dispatcher) clearInflight(connID, idKey string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if set, ok := d.inflight[connID]; ok {
		delete(set, idKey)
	}
}

func mustResult(id rpc.ID, result any) []byte {
	data, err := rpc.Result(id, result)
	if err != nil {
		data, _ = rpc.Fail(id, rpc.NewError(rpc.CodeInternalError, "Internal error", nil))
	}
	return data
}

func mustFail(id rpc.ID, e *rpc.ErrorObject) []byte {
	data, _ := rpc.Fail(id, e)
	return data
}
