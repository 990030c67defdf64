package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/rpc"
	"github.com/OpenChemistry/molequeue-sub002/internal/transport"
)

// fakeConn is a minimal in-memory transport.Connection for dispatcher
// tests: Send appends to a slice instead of writing to a socket.
type fakeConn struct {
	id string

	mu      sync.Mutex
	sent    [][]byte
	full    bool
	packets chan transport.Packet
	done    chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, packets: make(chan transport.Packet, 16), done: make(chan struct{})}
}

func (c *fakeConn) ID() string                       { return c.id }
func (c *fakeConn) Packets() <-chan transport.Packet { return c.packets }
func (c *fakeConn) Done() <-chan struct{}            { return c.done }

func (c *fakeConn) Send(data []byte, _ transport.EndpointID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return transport.ErrQueueFull
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

func (c *fakeConn) deliver(data string) {
	c.packets <- transport.Packet{Data: []byte(data)}
}

func (c *fakeConn) lastSent() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestInternalPingAnsweredInline(t *testing.T) {
	d := New(nil)
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"internalPing"}`)

	waitUntil(t, func() bool { return conn.sentCount() == 1 })
	var reply struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(conn.lastSent(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != "pong" {
		t.Errorf("result = %q, want pong", reply.Result)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d := New(nil)
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":2,"method":"noSuchMethod"}`)

	waitUntil(t, func() bool { return conn.sentCount() == 1 })
	var reply struct {
		Error *rpc.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(conn.lastSent(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error == nil || reply.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("error = %+v, want CodeMethodNotFound", reply.Error)
	}
}

func TestRegisteredHandlerInvoked(t *testing.T) {
	d := New(nil)
	d.Handle("echo", func(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
		return string(params), nil
	})
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":3,"method":"echo","params":"hi"}`)

	waitUntil(t, func() bool { return conn.sentCount() == 1 })
	var reply struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(conn.lastSent(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != "hi" {
		t.Errorf("result = %q, want hi", reply.Result)
	}
}

func TestDuplicateInflightIDRejected(t *testing.T) {
	d := New(nil)
	release := make(chan struct{})
	d.Handle("slow", func(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
		<-release
		return "done", nil
	})
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":4,"method":"slow"}`)
	time.Sleep(20 * time.Millisecond) // let the handler goroutine start and mark id 4 in-flight
	conn.deliver(`{"jsonrpc":"2.0","id":4,"method":"slow"}`)

	waitUntil(t, func() bool { return conn.sentCount() == 1 })
	var reply struct {
		Error *rpc.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(conn.lastSent(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error == nil || reply.Error.Code != rpc.CodeInvalidRequest {
		t.Errorf("error = %+v, want CodeInvalidRequest", reply.Error)
	}
	close(release)
}

func TestNotifyCoalescesPerJobOnOverflow(t *testing.T) {
	d := New(nil)
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()
	waitUntil(t, func() bool { return d.Registry.Get("c1") != nil })

	conn.mu.Lock()
	conn.full = true
	conn.mu.Unlock()

	for i := 0; i < 5; i++ {
		d.Notify(42, "jobStateChanged", map[string]any{"moleQueueId": 42, "newState": fmt.Sprintf("state%d", i)})
	}
	time.Sleep(20 * time.Millisecond)
	if conn.sentCount() != 0 {
		t.Fatalf("expected no sends while queue full, got %d", conn.sentCount())
	}

	conn.mu.Lock()
	conn.full = false
	conn.mu.Unlock()
	d.Notify(42, "jobStateChanged", map[string]any{"moleQueueId": 42, "newState": "final"})

	waitUntil(t, func() bool { return conn.sentCount() == 1 })
	var msg struct {
		Params struct {
			NewState string `json:"newState"`
		} `json:"params"`
	}
	if err := json.Unmarshal(conn.lastSent(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Params.NewState != "final" {
		t.Errorf("delivered stale notification, got %q", msg.Params.NewState)
	}
}

func TestNotifyDeliversEveryStateWhenQueueHasRoom(t *testing.T) {
	d := New(nil)
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()
	waitUntil(t, func() bool { return d.Registry.Get("c1") != nil })

	states := []string{"Accepted", "RunningLocal", "Finished"}
	for _, s := range states {
		d.Notify(42, "jobStateChanged", map[string]any{"moleQueueId": 42, "newState": s})
	}

	waitUntil(t, func() bool { return conn.sentCount() == len(states) })

	for i, s := range states {
		var msg struct {
			Params struct {
				NewState string `json:"newState"`
			} `json:"params"`
		}
		conn.mu.Lock()
		raw := conn.sent[i]
		conn.mu.Unlock()
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Params.NewState != s {
			t.Errorf("sent[%d].newState = %q, want %q", i, msg.Params.NewState, s)
		}
	}
}

func TestCallCorrelatesResponse(t *testing.T) {
	d := New(nil)
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for conn.sentCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		var req struct {
			ID rpc.ID `json:"id"`
		}
		json.Unmarshal(conn.lastSent(), &req)
		reply, _ := rpc.Result(req.ID, "ack")
		conn.deliver(string(reply))
	}()

	msg, err := d.Call(context.Background(), conn, "doThing", nil, time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var result string
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result != "ack" {
		t.Errorf("result = %q, want ack", result)
	}
}
