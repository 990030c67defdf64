package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/dispatch"
	"github.com/OpenChemistry/molequeue-sub002/internal/eventlog"
	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
	"github.com/OpenChemistry/molequeue-sub002/internal/queue"
	"github.com/OpenChemistry/molequeue-sub002/internal/rpc"
	"github.com/OpenChemistry/molequeue-sub002/internal/statemachine"
	"github.com/OpenChemistry/molequeue-sub002/internal/transport"
)

// fakeConn is a minimal in-memory transport.Connection, mirroring
// internal/dispatch's test double: Send appends to a slice instead of
// writing to a socket.
type fakeConn struct {
	id string

	mu      sync.Mutex
	sent    [][]byte
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

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) messageAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i]
}

// findSubmitResult scans every message conn has sent so far for a
// submitJob response, returning its MoleQueueID. Scanning rather than
// assuming position matters here: the background Submit goroutine may
// fire a jobStateChanged notification before the response itself goes
// out.
func findSubmitResult(conn *fakeConn) (int64, bool) {
	for i := 0; i < conn.sentCount(); i++ {
		var msg struct {
			Result *submitJobResult `json:"result"`
		}
		if err := json.Unmarshal(conn.messageAt(i), &msg); err != nil {
			continue
		}
		if msg.Result != nil {
			return msg.Result.MoleQueueID, true
		}
	}
	return 0, false
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

// fakeQueue stands in for a remote backend: Submit follows the same
// None->Accepted->Submitted transition sequence internal/queue/remote
// performs, and records what it actually saw on disk so tests can
// confirm input files were staged before dispatch.
type fakeQueue struct {
	store *jobstore.Store
	log   statemachine.EventAppender

	mu          sync.Mutex
	workDirSeen string
	filesSeen   []string
	submitErr   error
}

func (q *fakeQueue) TypeName() string                     { return "fake-remote" }
func (q *fakeQueue) SettingsSnapshot() map[string]string  { return map[string]string{"type": "fake-remote"} }
func (q *fakeQueue) Update(ctx context.Context) error     { return nil }
func (q *fakeQueue) Retrieve(ctx context.Context, id int64) error { return nil }
func (q *fakeQueue) Cancel(ctx context.Context, id int64) error {
	return statemachine.Transition(q.store, q.log, id, jobstore.StateCanceled, nil)
}

func (q *fakeQueue) Submit(ctx context.Context, jobID int64) error {
	if q.submitErr != nil {
		return q.submitErr
	}
	job, err := q.store.Get(jobID)
	if err != nil {
		return err
	}

	if err := statemachine.Transition(q.store, q.log, jobID, jobstore.StateAccepted, nil); err != nil {
		return err
	}

	entries, _ := os.ReadDir(job.LocalWorkingDirectory)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	q.mu.Lock()
	q.workDirSeen = job.LocalWorkingDirectory
	q.filesSeen = names
	q.mu.Unlock()

	return statemachine.Transition(q.store, q.log, jobID, jobstore.StateSubmitted, func(j *jobstore.Job) error {
		j.QueueID = "42"
		return nil
	})
}

type testServer struct {
	srv   *Server
	store *jobstore.Store
	q     *fakeQueue
}

func newTestServer(t *testing.T, d *dispatch.Dispatcher, rpcKillEnabled bool) *testServer {
	t.Helper()
	store, err := jobstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("jobstore.New failed: %v", err)
	}
	events, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("eventlog.Open failed: %v", err)
	}
	registry := queue.NewRegistry()

	srv := New(store, registry, d, events, filepath.Join(t.TempDir(), "jobs"), nil, rpcKillEnabled)

	q := &fakeQueue{store: store, log: srv.EventAppender()}
	registry.Register("fake", q, []queue.ProgramDef{{Name: "echo", RunTemplate: "echo hi"}})

	return &testServer{srv: srv, store: store, q: q}
}

func TestListQueuesPreservesRegistrationOrder(t *testing.T) {
	d := dispatch.New(nil)
	store, err := jobstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("jobstore.New failed: %v", err)
	}
	events, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("eventlog.Open failed: %v", err)
	}
	registry := queue.NewRegistry()
	registry.Register("b", &fakeQueue{}, []queue.ProgramDef{{Name: "prog"}})
	registry.Register("a", &fakeQueue{}, []queue.ProgramDef{{Name: "prog"}})

	New(store, registry, d, events, t.TempDir(), nil, false)

	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"listQueues"}`)
	waitUntil(t, func() bool { return conn.sentCount() == 1 })

	if got := registry.Names(); got[0] != "b" || got[1] != "a" {
		t.Errorf("Names() = %v, want [b a]", got)
	}
	resp := string(conn.messageAt(0))
	if b, a := strings.Index(resp, `"b":`), strings.Index(resp, `"a":`); b < 0 || a < 0 || b > a {
		t.Errorf("listQueues reply = %s, want queue b listed before a", resp)
	}
}

func TestSubmitJobUnknownQueueReturnsCodeUnknownQueue(t *testing.T) {
	d := dispatch.New(nil)
	newTestServer(t, d, false)

	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"submitJob","params":{"queue":"noSuchQueue","program":"echo"}}`)
	waitUntil(t, func() bool { return conn.sentCount() == 1 })

	var reply struct {
		Error *rpc.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(conn.messageAt(0), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error == nil || reply.Error.Code != codeUnknownQueue {
		t.Fatalf("error = %+v, want codeUnknownQueue", reply.Error)
	}
}

// TestSubmitJobStagesInputFilesAndReachesSubmitted is the end-to-end
// regression for the submission pipeline: a job submitted against a
// remote-shaped queue must have its input files written to its working
// directory before Submit runs, and must actually reach Submitted
// (rather than dying on an illegal None->Submitted transition).
func TestSubmitJobStagesInputFilesAndReachesSubmitted(t *testing.T) {
	d := dispatch.New(nil)
	ts := newTestServer(t, d, false)

	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"submitJob","params":{"queue":"fake","program":"echo","inputAsString":"contents"}}`)
	var jobID int64
	waitUntil(t, func() bool {
		id, ok := findSubmitResult(conn)
		if !ok {
			return false
		}
		jobID = id
		return true
	})

	waitUntil(t, func() bool {
		job, err := ts.store.Get(jobID)
		return err == nil && job.State == jobstore.StateSubmitted
	})

	ts.q.mu.Lock()
	files := ts.q.filesSeen
	ts.q.mu.Unlock()
	found := false
	for _, f := range files {
		if f == "job.inp" {
			found = true
		}
	}
	if !found {
		t.Errorf("fake queue's Submit saw working directory files %v, want job.inp present", files)
	}

	job, err := ts.store.Get(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.QueueID != "42" {
		t.Errorf("job.QueueID = %q, want 42", job.QueueID)
	}
}

// TestSubmitJobNotifiesAcceptedThenSubmitted confirms the jobStateChanged
// sequence a client sees for a remote-family submission: None is never
// announced (CreateJob doesn't transition), but Accepted and Submitted
// both arrive once Submit's two-step transition runs.
func TestSubmitJobNotifiesAcceptedThenSubmitted(t *testing.T) {
	d := dispatch.New(nil)
	ts := newTestServer(t, d, false)

	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()
	waitUntil(t, func() bool { return d.Registry.Get("c1") != nil })

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"submitJob","params":{"queue":"fake","program":"echo"}}`)
	waitUntil(t, func() bool { return conn.sentCount() >= 3 }) // response + Accepted + Submitted, any order

	var jobID int64
	var states []string
	for i := 0; i < conn.sentCount(); i++ {
		var msg struct {
			Result *submitJobResult `json:"result"`
			Method string           `json:"method"`
			Params struct {
				MoleQueueID int64  `json:"moleQueueId"`
				NewState    string `json:"newState"`
			} `json:"params"`
		}
		if err := json.Unmarshal(conn.messageAt(i), &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Result != nil {
			jobID = msg.Result.MoleQueueID
			continue
		}
		if msg.Method == "jobStateChanged" {
			states = append(states, msg.Params.NewState)
		}
	}

	if jobID == 0 {
		t.Fatalf("no submitJob response seen among %d messages", conn.sentCount())
	}
	if len(states) != 2 || states[0] != "Accepted" || states[1] != "Submitted" {
		t.Fatalf("notified states = %v, want [Accepted Submitted]", states)
	}
}

func TestCancelJobUnknownJobReturnsCodeUnknownJob(t *testing.T) {
	d := dispatch.New(nil)
	newTestServer(t, d, false)

	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"cancelJob","params":{"moleQueueId":999}}`)
	waitUntil(t, func() bool { return conn.sentCount() == 1 })

	var reply struct {
		Error *rpc.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(conn.messageAt(0), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error == nil || reply.Error.Code != codeUnknownJob {
		t.Fatalf("error = %+v, want codeUnknownJob", reply.Error)
	}
}

func TestRPCKillOnlyRegisteredWhenEnabled(t *testing.T) {
	d := dispatch.New(nil)
	killed := make(chan struct{})
	ts := newTestServer(t, d, true)
	ts.srv.SetKillHook(func() { close(killed) })

	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"rpcKill"}`)
	waitUntil(t, func() bool { return conn.sentCount() == 1 })

	var reply struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(conn.messageAt(0), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != "ok" {
		t.Fatalf("result = %q, want ok", reply.Result)
	}
	waitUntil(t, func() bool {
		select {
		case <-killed:
			return true
		default:
			return false
		}
	})
}

func TestRPCKillNotRegisteredWhenDisabled(t *testing.T) {
	d := dispatch.New(nil)
	newTestServer(t, d, false)

	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, conn)
	defer cancel()

	conn.deliver(`{"jsonrpc":"2.0","id":1,"method":"rpcKill"}`)
	waitUntil(t, func() bool { return conn.sentCount() == 1 })

	var reply struct {
		Error *rpc.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(conn.messageAt(0), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error == nil || reply.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("error = %+v, want CodeMethodNotFound (rpcKill unregistered)", reply.Error)
	}
}
