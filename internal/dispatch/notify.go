package dispatch

import (
	"sync"

	"github.com/OpenChemistry/molequeue-sub002/internal/transport"
)

// notifier coalesces jobStateChanged notifications per connection: if
// the connection's outbound queue is saturated when a notification
// arrives, only the newest notification for a given moleQueueId is
// kept, and the older one is silently dropped (§5 Backpressure).
// Every other outbound message (responses) bypasses this and is sent
// directly; if that send fails with ErrQueueFull, the caller closes
// the connection instead of dropping it.
type notifier struct {
	conn transport.Connection

	mu      sync.Mutex
	pending map[int64][]byte // moleQueueId -> latest encoded notification
	order   []int64          // FIFO order of pending ids, for fairness between jobs
	wake    chan struct{}
	done    chan struct{}
}

func newNotifier(conn transport.Connection) *notifier {
	n := &notifier{
		conn:    conn,
		pending: make(map[int64][]byte),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// enqueue delivers a jobStateChanged notification for jobID. If
// nothing for this job is already buffered, it tries a direct,
// synchronous send first — the common case, where the connection's
// outbound queue has room, delivers every notification with no
// coalescing at all. Only once that send reports ErrQueueFull (or a
// notification for this job is already waiting to go out) does it
// fall back to buffering, replacing any still-unsent notification for
// the same job.
func (n *notifier) enqueue(jobID int64, encoded []byte) {
	n.mu.Lock()
	_, buffered := n.pending[jobID]
	n.mu.Unlock()

	if !buffered {
		if err := n.conn.Send(encoded, ""); err == nil {
			return
		}
	}

	n.mu.Lock()
	if _, exists := n.pending[jobID]; !exists {
		n.order = append(n.order, jobID)
	}
	n.pending[jobID] = encoded
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.conn.Done():
			return
		case <-n.done:
			return
		case <-n.wake:
			n.drain()
		}
	}
}

// drain attempts to send every currently pending notification, in the
// order their jobs first became pending. A send that still can't get
// through (queue still full) is left in place and retried on the next
// wake; any notification coalesced into it in the meantime is what
// actually goes out.
func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.order) == 0 {
			n.mu.Unlock()
			return
		}
		jobID := n.order[0]
		data, ok := n.pending[jobID]
		n.mu.Unlock()
		if !ok {
			n.popOrder(jobID)
			continue
		}

		if err := n.conn.Send(data, ""); err != nil {
			return // queue still full or connection closed; retry on next wake
		}
		n.mu.Lock()
		delete(n.pending, jobID)
		n.mu.Unlock()
		n.popOrder(jobID)
	}
}

func (n *notifier) popOrder(jobID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, id := range n.order {
		if id == jobID {
			n.order = append(n.order[:i], n.order[i+1:]...)
			return
		}
	}
}

func (n *notifier) close() {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
}
