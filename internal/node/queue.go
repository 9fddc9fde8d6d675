package node

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Pending is the completion handle for one queued send. It resolves when the
// transport confirms the write, or rejects on channel failure.
type Pending struct {
	data     []byte
	priority bool
	done     chan struct{}
	err      error
}

func newPending(data []byte, priority bool) *Pending {
	return &Pending{data: data, priority: priority, done: make(chan struct{})}
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the send resolved either way.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the send outcome. Only valid after Done is closed.
func (p *Pending) Err() error {
	<-p.done
	return p.err
}

// Wait blocks until the send resolves or ctx expires.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues payload for delivery to the node. Priority messages jump
// ahead of queued non-priority ones but keep FIFO order among themselves.
// While the node is not Connected the queue only pauses; messages are
// rejected solely when the node is permanently unavailable.
func (n *Node) Send(payload any, priority bool) *Pending {
	data, err := json.Marshal(payload)
	if err != nil {
		p := newPending(nil, priority)
		p.finish(err)
		return p
	}

	p := newPending(data, priority)

	n.mu.Lock()
	if n.closed || n.status == StatusDisconnected {
		n.mu.Unlock()
		p.finish(ErrNodeUnavailable)
		return p
	}
	if priority {
		idx := len(n.queue)
		for i, queued := range n.queue {
			if !queued.priority {
				idx = i
				break
			}
		}
		n.queue = append(n.queue, nil)
		copy(n.queue[idx+1:], n.queue[idx:])
		n.queue[idx] = p
	} else {
		n.queue = append(n.queue, p)
	}
	n.cond.Broadcast()
	n.mu.Unlock()
	return p
}

// QueueLen returns the number of sends still waiting for the transport.
func (n *Node) QueueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// writeLoop drains the queue one message at a time, in connection order.
// Draining pauses while the node is not Connected and resumes on reconnect.
func (n *Node) writeLoop() {
	for {
		n.mu.Lock()
		for !n.closed && !(n.status == StatusConnected && len(n.queue) > 0 && n.conn != nil) {
			n.cond.Wait()
		}
		if n.closed {
			n.mu.Unlock()
			return
		}
		p := n.queue[0]
		n.queue = n.queue[1:]
		conn := n.conn
		n.mu.Unlock()

		err := conn.WriteMessage(websocket.TextMessage, p.data)
		p.finish(err)
		if err != nil {
			n.handleClosed(conn, err)
		}
	}
}

// failQueueLocked rejects every queued send with err. Caller holds n.mu.
func (n *Node) failQueueLocked(err error) {
	for _, p := range n.queue {
		p.finish(err)
	}
	n.queue = nil
}
