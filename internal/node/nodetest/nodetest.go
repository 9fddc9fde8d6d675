// Package nodetest provides an in-memory websocket stand-in for exercising
// node, link and pool behavior without a live audio host.
package nodetest

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/keshon/audiolink/internal/node"
)

// ErrClosed is returned by reads and writes on a closed fake connection.
var ErrClosed = errors.New("fake connection closed")

// Conn is an in-memory node.Conn. Writes are recorded; reads block until
// Push delivers a message or the connection is closed.
type Conn struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn() *Conn {
	return &Conn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push delivers a message to the node's read loop.
func (c *Conn) Push(data []byte) {
	c.incoming <- data
}

// FailWrites makes every subsequent write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Writes returns a snapshot of everything written so far.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// WaitWrites blocks until at least n messages were written or the timeout
// elapses.
func (c *Conn) WaitWrites(n int, timeout time.Duration) ([][]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		writes := c.Writes()
		if len(writes) >= n {
			return writes, nil
		}
		if time.Now().After(deadline) {
			return writes, fmt.Errorf("timed out waiting for %d writes, got %d", n, len(writes))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Dialer hands out fake connections and records handshake attempts.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Conn
	headers []http.Header
	err     error
	resumed bool
}

// Dial satisfies node.DialFunc.
func (d *Dialer) Dial(url string, header http.Header) (node.Conn, *http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, header)
	if d.err != nil {
		return nil, nil, d.err
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	resp := &http.Response{Header: http.Header{}}
	if d.resumed {
		resp.Header.Set("Session-Resumed", "true")
	}
	return c, resp, nil
}

// Fail makes subsequent dials return err. Pass nil to succeed again.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// SetResumed controls the Session-Resumed header on subsequent dials.
func (d *Dialer) SetResumed(resumed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumed = resumed
}

// Calls returns the number of dial attempts so far.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.headers)
}

// LastConn returns the most recently handed out connection.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// LastHeader returns the handshake header of the most recent dial attempt.
func (d *Dialer) LastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

// WaitCalls blocks until at least n dial attempts happened or the timeout
// elapses.
func (d *Dialer) WaitCalls(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if d.Calls() >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %d dials, got %d", n, d.Calls())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
