package pubsub

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// stubConn detects overlapping WriteMessage calls, which the websocket
// contract forbids.
type stubConn struct {
	writeErr error

	writing atomic.Bool
	overlap atomic.Bool
	writes  atomic.Int32
	closed  atomic.Bool
}

func (c *stubConn) WriteMessage(_ int, _ []byte) error {
	if !c.writing.CompareAndSwap(false, true) {
		c.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	c.writing.Store(false)
	c.writes.Add(1)
	return c.writeErr
}

func (c *stubConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestHubSerializesWritesPerConnection(t *testing.T) {
	hub := NewHub()
	conn := &stubConn{}
	hub.Register(conn, "TRM001")

	const rounds = 25
	msg := Message{"type": "eta_update"}

	// Two publisher goroutines target the same connection, one through the
	// terminal stream and one through the broadcast path.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, hub.PublishToTerminal("TRM001", msg))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, hub.PublishToAll(msg))
		}
	}()
	wg.Wait()

	assert.False(t, conn.overlap.Load(), "writes to one connection overlapped")
	assert.Equal(t, int32(2*rounds), conn.writes.Load())
}

func TestHubDropsFailingConnection(t *testing.T) {
	hub := NewHub()
	failing := &stubConn{writeErr: errors.New("broken pipe")}
	healthy := &stubConn{}
	hub.Register(failing, "")
	hub.Register(healthy, "")
	assert.Equal(t, 2, hub.ConnectionCount())

	assert.NoError(t, hub.PublishToAll(Message{"type": "dashboard_update"}))

	assert.True(t, failing.closed.Load())
	assert.Equal(t, 1, hub.ConnectionCount())
	assert.Equal(t, int32(1), healthy.writes.Load())
}

func TestHubTerminalRouting(t *testing.T) {
	hub := NewHub()
	subscribed := &stubConn{}
	other := &stubConn{}
	global := &stubConn{}
	hub.Register(subscribed, "TRM001")
	hub.Register(other, "TRM002")
	hub.Register(global, "")

	assert.NoError(t, hub.PublishToTerminal("TRM001", Message{"type": "eta_update"}))

	assert.Equal(t, int32(1), subscribed.writes.Load())
	assert.Equal(t, int32(0), other.writes.Load())
	assert.Equal(t, int32(1), global.writes.Load())

	hub.Unregister(subscribed)
	assert.Equal(t, 2, hub.ConnectionCount())
}
