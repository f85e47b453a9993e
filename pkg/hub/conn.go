package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/types"
)

// Conn is one live client connection. Subscription state lives in the hub's
// registry under its lock; the connection itself only owns the send queue
// and liveness bookkeeping.
type Conn struct {
	ID            string
	CreatedAt     time.Time
	Authenticated bool

	hub       *Hub
	transport Transport
	send      chan *types.Frame
	done      chan struct{}
	closeOnce sync.Once

	lastSeen atomic.Int64 // unix nanos of the last client activity
	sent     atomic.Int64
	dropped  atomic.Int64

	// guarded by hub.mu
	tasks    map[string]bool
	channels map[types.Channel]bool
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is the time of the most recent client activity
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// close shuts the transport down once and stops the write pump
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close(code, reason)
	})
}

// enqueue queues a frame for delivery. When the buffer is full the oldest
// droppable frame is shed to make room; non-droppable frames are never lost
// short of the client stalling entirely.
func (c *Conn) enqueue(frame *types.Frame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
	}

	// Buffer full. Pull the head; a droppable head is shed, a non-droppable
	// one goes back in.
	select {
	case old := <-c.send:
		if old.Type.Droppable() {
			c.dropped.Add(1)
			metrics.FramesDroppedTotal.Inc()
		} else {
			select {
			case c.send <- old:
			default:
				c.dropped.Add(1)
				metrics.FramesDroppedTotal.Inc()
			}
		}
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
	}

	if frame.Type.Droppable() {
		c.dropped.Add(1)
		metrics.FramesDroppedTotal.Inc()
		return false
	}

	// Non-droppable and still no room: wait briefly for the client to drain.
	select {
	case c.send <- frame:
		return true
	case <-time.After(time.Second):
		c.dropped.Add(1)
		metrics.FramesDroppedTotal.Inc()
		return false
	case <-c.done:
		return false
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case frame := <-c.send:
			start := time.Now()
			if err := c.transport.WriteFrame(frame); err != nil {
				c.hub.unregister(c, types.CloseNormal, "write failed")
				return
			}
			elapsed := time.Since(start)
			// A completed write proves the peer is still consuming. Without
			// this, write-only transports (SSE never sends frames up) would
			// be culled by the heartbeat sweep mid-stream.
			c.touch()
			c.sent.Add(1)
			metrics.FramesSentTotal.Inc()
			metrics.SendLatency.Observe(elapsed.Seconds())
			c.hub.recordSendLatency(c.transport.Name(), elapsed)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readPump() {
	for {
		frame, err := c.transport.ReadFrame()
		if err != nil {
			c.hub.unregister(c, types.CloseNormal, "client gone")
			return
		}
		c.touch()
		metrics.FramesReceivedTotal.Inc()
		c.hub.handleFrame(c, frame)
	}
}
