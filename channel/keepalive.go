package channel

import (
	"time"

	"github.com/couchbase/dcpclient/wire"
)

// RunKeepalive drives the two NOOP timers spec.md §4.2 describes: an
// idle detector that treats the channel as dead if no server traffic
// arrives within 2×noopInterval, and a client-side NOOP emitted every
// 1.2×noopInterval so a quiet-but-healthy stream doesn't trip the
// server's own idle timeout. It returns once the channel is closed.
func (c *Channel) RunKeepalive() {
	if c.opts.NoopIntervalSeconds == 0 {
		return
	}
	interval := time.Duration(c.opts.NoopIntervalSeconds) * time.Second
	idleTimeout := 2 * interval
	clientNoopEvery := time.Duration(float64(interval) * 1.2)

	ticker := time.NewTicker(clientNoopEvery)
	defer ticker.Stop()
	c.lastRecv.Store(time.Now().UnixNano())

	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastRecv.Load())) >= idleTimeout {
				c.drop(errIdleTimeout(c.node.String(), idleTimeout))
				return
			}
			c.Send(&wire.Frame{Header: wire.Header{Request: true, Opcode: wire.DcpNoop, Opaque: c.nextOpaqueID()}})
		}
	}
}

func errIdleTimeout(node string, d time.Duration) error {
	return &idleTimeoutError{node: node, timeout: d}
}

type idleTimeoutError struct {
	node    string
	timeout time.Duration
}

func (e *idleTimeoutError) Error() string {
	return "dcpclient/channel: no server traffic from " + e.node + " within " + e.timeout.String()
}
