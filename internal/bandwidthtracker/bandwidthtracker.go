package bandwidthtracker

import (
	"net"
	"sync/atomic"

	"wikiproxy/internal/metrics"
)

// TrackedConnection counts bytes moved over a client connection and
// feeds the process throughput counter.
type TrackedConnection struct {
	net.Conn
	inBytes  int64
	outBytes int64
}

func New(conn net.Conn) *TrackedConnection {
	return &TrackedConnection{Conn: conn}
}

func (c *TrackedConnection) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		atomic.AddInt64(&c.inBytes, int64(n))
		metrics.Add(&metrics.C.Throughput, int64(n))
	}
	return n, err
}

func (c *TrackedConnection) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		atomic.AddInt64(&c.outBytes, int64(n))
		metrics.Add(&metrics.C.Throughput, int64(n))
	}
	return n, err
}

func (c *TrackedConnection) InBytes() int64 {
	return atomic.LoadInt64(&c.inBytes)
}

func (c *TrackedConnection) OutBytes() int64 {
	return atomic.LoadInt64(&c.outBytes)
}
