package netx

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/conduitio/bwlimit"
	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/perfbridge/internal/congestion"
	"github.com/m-lab/tcp-info/tcp"
	"github.com/m-lab/uuid"
)

// ErrNoFile is returned by operations that need the socket's file descriptor
// on connections that do not have one.
var ErrNoFile = errors.New("no file descriptor for this connection")

// Conn is an extended net.Conn that stores its accept time, a copy of the
// underlying socket's file descriptor, and counters for read/written bytes.
type Conn struct {
	net.Conn

	fp           *os.File
	acceptTime   time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// FromTCPConn wraps a connected *net.TCPConn into a Conn. The accept time is
// set to the current time.
func FromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	return fromTCPConn(tcpConn, time.Now())
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// Close closes the underlying net.Conn and the duplicate file descriptor.
func (c *Conn) Close() error {
	if c.fp != nil {
		c.fp.Close()
	}
	return c.Conn.Close()
}

// SetWriteLimit caps the write rate of this connection. It must be called
// before the connection is used for writing. Non-positive values are
// ignored.
func (c *Conn) SetWriteLimit(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		return
	}
	c.Conn = bwlimit.NewConn(c.Conn, bwlimit.Byte(bytesPerSecond), 0)
}

// SetCC sets the congestion control algorithm on the underlying file
// descriptor.
func (c *Conn) SetCC(cc string) error {
	if c.fp == nil {
		return congestion.ErrNoSupport
	}
	return congestion.Set(c.fp, cc)
}

// GetCC gets the current congestion control algorithm from the underlying
// file descriptor.
func (c *Conn) GetCC() (string, error) {
	if c.fp == nil {
		return "", congestion.ErrNoSupport
	}
	return congestion.Get(c.fp)
}

// Info returns the TCPInfo struct associated with the underlying socket. If
// TCP_INFO isn't available on this platform, it returns an error wrapping
// tcpinfox.ErrNoSupport.
func (c *Conn) Info() (*tcp.LinuxTCPInfo, error) {
	if c.fp == nil {
		return nil, ErrNoFile
	}
	return tcpinfox.GetTCPInfo(c.fp)
}

// AcceptTime returns this connection's accept time.
func (c *Conn) AcceptTime() time.Time {
	return c.acceptTime
}

// UUID returns an M-Lab UUID. On platforms not supporting SO_COOKIE, it
// returns a google/uuid as a fallback. If the fallback fails, it panics.
func (c *Conn) UUID() (string, error) {
	var (
		id  string
		err error
	)
	if c.fp != nil {
		id, err = uuid.FromFile(c.fp)
	}
	if c.fp == nil || err != nil {
		// fallback: use google/uuid if the platform does not support SO_COOKIE.
		gid, err := guuid.NewUUID()
		// NOTE: this could only fail when guuid.GetTime() fails.
		rtx.Must(err, "unable to fallback to uuid")
		id = gid.String()
	}
	return id, nil
}
