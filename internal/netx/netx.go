// Package netx provides a net.Conn and a net.Listener that give access to
// the underlying socket: byte counters, TCP_INFO, congestion control and a
// write rate limit.
package netx

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/m-lab/tcp-info/tcp"
)

// ConnInfo provides operations on a net.Conn's underlying file descriptor.
type ConnInfo interface {
	ByteCounters() (uint64, uint64)
	Info() (*tcp.LinuxTCPInfo, error)
	AcceptTime() time.Time
	UUID() (string, error)
	GetCC() (string, error)
	SetCC(string) error
	SetWriteLimit(bytesPerSecond int64)
}

// ToConnInfo is a helper function to convert a net.Conn into a netx.ConnInfo.
// It panics if netConn does not contain a type supporting ConnInfo.
func ToConnInfo(netConn net.Conn) ConnInfo {
	switch t := netConn.(type) {
	case *Conn:
		return t
	case *tls.Conn:
		return t.NetConn().(*Conn)
	default:
		panic(fmt.Sprintf("unsupported connection type: %T", t))
	}
}
