//go:build !linux

package netx

import (
	"net"
	"time"
)

func fromTCPConn(tcpConn *net.TCPConn, acceptTime time.Time) (*Conn, error) {
	// On non-Linux systems, TCPInfo and congestion control aren't supported,
	// so the file pointer is not needed.
	return &Conn{
		Conn:       tcpConn,
		acceptTime: acceptTime,
	}, nil
}
