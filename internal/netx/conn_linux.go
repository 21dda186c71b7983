package netx

import (
	"net"
	"time"
)

func fromTCPConn(tcpConn *net.TCPConn, acceptTime time.Time) (*Conn, error) {
	// Note: File() duplicates the underlying file descriptor. This duplicate
	// must be independently closed.
	fp, err := tcpConn.File()
	if err != nil {
		return nil, err
	}
	return &Conn{
		Conn:       tcpConn,
		fp:         fp,
		acceptTime: acceptTime,
	}, nil
}
