// Package spec contains constants for the perfbridge engine protocol.
package spec

import "time"

const (
	// DefaultPort is the default server port.
	DefaultPort = 5201

	// DefaultDuration is the default test duration, in seconds.
	DefaultDuration = 10

	// MaxStreams is the maximum number of parallel streams per test.
	MaxStreams = 128

	// ReportInterval is the interval between subsequent interval records.
	ReportInterval = 1 * time.Second

	// DefaultTCPBlockSize is the size of the binary WebSocket messages written
	// by TCP senders.
	DefaultTCPBlockSize = 128 << 10

	// MaxTCPBlockSize is the largest block size accepted for TCP tests.
	MaxTCPBlockSize = 1 << 20

	// DefaultUDPBlockSize is the datagram payload size used when no block size
	// is configured. It fits a standard 1500-byte Ethernet MTU.
	DefaultUDPBlockSize = 1460

	// MinUDPBlockSize is the size of the datagram header.
	MinUDPBlockSize = 24

	// MaxUDPBlockSize is the largest datagram payload accepted.
	MaxUDPBlockSize = 65507

	// DefaultUDPRate is the target bitrate of UDP tests when none is given.
	DefaultUDPRate = 1000000

	// DefaultConnectTimeout bounds the control connection setup.
	DefaultConnectTimeout = 10 * time.Second

	// StreamSetupTimeout bounds how long the server waits for all streams.
	StreamSetupTimeout = 10 * time.Second

	// ResultsTimeout bounds every control message wait outside of the
	// running phase.
	ResultsTimeout = 10 * time.Second

	// SessionGracePeriod is added to the test duration to compute the TTL
	// of a server session.
	SessionGracePeriod = 30 * time.Second

	// CookieSize is the length of a test cookie.
	CookieSize = 36

	// ControlPath is the path of the control WebSocket endpoint.
	ControlPath = "/perfbridge/v1/control"

	// StreamPath is the path of the TCP data stream WebSocket endpoint.
	StreamPath = "/perfbridge/v1/stream"

	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header.
	SecWebSocketProtocol = "net.measurementlab.perfbridge.v1"

	// MaxControlMessageSize is the read limit of the control channel.
	MaxControlMessageSize = 1 << 20
)
