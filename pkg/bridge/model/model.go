// Package model contains the data types exchanged with perfbridge callers.
package model

import (
	"sync/atomic"
	"time"
)

// Transport is the transport of a test's data streams.
type Transport string

const (
	// TCP is the connection-oriented transport.
	TCP Transport = "tcp"
	// UDP is the datagram transport.
	UDP Transport = "udp"
)

// Config is the configuration of a client test.
type Config struct {
	Host     string
	Port     int
	Duration int
	Parallel int
	Reverse  bool
	UDP      bool

	// Bandwidth is the target bitrate in bits per second. It is optional
	// for TCP. For UDP, zero selects spec.DefaultUDPBandwidth.
	Bandwidth int64

	// CongestionControl is the TCP congestion control algorithm of the data
	// streams. Empty means the system default.
	CongestionControl string
	// ConnectTimeout bounds the control connection setup. Zero means the
	// engine's default.
	ConnectTimeout    time.Duration
}

// Transport returns the transport selected by c.
func (c *Config) Transport() Transport {
	if c.UDP {
		return UDP
	}
	return TCP
}

// Result is the outcome of a client test. It is owned by the caller, who
// must release it exactly once.
type Result struct {
	Success bool

	SentBitsPerSecond     float64
	ReceivedBitsPerSecond float64
	SentMbps              float64
	ReceivedMbps          float64
	SentBytes             int64
	ReceivedBytes         int64
	// MeanRTTMillis is only set for TCP tests.
	MeanRTTMillis         float64
	// JitterMillis is only set for UDP tests.
	JitterMillis          float64

	// JSONOutput is an unmodified copy of the engine's JSON result.
	JSONOutput   string
	ErrorMessage string
	ErrorCode    int

	released atomic.Bool
}

// Release marks the result as released. It returns false if it was already
// released.
func (r *Result) Release() bool {
	return r.released.CompareAndSwap(false, true)
}

// Released reports whether the result has been released.
func (r *Result) Released() bool {
	return r.released.Load()
}

// Progress is a per-interval progress notification.
type Progress struct {
	// Interval is the 1-based interval index.
	Interval      int
	Bytes         int64
	BitsPerSecond float64
	JitterMillis  float64
	LostPackets   int
	// RTTMillis is always zero: per-interval RTT is not reported.
	RTTMillis     float64
}

// ArchivalData is the record written by the client command for each test.
type ArchivalData struct {
	UUID      string
	StartTime time.Time
	EndTime   time.Time
	Config    Config
	Result    ArchivalResult
	Intervals []Progress
}

// ArchivalResult is the archived subset of a Result.
type ArchivalResult struct {
	Success               bool
	SentBitsPerSecond     float64
	ReceivedBitsPerSecond float64
	MeanRTTMillis         float64
	JitterMillis          float64
	ErrorMessage          string
	ErrorCode             int
}

// Archive returns the archived subset of r.
func (r *Result) Archive() ArchivalResult {
	return ArchivalResult{
		Success:               r.Success,
		SentBitsPerSecond:     r.SentBitsPerSecond,
		ReceivedBitsPerSecond: r.ReceivedBitsPerSecond,
		MeanRTTMillis:         r.MeanRTTMillis,
		JitterMillis:          r.JitterMillis,
		ErrorMessage:          r.ErrorMessage,
		ErrorCode:             r.ErrorCode,
	}
}
