// Package engine implements a synchronous, iperf3-style network throughput
// test. A Test is configured through setters and then run to completion on
// the calling goroutine with RunClient or RunServer.
//
// The control channel is a WebSocket connection carrying JSON state
// messages. TCP data streams are WebSocket connections carrying binary
// messages, UDP data streams are paced datagrams sent to the same port
// number as the control channel.
//
// A Test exposes a reporter hook, called once per reporting interval while
// the test runs and once more when the final results are available. The
// default reporter appends the interval records returned by Interval.
//
// Apart from SetDone, SetState, SendState, State, IntervalCount, Interval
// and Errno, the methods of a Test must not be called while a run is in
// progress.
package engine
