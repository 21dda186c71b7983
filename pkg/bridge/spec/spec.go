// Package spec contains constants for the perfbridge caller-facing API.
package spec

const (
	// DefaultUDPBandwidth is the target bitrate of UDP tests run with a zero
	// bandwidth, in bits per second.
	DefaultUDPBandwidth = 1000000

	// MaxParallel is the maximum number of parallel streams of a test.
	MaxParallel = 128

	// ErrCodeNoOutput is the error code of a successful run that produced
	// no JSON output.
	ErrCodeNoOutput = -1

	// ErrCodeAlreadyRunning is the error code returned when a client test
	// is already running in this process.
	ErrCodeAlreadyRunning = -2

	// ErrCodeInvalidConfig is the error code of a rejected configuration.
	ErrCodeInvalidConfig = -3

	// MsgCancelled is the error message of a cancelled run.
	MsgCancelled = "Test cancelled by user"

	// MsgNoOutput is the error message of a run without JSON output.
	MsgNoOutput = "No output available"

	// MsgNewTestFailed is the error message of an engine allocation failure.
	MsgNewTestFailed = "Failed to create iperf test"

	// MsgAlreadyRunning is the error message of a rejected concurrent run.
	MsgAlreadyRunning = "A client test is already running"

	// MsgUnknownError is used when a failed run has no error description.
	MsgUnknownError = "Unknown error"
)
