// Package bridge drives single network throughput tests on top of the
// synchronous engine, adding progress notifications, cooperative
// cancellation and a background server lifecycle.
//
// A Bridge holds two registrations: at most one client test and at most one
// server test at a time. RunClient blocks for the duration of a test and may
// be cancelled from another goroutine with RequestCancel.
package bridge

import (
	"context"
	"encoding/json"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/perfbridge/internal/registry"
	"github.com/m-lab/perfbridge/pkg/bridge/model"
	"github.com/m-lab/perfbridge/pkg/engine"
)

// SupportsAsyncCancel reports whether StopServer can interrupt a running
// server on this platform. Where it cannot, StopServer waits until the
// server exits on its own, e.g. after a one-off test.
var SupportsAsyncCancel = runtime.GOOS != "android"

// Test is the engine test instance driven by a Bridge. *engine.Test
// implements it.
type Test interface {
	SetRole(engine.Role)
	SetServerHostname(string)
	SetPort(int)
	SetDuration(int)
	SetNumStreams(int)
	SetReverse(bool)
	SetJSONOutput(bool)
	SetProtocol(engine.Protocol) error
	SetBlockSize(int)
	SetRate(uint64)
	SetCongestionControl(string)
	SetConnectTimeout(time.Duration)
	SetOneOff(bool)
	SetDataDir(string)

	ReporterCallback() engine.ReporterFunc
	SetReporterCallback(engine.ReporterFunc)
	IntervalCount() int
	Interval(int) json.RawMessage

	RunClient() int
	ServerListen() error
	RunServer(context.Context) int

	SetDone()
	SetState(engine.State)
	SendState(engine.State) error

	Errno() engine.Errno
	ClearErrno()
	Strerror(engine.Errno) string
	JSONOutputString() string
	Free()
}

// Engine creates test instances.
type Engine interface {
	NewTest() (Test, error)
	Version() string
}

type defaultEngine struct{}

func (defaultEngine) NewTest() (Test, error) {
	t, err := engine.New()
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (defaultEngine) Version() string {
	return engine.Version
}

// ProgressFunc receives progress notifications. It is called on the
// goroutine running the test.
type ProgressFunc func(model.Progress)

// ServerOptions configures the server started by StartServer.
type ServerOptions struct {
	// DataDir, if set, is where each finished server-side test is archived.
	DataDir string
	// OneOff makes the server exit after its first test.
	OneOff bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithEngine sets the engine used to create tests.
func WithEngine(e Engine) Option {
	return func(b *Bridge) {
		b.engine = e
	}
}

// WithServerOptions sets the options of servers started by StartServer.
func WithServerOptions(opts ServerOptions) Option {
	return func(b *Bridge) {
		b.serverOpts = opts
	}
}

// WithAsyncCancel overrides SupportsAsyncCancel.
func WithAsyncCancel(enabled bool) Option {
	return func(b *Bridge) {
		b.asyncCancel = enabled
	}
}

// Bridge runs client and server tests.
type Bridge struct {
	engine      Engine
	serverOpts  ServerOptions
	asyncCancel bool

	clients registry.Client[Test]
	servers registry.Server[Test]

	outstanding atomic.Int64
}

// New returns a Bridge using the default engine.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		engine:      defaultEngine{},
		asyncCancel: SupportsAsyncCancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Version returns the engine's version string.
func (b *Bridge) Version() string {
	return b.engine.Version()
}

// FreeResult releases a Result returned by RunClient. Releasing the same
// Result twice, or a nil Result, is logged and otherwise ignored.
func (b *Bridge) FreeResult(r *model.Result) {
	if r == nil {
		return
	}
	if !r.Release() {
		log.Warn("result released twice")
		return
	}
	b.outstanding.Add(-1)
}

// Outstanding returns the number of Results handed out and not yet
// released.
func (b *Bridge) Outstanding() int64 {
	return b.outstanding.Load()
}

func (b *Bridge) newResult() *model.Result {
	b.outstanding.Add(1)
	return &model.Result{}
}
