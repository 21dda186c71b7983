package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/m-lab/perfbridge/pkg/engine"
)

// fakeTest is a scripted engine test.
type fakeTest struct {
	mu sync.Mutex

	role      engine.Role
	host      string
	port      int
	duration  int
	streams   int
	reverse   bool
	json      bool
	protocol  engine.Protocol
	blockSize int
	blockSet  bool
	rate      uint64
	cc        string
	timeout   time.Duration
	oneOff    bool
	dataDir   string

	reporter    engine.ReporterFunc
	innerCalls  int
	intervals   []json.RawMessage
	protocolErr bool
	listenErr   error
	sendErr     error

	// run is the behavior of RunClient and RunServer.
	run func(ft *fakeTest, ctx context.Context) int

	errno    engine.Errno
	output   string
	state    engine.State
	sent     []engine.State
	done     chan struct{}
	doneOnce sync.Once
	started  chan struct{}
	freed    int
}

func newFakeTest() *fakeTest {
	ft := &fakeTest{
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
	ft.reporter = func() {
		ft.mu.Lock()
		ft.innerCalls++
		ft.mu.Unlock()
	}
	return ft
}

func (ft *fakeTest) SetRole(r engine.Role)             { ft.role = r }
func (ft *fakeTest) SetServerHostname(h string)        { ft.host = h }
func (ft *fakeTest) SetPort(p int)                     { ft.port = p }
func (ft *fakeTest) SetDuration(d int)                 { ft.duration = d }
func (ft *fakeTest) SetNumStreams(n int)               { ft.streams = n }
func (ft *fakeTest) SetReverse(r bool)                 { ft.reverse = r }
func (ft *fakeTest) SetJSONOutput(j bool)              { ft.json = j }
func (ft *fakeTest) SetRate(r uint64)                  { ft.rate = r }
func (ft *fakeTest) SetCongestionControl(cc string)    { ft.cc = cc }
func (ft *fakeTest) SetConnectTimeout(d time.Duration) { ft.timeout = d }
func (ft *fakeTest) SetOneOff(o bool)                  { ft.oneOff = o }
func (ft *fakeTest) SetDataDir(d string)               { ft.dataDir = d }

func (ft *fakeTest) SetBlockSize(n int) {
	ft.blockSize = n
	ft.blockSet = true
}

func (ft *fakeTest) SetProtocol(p engine.Protocol) error {
	if ft.protocolErr {
		ft.setErrno(engine.IEPROTOCOL)
		return engine.IEPROTOCOL
	}
	ft.protocol = p
	return nil
}

func (ft *fakeTest) ReporterCallback() engine.ReporterFunc      { return ft.reporter }
func (ft *fakeTest) SetReporterCallback(fn engine.ReporterFunc) { ft.reporter = fn }

func (ft *fakeTest) IntervalCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.intervals)
}

func (ft *fakeTest) Interval(i int) json.RawMessage {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if i < 0 || i >= len(ft.intervals) {
		return nil
	}
	return ft.intervals[i]
}

// addInterval appends records without calling the reporter.
func (ft *fakeTest) addInterval(records ...string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, r := range records {
		ft.intervals = append(ft.intervals, json.RawMessage(r))
	}
}

func (ft *fakeTest) RunClient() int {
	close(ft.started)
	if ft.run == nil {
		return 0
	}
	return ft.run(ft, context.Background())
}

func (ft *fakeTest) ServerListen() error {
	return ft.listenErr
}

func (ft *fakeTest) RunServer(ctx context.Context) int {
	close(ft.started)
	if ft.run == nil {
		<-ctx.Done()
		return 0
	}
	return ft.run(ft, ctx)
}

func (ft *fakeTest) SetDone() {
	ft.doneOnce.Do(func() { close(ft.done) })
}

func (ft *fakeTest) SetState(s engine.State) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.state = s
}

func (ft *fakeTest) SendState(s engine.State) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.sendErr != nil {
		return ft.sendErr
	}
	ft.sent = append(ft.sent, s)
	return nil
}

func (ft *fakeTest) setErrno(e engine.Errno) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.errno = e
}

func (ft *fakeTest) Errno() engine.Errno {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.errno
}

func (ft *fakeTest) ClearErrno() { ft.setErrno(engine.IENONE) }

func (ft *fakeTest) Strerror(e engine.Errno) string { return engine.Strerror(e) }

func (ft *fakeTest) JSONOutputString() string { return ft.output }

func (ft *fakeTest) Free() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.freed++
}

func (ft *fakeTest) freeCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.freed
}

// fakeEngine hands out the scripted tests in order.
type fakeEngine struct {
	mu    sync.Mutex
	tests []*fakeTest
	err   error
	made  int
}

func (fe *fakeEngine) NewTest() (Test, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.err != nil {
		return nil, fe.err
	}
	if fe.made >= len(fe.tests) {
		return nil, errors.New("no more tests")
	}
	ft := fe.tests[fe.made]
	fe.made++
	return ft, nil
}

func (fe *fakeEngine) Version() string { return "fake 1.0" }
