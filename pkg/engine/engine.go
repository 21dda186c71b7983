package engine

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/perfbridge/internal/netx"
	"github.com/m-lab/perfbridge/pkg/engine/spec"
)

// Version is the engine version reported in the start record.
const Version = "3.19"

// Role is the role of a test.
type Role byte

// Roles. Values match iperf3's.
const (
	RoleUnset  Role = 0
	RoleClient Role = 'c'
	RoleServer Role = 's'
)

// Protocol is the transport used by the data streams.
type Protocol string

// Supported protocols.
const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// ReporterFunc is the reporter hook of a Test. It is called on the goroutine
// running the test, with no locks held.
type ReporterFunc func()

// Test is a single throughput test, either client or server side.
type Test struct {
	role           Role
	host           string
	port           int
	duration       int
	numStreams     int
	reverse        bool
	jsonOutput     bool
	protocol       Protocol
	blockSize      int
	rate           uint64
	cc             string
	connectTimeout time.Duration
	oneOff         bool
	dataDir        string
	cookie         string

	reporter ReporterFunc

	state    atomic.Int32
	done     atomic.Bool
	doneOnce sync.Once
	doneCh   chan struct{}

	// ctrlMu guards session, which is the session currently owning the
	// control channel.
	ctrlMu  sync.Mutex
	session *session
	closing bool

	errMu sync.Mutex
	errno Errno
	cause error

	// Server side, guarded by srvMu.
	srvMu        sync.Mutex
	cacheStarted bool
	listener     *netx.Listener
	udpConn      *net.UDPConn
	srv          *http.Server
	sessions     *ttlcache.Cache[string, *session]

	busy       atomic.Bool
	oneOffCh   chan struct{}
	oneOffOnce sync.Once

	freed atomic.Bool
}

// New returns a new Test with default settings and a random cookie.
func New() (*Test, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	t := &Test{
		port:           spec.DefaultPort,
		duration:       spec.DefaultDuration,
		numStreams:     1,
		protocol:       ProtocolTCP,
		connectTimeout: spec.DefaultConnectTimeout,
		cookie:         id.String(),
		doneCh:         make(chan struct{}),
		oneOffCh:       make(chan struct{}),
	}
	t.reporter = t.defaultReporter
	return t, nil
}

// Role returns the role of the test.
func (t *Test) Role() Role { return t.role }

// SetRole sets the role of the test.
func (t *Test) SetRole(r Role) { t.role = r }

// SetServerHostname sets the host a client connects to.
func (t *Test) SetServerHostname(host string) { t.host = host }

// ServerHostname returns the host a client connects to.
func (t *Test) ServerHostname() string { return t.host }

// SetPort sets the server port.
func (t *Test) SetPort(port int) { t.port = port }

// Port returns the server port.
func (t *Test) Port() int { return t.port }

// SetDuration sets the test duration in seconds.
func (t *Test) SetDuration(seconds int) { t.duration = seconds }

// Duration returns the test duration in seconds.
func (t *Test) Duration() int { return t.duration }

// SetNumStreams sets the number of parallel data streams.
func (t *Test) SetNumStreams(n int) { t.numStreams = n }

// NumStreams returns the number of parallel data streams.
func (t *Test) NumStreams() int { return t.numStreams }

// SetReverse makes the server the sender.
func (t *Test) SetReverse(reverse bool) { t.reverse = reverse }

// Reverse reports whether the server is the sender.
func (t *Test) Reverse() bool { return t.reverse }

// SetJSONOutput enables the JSON output returned by JSONOutputString.
func (t *Test) SetJSONOutput(enabled bool) { t.jsonOutput = enabled }

// JSONOutput reports whether JSON output is enabled.
func (t *Test) JSONOutput() bool { return t.jsonOutput }

// SetProtocol selects the transport of the data streams. Unknown protocols
// set the error indicator to IEPROTOCOL.
func (t *Test) SetProtocol(p Protocol) error {
	switch p {
	case ProtocolTCP, ProtocolUDP:
		t.protocol = p
		return nil
	}
	t.setError(IEPROTOCOL, nil)
	return IEPROTOCOL
}

// Protocol returns the transport of the data streams.
func (t *Test) Protocol() Protocol { return t.protocol }

// SetBlockSize sets the size of each write. Zero selects the transport's
// default.
func (t *Test) SetBlockSize(size int) { t.blockSize = size }

// BlockSize returns the effective block size.
func (t *Test) BlockSize() int {
	if t.blockSize > 0 {
		return t.blockSize
	}
	if t.protocol == ProtocolUDP {
		return spec.DefaultUDPBlockSize
	}
	return spec.DefaultTCPBlockSize
}

// SetRate sets the target bitrate of each stream, in bits per second. Zero
// means unlimited for TCP and spec.DefaultUDPRate for UDP.
func (t *Test) SetRate(bps uint64) { t.rate = bps }

// Rate returns the configured target bitrate.
func (t *Test) Rate() uint64 { return t.rate }

// SetCongestionControl sets the TCP congestion control algorithm of the data
// streams.
func (t *Test) SetCongestionControl(cc string) { t.cc = cc }

// SetConnectTimeout bounds the setup of the control connection.
func (t *Test) SetConnectTimeout(d time.Duration) { t.connectTimeout = d }

// SetOneOff makes RunServer return after the first test.
func (t *Test) SetOneOff(oneOff bool) { t.oneOff = oneOff }

// SetDataDir enables archiving of server-side results to dir.
func (t *Test) SetDataDir(dir string) { t.dataDir = dir }

// Cookie returns the test cookie.
func (t *Test) Cookie() string { return t.cookie }

// ReporterCallback returns the current reporter hook.
func (t *Test) ReporterCallback() ReporterFunc { return t.reporter }

// SetReporterCallback replaces the reporter hook. A nil fn disables
// reporting.
func (t *Test) SetReporterCallback(fn ReporterFunc) { t.reporter = fn }

// IntervalCount returns the number of interval records appended so far by
// the current session.
func (t *Test) IntervalCount() int {
	sess := t.currentSession()
	if sess == nil {
		return 0
	}
	return sess.intervalCount()
}

// Interval returns the i-th interval record of the current session, or nil
// if i is out of range.
func (t *Test) Interval(i int) json.RawMessage {
	sess := t.currentSession()
	if sess == nil {
		return nil
	}
	return sess.interval(i)
}

// JSONOutputString returns the JSON document of the last session. It is
// empty when JSON output is disabled or no session was started.
func (t *Test) JSONOutputString() string {
	if !t.jsonOutput {
		return ""
	}
	sess := t.currentSession()
	if sess == nil {
		return ""
	}
	return sess.jsonOutput()
}

// Free releases the resources held by the test. It is idempotent.
func (t *Test) Free() {
	if !t.freed.CompareAndSwap(false, true) {
		return
	}
	t.SetDone()
	if sess := t.currentSession(); sess != nil {
		sess.close()
	}
	t.closeServer()
}

func (t *Test) currentSession() *session {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	return t.session
}

func (t *Test) setSession(sess *session) {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	t.session = sess
}

// callReporter invokes the reporter hook, if any.
func (t *Test) callReporter() {
	if fn := t.reporter; fn != nil {
		fn()
	}
}
