package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// session is the runtime state of one test: its control channel, data
// streams and records. A client Test has a single session, a server Test
// has one per accepted client.
type session struct {
	t      *Test
	cookie string
	role   Role
	params params

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	ctrl    *websocket.Conn

	mu        sync.Mutex
	streams   []*stream
	byAddr    map[string]*stream
	ready     chan struct{}
	readyOnce sync.Once
	rerr      error
	pending   *intervalRecord
	start     json.RawMessage
	intervals []json.RawMessage
	end       json.RawMessage
	endRec    *endRecord
	errText   string

	startTime time.Time
	lastTick  time.Time
	remote    *results
	finished  chan struct{}
	closeOnce sync.Once

	// Server side, taken from the control connection.
	uuid       string
	acceptTime time.Time
}

func newSession(ctx context.Context, t *Test, cookie string, role Role) *session {
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		t:        t,
		cookie:   cookie,
		role:     role,
		ctx:      ctx,
		cancel:   cancel,
		byAddr:   map[string]*stream{},
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// localIsSender reports whether this end of the test sends data.
func (sess *session) localIsSender() bool {
	return (sess.role == RoleClient) != sess.params.Reverse
}

func (sess *session) getStreams() []*stream {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]*stream, len(sess.streams))
	copy(out, sess.streams)
	return out
}

// addStream adds s to the session. It fails if the id is out of range or
// already taken.
func (sess *session) addStream(s *stream) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if s.id < 1 || s.id > sess.params.NumStreams {
		return fmt.Errorf("invalid stream id %d", s.id)
	}
	for _, other := range sess.streams {
		if other.id == s.id {
			return fmt.Errorf("duplicate stream id %d", s.id)
		}
	}
	sess.streams = append(sess.streams, s)
	if s.addr != nil {
		sess.byAddr[s.addr.String()] = s
	}
	if len(sess.streams) == sess.params.NumStreams {
		sess.readyOnce.Do(func() { close(sess.ready) })
	}
	return nil
}

// addUDPStream registers the server-side UDP stream announced by addr.
// Repeated announcements from the same address are ignored.
func (sess *session) addUDPStream(id int, addr *net.UDPAddr, conn *net.UDPConn) error {
	sess.mu.Lock()
	_, ok := sess.byAddr[addr.String()]
	sess.mu.Unlock()
	if ok {
		return nil
	}
	return sess.addStream(newUDPStream(id, sess.params.Reverse, conn, addr, false))
}

func (sess *session) udpStream(addr string) *stream {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.byAddr[addr]
}

// startStreams starts all data streams and the interval clock.
func (sess *session) startStreams() {
	now := time.Now()
	sess.startTime = now
	sess.lastTick = now
	blockSize := sess.params.BlockSize
	for _, s := range sess.getStreams() {
		s.start(sess.ctx, blockSize, sess.params.Rate)
	}
}

// stopStreams stops all data streams.
func (sess *session) stopStreams() {
	for _, s := range sess.getStreams() {
		s.stop()
	}
}

// tick records an interval ending at now and calls the reporter.
func (sess *session) tick(now time.Time) {
	sess.collectInterval(now)
	sess.t.callReporter()
}

// finishStreams stops the streams, recording a last partial interval if it
// is long enough to be meaningful.
func (sess *session) finishStreams(now time.Time) {
	sess.stopStreams()
	if now.Sub(sess.lastTick) >= 100*time.Millisecond {
		sess.tick(now)
	}
}

func (sess *session) takePending() *intervalRecord {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	rec := sess.pending
	sess.pending = nil
	return rec
}

func (sess *session) appendInterval(b json.RawMessage) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.intervals = append(sess.intervals, b)
}

func (sess *session) intervalCount() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.intervals)
}

func (sess *session) interval(i int) json.RawMessage {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if i < 0 || i >= len(sess.intervals) {
		return nil
	}
	return sess.intervals[i]
}

// networkBytes returns the socket-level bytes received and sent by the TCP
// streams of the session.
func (sess *session) networkBytes() (uint64, uint64) {
	var read, written uint64
	for _, s := range sess.getStreams() {
		if s.connInfo == nil {
			continue
		}
		r, w := s.connInfo.ByteCounters()
		read += r
		written += w
	}
	return read, written
}

// localResults returns the results of the local streams.
func (sess *session) localResults() *results {
	r := &results{}
	for _, s := range sess.getStreams() {
		r.Streams = append(r.Streams, s.result(sess.startTime))
		if r.CongestionUsed == "" {
			r.CongestionUsed = s.cc
		}
	}
	if sess.params.Protocol == ProtocolTCP && sess.localIsSender() {
		r.SenderHasRetransmits = 1
	}
	return r
}

func (sess *session) recordStart() {
	b, err := json.Marshal(sess.startRecord())
	if err != nil {
		log.Error("cannot marshal start record", "error", err)
		return
	}
	sess.mu.Lock()
	sess.start = b
	sess.mu.Unlock()
}

func (sess *session) recordEnd(end *endRecord) {
	b, err := json.Marshal(end)
	if err != nil {
		log.Error("cannot marshal end record", "error", err)
		return
	}
	sess.mu.Lock()
	sess.end = b
	sess.endRec = end
	sess.mu.Unlock()
}

func (sess *session) endSummary() *endRecord {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.endRec
}

func (sess *session) setErrorText(text string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.errText = text
}

// jsonOutput returns the session's JSON document. It is empty if the test
// never started.
func (sess *session) jsonOutput() string {
	b, err := sess.document()
	if err != nil || b == nil {
		return ""
	}
	return string(b)
}

func (sess *session) document() (json.RawMessage, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.start == nil {
		return nil, nil
	}
	doc := document{
		Start:     sess.start,
		Intervals: sess.intervals,
		End:       sess.end,
		Error:     sess.errText,
	}
	if doc.Intervals == nil {
		doc.Intervals = []json.RawMessage{}
	}
	if doc.End == nil {
		doc.End = json.RawMessage("{}")
	}
	return json.Marshal(doc)
}

// close stops the streams and closes the control channel.
func (sess *session) close() {
	sess.closeOnce.Do(func() {
		sess.cancel()
		sess.stopStreams()
		sess.writeMu.Lock()
		if sess.ctrl != nil {
			sess.ctrl.Close()
		}
		sess.writeMu.Unlock()
	})
}
