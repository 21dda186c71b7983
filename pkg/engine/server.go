package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/perfbridge/internal/metrics"
	"github.com/m-lab/perfbridge/internal/netx"
	"github.com/m-lab/perfbridge/internal/persistence"
	"github.com/m-lab/perfbridge/pkg/engine/spec"
)

// Datatype is the datatype of archived server results.
const Datatype = "perfbridge"

// ArchivalData is the record archived for each server-side test.
type ArchivalData struct {
	// UUID identifies the control connection's socket.
	UUID      string
	Cookie    string
	Protocol  string
	StartTime time.Time
	EndTime   time.Time

	// Socket-level byte counters of the TCP data streams.
	NetworkBytesReceived int64
	NetworkBytesSent     int64

	// Result is the JSON document of the test, as returned by
	// JSONOutputString.
	Result string
}

// ServerListen binds the TCP and UDP sockets of a server test. A zero port
// selects an ephemeral port, which is then returned by Port.
func (t *Test) ServerListen() error {
	t.srvMu.Lock()
	defer t.srvMu.Unlock()
	if t.listener != nil {
		return nil
	}
	tl, err := net.ListenTCP("tcp", &net.TCPAddr{Port: t.port})
	if err != nil {
		t.setError(IELISTEN, err)
		return err
	}
	port := tl.Addr().(*net.TCPAddr).Port
	uc, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		tl.Close()
		t.setError(IELISTEN, err)
		return err
	}
	t.port = port
	t.listener = netx.NewListener(tl)
	t.ctrlMu.Lock()
	t.closing = false
	t.ctrlMu.Unlock()
	t.udpConn = uc

	mux := http.NewServeMux()
	mux.HandleFunc(spec.ControlPath, t.handleControl)
	mux.HandleFunc(spec.StreamPath, t.handleStream)
	t.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: spec.ResultsTimeout,
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *session](spec.StreamSetupTimeout+spec.SessionGracePeriod),
		ttlcache.WithDisableTouchOnHit[string, *session](),
	)
	cache.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason,
		i *ttlcache.Item[string, *session]) {
		log.Debug("session evicted", "cookie", i.Key(), "reason", er)
	})
	t.sessions = cache
	return nil
}

// RunServer serves tests, one at a time, until ctx is done, SetDone is
// called, or, in one-off mode, the first test completes. It returns 0 on a
// clean shutdown and -1 on failure.
func (t *Test) RunServer(ctx context.Context) int {
	if t.role != RoleServer {
		t.setError(IENOROLE, nil)
		return -1
	}
	if err := t.ServerListen(); err != nil {
		return -1
	}
	t.SetState(IperfStart)
	log.Info("server listening", "port", t.port)

	t.srvMu.Lock()
	srv, ln, cache := t.srv, t.listener, t.sessions
	t.cacheStarted = true
	t.srvMu.Unlock()
	go cache.Start()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	go t.serveUDP()

	rc := 0
	select {
	case <-ctx.Done():
	case <-t.doneCh:
	case <-t.oneOffCh:
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			t.setError(IELISTEN, err)
			rc = -1
		}
	}
	t.closeServer()
	log.Info("server stopped", "port", t.port)
	return rc
}

// closeServer stops accepting tests, aborts the running one and waits for
// it to finish.
func (t *Test) closeServer() {
	t.srvMu.Lock()
	srv, uc, cache, started := t.srv, t.udpConn, t.sessions, t.cacheStarted
	t.srv, t.udpConn, t.sessions, t.listener = nil, nil, nil, nil
	t.cacheStarted = false
	t.srvMu.Unlock()
	if srv == nil {
		return
	}
	t.ctrlMu.Lock()
	t.closing = true
	sess := t.session
	t.ctrlMu.Unlock()

	srv.Close()
	uc.Close()
	if sess != nil && sess.role == RoleServer {
		sess.close()
		<-sess.finished
	}
	if started {
		cache.Stop()
	}
	cache.DeleteAll()
}

func (t *Test) cache() *ttlcache.Cache[string, *session] {
	t.srvMu.Lock()
	defer t.srvMu.Unlock()
	return t.sessions
}

func (t *Test) handleControl(rw http.ResponseWriter, req *http.Request) {
	cookie := req.URL.Query().Get("cookie")
	if len(cookie) != spec.CookieSize {
		log.Info("control request without a valid cookie", "source", req.RemoteAddr)
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	cache := t.cache()
	if cache == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrade(rw, req)
	if err != nil {
		log.Info("websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		return
	}
	if !t.busy.CompareAndSwap(false, true) {
		log.Info("server busy, test refused", "source", req.RemoteAddr)
		conn.WriteJSON(&message{State: AccessDenied})
		conn.Close()
		metrics.ServerTests.WithLabelValues("", "access_denied").Inc()
		return
	}

	sess := newSession(context.Background(), t, cookie, RoleServer)
	sess.ctrl = conn
	ci := netx.ToConnInfo(conn.UnderlyingConn())
	sess.acceptTime = ci.AcceptTime()
	sess.uuid, err = ci.UUID()
	if err != nil {
		// UUID() has a fallback that won't ever fail.
		log.Warn("cannot read socket UUID", "cookie", cookie, "error", err)
		sess.uuid = cookie
	}
	t.ctrlMu.Lock()
	if t.closing {
		t.ctrlMu.Unlock()
		conn.Close()
		t.busy.Store(false)
		return
	}
	t.session = sess
	t.ctrlMu.Unlock()
	cache.Set(cookie, sess, ttlcache.DefaultTTL)
	log.Info("test accepted", "source", req.RemoteAddr, "cookie", cookie, "uuid", sess.uuid)

	result, err := sess.serve()
	sess.close()
	cache.Delete(cookie)
	close(sess.finished)
	t.busy.Store(false)

	protocol := strings.ToLower(string(sess.params.Protocol))
	metrics.ServerTests.WithLabelValues(protocol, result).Inc()
	if err != nil {
		sess.setErrorText(err.Error())
		log.Info("test failed", "cookie", cookie, "result", result, "error", err)
	} else {
		log.Info("test completed", "cookie", cookie)
	}
	t.archive(sess, protocol)
	if t.oneOff {
		t.oneOffOnce.Do(func() { close(t.oneOffCh) })
	}
}

func (t *Test) archive(sess *session, protocol string) {
	if t.dataDir == "" {
		return
	}
	doc, err := sess.document()
	if err != nil {
		log.Error("cannot build result document", "cookie", sess.cookie, "error", err)
		return
	}
	if doc == nil {
		return
	}
	if protocol == "" {
		protocol = "unknown"
	}
	read, written := sess.networkBytes()
	data := &ArchivalData{
		UUID:                 sess.uuid,
		Cookie:               sess.cookie,
		Protocol:             protocol,
		StartTime:            sess.acceptTime,
		EndTime:              time.Now(),
		NetworkBytesReceived: int64(read),
		NetworkBytesSent:     int64(written),
		Result:               string(doc),
	}
	if _, err := persistence.WriteDataFile(t.dataDir, Datatype, protocol, sess.uuid, data); err != nil {
		log.Error("failed to write result", "uuid", sess.uuid, "error", err)
	}
}

func (t *Test) handleStream(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	cookie := q.Get("cookie")
	id, err := strconv.Atoi(q.Get("id"))
	cache := t.cache()
	if err != nil || cache == nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	item := cache.Get(cookie)
	if item == nil {
		log.Info("stream for unknown cookie", "source", req.RemoteAddr, "cookie", cookie)
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	sess := item.Value()
	conn, err := upgrade(rw, req)
	if err != nil {
		log.Info("websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		return
	}
	sender := sess.params.Reverse
	ci := netx.ToConnInfo(conn.UnderlyingConn())
	if cc := sess.params.Congestion; cc != "" {
		if err := ci.SetCC(cc); err != nil {
			log.Warn("cannot set congestion control", "cc", cc, "error", err)
		}
	}
	if sender && sess.params.Rate > 0 {
		ci.SetWriteLimit(int64(sess.params.Rate / 8))
	}
	if err := sess.addStream(newTCPStream(id, sender, conn)); err != nil {
		log.Info("stream rejected", "cookie", cookie, "error", err)
		conn.Close()
	}
}

// serveUDP reads datagrams from the server's UDP socket until it is closed.
func (t *Test) serveUDP() {
	t.srvMu.Lock()
	uc := t.udpConn
	t.srvMu.Unlock()
	if uc == nil {
		return
	}
	buf := make([]byte, spec.MaxUDPBlockSize)
	for {
		n, addr, err := uc.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug("datagram read failed", "error", err)
			continue
		}
		now := time.Now()
		h, ok := decodeHeader(buf[:n])
		if !ok {
			continue
		}
		switch h.kind {
		case udpHello:
			t.udpHello(uc, h, string(buf[spec.MinUDPBlockSize:n]), addr)
		case udpData:
			sess := t.currentSession()
			if sess == nil {
				continue
			}
			if s := sess.udpStream(addr.String()); s != nil {
				s.receive(h, n, now)
			}
		}
	}
}

func (t *Test) udpHello(uc *net.UDPConn, h udpHeader, cookie string, addr *net.UDPAddr) {
	cache := t.cache()
	if cache == nil {
		return
	}
	item := cache.Get(cookie)
	if item == nil {
		log.Debug("hello for unknown cookie", "source", addr)
		return
	}
	if err := item.Value().addUDPStream(int(h.stream), addr, uc); err != nil {
		log.Info("udp stream rejected", "cookie", cookie, "error", err)
		return
	}
	ack := make([]byte, spec.MinUDPBlockSize)
	reply := udpHeader{kind: udpAck, stream: h.stream, sent: time.Now().UnixNano()}
	reply.encode(ack)
	if _, err := uc.WriteToUDP(ack, addr); err != nil {
		log.Debug("cannot acknowledge udp stream", "error", err)
	}
}

// serve runs the server side of a session. It returns the result label and
// the error that ended the test, if any.
func (sess *session) serve() (string, error) {
	t := sess.t
	msgs := sess.readLoop()

	t.SetState(ParamExchange)
	if err := sess.send(&message{State: ParamExchange}); err != nil {
		return "error", fmt.Errorf("%w: %v", IESENDMESSAGE, err)
	}
	m, err := sess.next(msgs, spec.ResultsTimeout)
	if err != nil {
		return "error", fmt.Errorf("%w: %v", IERECVPARAMS, err)
	}
	if m.State == ClientTerminate {
		return "client_terminated", IECLIENTTERM
	}
	if m.Params == nil {
		return "error", IERECVPARAMS
	}
	p := *m.Params
	if errno := validateParams(p); errno != IENONE {
		sess.send(&message{State: ServerError, Errno: errno, Error: Strerror(errno)})
		return "error", errno
	}
	sess.params = p
	if c := t.cache(); c != nil {
		c.Set(sess.cookie, sess, time.Duration(p.Duration)*time.Second+spec.SessionGracePeriod)
	}
	log.Debug("test parameters", "cookie", sess.cookie, "protocol", p.Protocol,
		"streams", p.NumStreams, "duration", p.Duration, "reverse", p.Reverse)

	t.SetState(CreateStreams)
	if err := sess.send(&message{State: CreateStreams}); err != nil {
		return "error", fmt.Errorf("%w: %v", IESENDMESSAGE, err)
	}
	timer := time.NewTimer(spec.StreamSetupTimeout)
	defer timer.Stop()
	select {
	case <-sess.ready:
	case <-timer.C:
		sess.send(&message{State: ServerError, Errno: IECREATESTREAM, Error: "timed out waiting for streams"})
		return "error", IECREATESTREAM
	case m, ok := <-msgs:
		if ok && m.State == ClientTerminate {
			return "client_terminated", IECLIENTTERM
		}
		return "error", fmt.Errorf("%w: %v", IERECVMESSAGE, sess.readErr())
	case <-sess.ctx.Done():
		sess.send(&message{State: ServerTerminate})
		return "server_terminated", IESERVERTERM
	}

	t.SetState(TestStart)
	sess.recordStart()
	if err := sess.send(&message{State: TestStart}); err != nil {
		return "error", fmt.Errorf("%w: %v", IESENDMESSAGE, err)
	}
	t.SetState(TestRunning)
	if err := sess.send(&message{State: TestRunning}); err != nil {
		return "error", fmt.Errorf("%w: %v", IESENDMESSAGE, err)
	}
	sess.startStreams()

	ticker := time.NewTicker(spec.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			sess.tick(now)
		case <-sess.ctx.Done():
			sess.send(&message{State: ServerTerminate})
			return "server_terminated", IESERVERTERM
		case m, ok := <-msgs:
			if !ok {
				return "error", fmt.Errorf("%w: %v", IERECVMESSAGE, sess.readErr())
			}
			switch m.State {
			case TestEnd:
				sess.finishStreams(time.Now())
				t.SetState(TestEnd)
				return sess.exchangeResults(msgs)
			case ClientTerminate:
				sess.stopStreams()
				return "client_terminated", IECLIENTTERM
			default:
				return "error", fmt.Errorf("%w: unexpected state %v", IERECVMESSAGE, m.State)
			}
		}
	}
}

// exchangeResults runs the final phase of a server session.
func (sess *session) exchangeResults(msgs <-chan *message) (string, error) {
	t := sess.t
	t.SetState(ExchangeResults)
	if err := sess.send(&message{State: ExchangeResults}); err != nil {
		return "error", fmt.Errorf("%w: %v", IESENDMESSAGE, err)
	}
	m, err := sess.next(msgs, spec.ResultsTimeout)
	if err != nil {
		return "error", fmt.Errorf("%w: %v", IERECVRESULTS, err)
	}
	if m.Results == nil {
		return "error", IERECVRESULTS
	}
	sess.remote = m.Results
	local := sess.localResults()
	if err := sess.send(&message{State: ExchangeResults, Results: local}); err != nil {
		return "error", fmt.Errorf("%w: %v", IESENDRESULTS, err)
	}
	sess.recordEnd(sess.buildEnd(local, sess.remote))
	t.SetState(DisplayResults)
	t.callReporter()
	if err := sess.send(&message{State: DisplayResults}); err != nil {
		return "error", fmt.Errorf("%w: %v", IESENDMESSAGE, err)
	}
	if m, err := sess.next(msgs, spec.ResultsTimeout); err != nil || m.State != IperfDone {
		log.Debug("no IPERF_DONE from client", "cookie", sess.cookie, "error", err)
	}
	t.SetState(IperfDone)
	return "ok", nil
}
