package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/perfbridge/internal/netx"
	"github.com/m-lab/perfbridge/pkg/engine/spec"
)

// params returns the parameters announced to the server.
func (t *Test) params() params {
	return params{
		Protocol:      t.protocol,
		Duration:      t.duration,
		NumStreams:    t.numStreams,
		Reverse:       t.reverse,
		BlockSize:     t.BlockSize(),
		Rate:          t.rate,
		Congestion:    t.cc,
		ClientVersion: Version,
	}
}

// validateParams checks p and returns the matching error indicator.
func validateParams(p params) Errno {
	switch {
	case p.Protocol != ProtocolTCP && p.Protocol != ProtocolUDP:
		return IEPROTOCOL
	case p.Duration <= 0:
		return IEDURATION
	case p.NumStreams < 1 || p.NumStreams > spec.MaxStreams:
		return IENUMSTREAMS
	case p.Protocol == ProtocolUDP &&
		(p.BlockSize < spec.MinUDPBlockSize || p.BlockSize > spec.MaxUDPBlockSize):
		return IEUDPBLOCKSIZE
	case p.BlockSize <= 0 || p.BlockSize > spec.MaxTCPBlockSize:
		return IEBLOCKSIZE
	}
	return IENONE
}

// dialer returns a websocket.Dialer whose connections are netx.Conns with
// the test's congestion control applied. When limit is true and a rate is
// configured, writes are capped to it.
func (t *Test) dialer(limit bool) *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			conn, err := netx.FromTCPConn(c.(*net.TCPConn))
			if err != nil {
				c.Close()
				return nil, err
			}
			if t.cc != "" {
				if err := conn.SetCC(t.cc); err != nil {
					log.Warn("cannot set congestion control", "cc", t.cc, "error", err)
				}
			}
			if limit && t.rate > 0 {
				conn.SetWriteLimit(int64(t.rate / 8))
			}
			return conn, nil
		},
		ReadBufferSize:  spec.DefaultTCPBlockSize,
		WriteBufferSize: spec.DefaultTCPBlockSize,
	}
}

func (t *Test) serviceURL(path string, q url.Values) *url.URL {
	q.Set("cookie", t.cookie)
	return &url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(t.host, strconv.Itoa(t.port)),
		Path:     path,
		RawQuery: q.Encode(),
	}
}

func (t *Test) dial(ctx context.Context, u *url.URL, limit bool) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := t.dialer(limit).DialContext(ctx, u.String(), headers)
	return conn, err
}

// RunClient runs the client side of a test and blocks until it completes.
// It returns 0 on success and -1 on failure, with the error indicator set.
// A server refusing the test because it is busy sets the error indicator
// to IEACCESSDENIED and returns 0.
func (t *Test) RunClient() int {
	if t.role != RoleClient {
		t.setError(IENOROLE, nil)
		return -1
	}
	if t.host == "" {
		t.setError(IECONNECT, errors.New("no server hostname"))
		return -1
	}
	p := t.params()
	if errno := validateParams(p); errno != IENONE {
		t.setError(errno, nil)
		return -1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.doneCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sess := newSession(ctx, t, t.cookie, RoleClient)
	sess.params = p
	t.setSession(sess)
	defer sess.close()
	t.SetState(IperfStart)

	dialCtx, dialCancel := context.WithTimeout(ctx, t.connectTimeout)
	conn, err := t.dial(dialCtx, t.serviceURL(spec.ControlPath, url.Values{}), false)
	dialCancel()
	if err != nil {
		if t.Done() {
			return t.terminated(sess)
		}
		t.setError(IECONNECT, err)
		return -1
	}
	sess.writeMu.Lock()
	sess.ctrl = conn
	sess.writeMu.Unlock()
	log.Debug("control connection established", "server", conn.RemoteAddr(), "cookie", t.cookie)

	msgs := sess.readLoop()
	var (
		tickC  <-chan time.Time
		timerC <-chan time.Time
	)
	for {
		select {
		case <-t.doneCh:
			return t.terminated(sess)

		case now := <-tickC:
			sess.tick(now)

		case <-timerC:
			timerC, tickC = nil, nil
			sess.finishStreams(time.Now())
			t.SetState(TestEnd)
			if err := sess.send(&message{State: TestEnd}); err != nil {
				t.setError(IESENDMESSAGE, err)
				return -1
			}

		case m, ok := <-msgs:
			if !ok {
				if t.Done() {
					return t.terminated(sess)
				}
				t.setError(IERECVMESSAGE, sess.readErr())
				return -1
			}
			log.Debug("control message", "state", m.State)
			switch m.State {
			case ParamExchange:
				t.SetState(ParamExchange)
				if err := sess.send(&message{State: ParamExchange, Params: &p}); err != nil {
					t.setError(IESENDPARAMS, err)
					return -1
				}

			case CreateStreams:
				t.SetState(CreateStreams)
				if errno, err := t.connectStreams(sess); err != nil {
					if t.Done() {
						return t.terminated(sess)
					}
					t.setError(errno, err)
					return -1
				}

			case TestStart:
				t.SetState(TestStart)
				sess.recordStart()

			case TestRunning:
				t.SetState(TestRunning)
				sess.startStreams()
				ticker := time.NewTicker(spec.ReportInterval)
				defer ticker.Stop()
				timer := time.NewTimer(time.Duration(t.duration) * time.Second)
				defer timer.Stop()
				tickC, timerC = ticker.C, timer.C

			case ExchangeResults:
				t.SetState(ExchangeResults)
				if m.Results != nil {
					sess.remote = m.Results
					continue
				}
				if err := sess.send(&message{State: ExchangeResults, Results: sess.localResults()}); err != nil {
					t.setError(IESENDRESULTS, err)
					return -1
				}

			case DisplayResults:
				if sess.remote == nil {
					t.setError(IERECVRESULTS, errors.New("no results from server"))
					return -1
				}
				sess.recordEnd(sess.buildEnd(sess.localResults(), sess.remote))
				t.SetState(DisplayResults)
				t.callReporter()
				if err := sess.send(&message{State: IperfDone}); err != nil {
					log.Debug("cannot send IPERF_DONE", "error", err)
				}
				t.SetState(IperfDone)
				return 0

			case AccessDenied:
				t.SetState(AccessDenied)
				t.setError(IEACCESSDENIED, nil)
				return 0

			case ServerError:
				errno := m.Errno
				if errno == IENONE {
					errno = IESERVERTERM
				}
				var cause error
				if m.Error != "" {
					cause = errors.New(m.Error)
				}
				t.setError(errno, cause)
				sess.setErrorText(t.Strerror(errno))
				return -1

			case ServerTerminate:
				sess.stopStreams()
				t.setError(IESERVERTERM, nil)
				sess.setErrorText(t.Strerror(IESERVERTERM))
				return -1

			default:
				t.setError(IERECVMESSAGE, fmt.Errorf("unexpected state %v", m.State))
				return -1
			}
		}
	}
}

// terminated unwinds a client run that was marked done.
func (t *Test) terminated(sess *session) int {
	if t.State() == ClientTerminate {
		// Best effort, the peer may already be gone.
		sess.send(&message{State: ClientTerminate})
	}
	sess.stopStreams()
	t.setError(IECLIENTTERM, nil)
	sess.setErrorText(t.Strerror(IECLIENTTERM))
	log.Debug("client run terminated", "cookie", t.cookie)
	return -1
}

// connectStreams opens the data streams of a client session.
func (t *Test) connectStreams(sess *session) (Errno, error) {
	sender := !t.reverse
	for id := 1; id <= t.numStreams; id++ {
		var s *stream
		if t.protocol == ProtocolUDP {
			conn, err := t.dialUDP(sess.ctx, id)
			if err != nil {
				return IESTREAMCONN, err
			}
			s = newUDPStream(id, sender, conn, nil, true)
		} else {
			ctx, cancel := context.WithTimeout(sess.ctx, t.connectTimeout)
			q := url.Values{}
			q.Set("id", strconv.Itoa(id))
			conn, err := t.dial(ctx, t.serviceURL(spec.StreamPath, q), sender)
			cancel()
			if err != nil {
				return IESTREAMCONN, err
			}
			s = newTCPStream(id, sender, conn)
		}
		if err := sess.addStream(s); err != nil {
			s.stop()
			return IECREATESTREAM, err
		}
	}
	return IENONE, nil
}

func (t *Test) dialUDP(ctx context.Context, id int) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(t.host, strconv.Itoa(t.port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	if err := udpHandshake(ctx, conn, id, t.cookie); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
