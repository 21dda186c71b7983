package engine

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/perfbridge/internal/measurer"
	"github.com/m-lab/perfbridge/internal/netx"
	"github.com/m-lab/perfbridge/pkg/engine/spec"
	"golang.org/x/time/rate"
)

// stream is a single data stream of a test.
type stream struct {
	id       int
	sender   bool
	protocol Protocol

	// TCP streams.
	ws       *websocket.Conn
	connInfo netx.ConnInfo
	measurer *measurer.Measurer
	cc       string

	// UDP streams. Client streams own a connected socket, server streams
	// share the server's socket and send to addr.
	udp  *net.UDPConn
	addr *net.UDPAddr
	own  bool

	bytes   atomic.Int64
	packets atomic.Int64

	mu    sync.Mutex
	stats udpStats

	// Interval bookkeeping, only touched by the session goroutine.
	lastBytes   int64
	lastPackets int64
	lastLost    int64
	retrans     int64

	startTime time.Time
	endTime   time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func newTCPStream(id int, sender bool, conn *websocket.Conn) *stream {
	s := &stream{
		id:       id,
		sender:   sender,
		protocol: ProtocolTCP,
		ws:       conn,
	}
	if c, ok := conn.UnderlyingConn().(*netx.Conn); ok {
		s.connInfo = c
		if cc, err := c.GetCC(); err == nil {
			s.cc = cc
		}
		if sender {
			s.measurer = measurer.New(c)
		}
	}
	return s
}

func newUDPStream(id int, sender bool, conn *net.UDPConn, addr *net.UDPAddr, own bool) *stream {
	return &stream{
		id:       id,
		sender:   sender,
		protocol: ProtocolUDP,
		udp:      conn,
		addr:     addr,
		own:      own,
	}
}

// start starts the goroutines moving data on this stream. They run until ctx
// is done or the stream is stopped.
func (s *stream) start(ctx context.Context, blockSize int, bps uint64) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()
	if s.measurer != nil {
		s.measurer.Start(ctx)
	}
	var run func(context.Context)
	switch {
	case s.protocol == ProtocolTCP && s.sender:
		run = func(ctx context.Context) { s.sendTCP(ctx, blockSize) }
	case s.protocol == ProtocolTCP:
		run = s.receiveTCP
	case s.sender:
		run = func(ctx context.Context) { s.sendUDP(ctx, blockSize, bps) }
	case s.own:
		run = s.receiveUDP
	default:
		// Server-side UDP receivers are fed by the server's socket loop.
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx)
	}()
}

// stop closes the stream's connection and waits for its goroutines.
func (s *stream) stop() {
	s.stopOnce.Do(func() {
		s.endTime = time.Now()
		if s.cancel != nil {
			s.cancel()
		}
		if s.protocol == ProtocolTCP && s.sender {
			// TCP_INFO is unavailable once the socket is closed.
			if s.measurer != nil {
				s.measurer.Measure()
			}
			s.retrans = s.retransmits()
		}
		if s.ws != nil {
			s.ws.Close()
		}
		if s.udp != nil && s.own {
			s.udp.Close()
		}
		s.wg.Wait()
	})
}

func (s *stream) sendTCP(ctx context.Context, size int) {
	data := make([]byte, size)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(data)
	msg, err := websocket.NewPreparedMessage(websocket.BinaryMessage, data)
	if err != nil {
		log.Error("cannot prepare message", "stream", s.id, "error", err)
		return
	}
	for ctx.Err() == nil {
		if err := s.ws.WritePreparedMessage(msg); err != nil {
			if ctx.Err() == nil {
				log.Debug("stream write failed", "stream", s.id, "error", err)
			}
			return
		}
		s.bytes.Add(int64(size))
	}
}

func (s *stream) receiveTCP(ctx context.Context) {
	for {
		kind, reader, err := s.ws.NextReader()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("stream read failed", "stream", s.id, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		n, err := io.Copy(io.Discard, reader)
		s.bytes.Add(n)
		if err != nil {
			return
		}
	}
}

func (s *stream) sendUDP(ctx context.Context, size int, bps uint64) {
	if bps == 0 {
		bps = spec.DefaultUDPRate
	}
	limiter := rate.NewLimiter(rate.Limit(float64(bps)/8), size)
	buf := make([]byte, size)
	h := udpHeader{kind: udpData, stream: uint32(s.id)}
	for {
		if err := limiter.WaitN(ctx, size); err != nil {
			return
		}
		h.seq++
		h.sent = time.Now().UnixNano()
		h.encode(buf)
		var err error
		if s.own {
			_, err = s.udp.Write(buf)
		} else {
			_, err = s.udp.WriteToUDP(buf, s.addr)
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("datagram write failed", "stream", s.id, "error", err)
			}
			// Transient errors such as ENOBUFS or ECONNREFUSED do not end
			// the test.
			continue
		}
		s.bytes.Add(int64(size))
		s.packets.Add(1)
	}
}

func (s *stream) receiveUDP(ctx context.Context) {
	buf := make([]byte, spec.MaxUDPBlockSize)
	for {
		n, err := s.udp.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Debug("datagram read failed", "stream", s.id, "error", err)
			return
		}
		h, ok := decodeHeader(buf[:n])
		if !ok || h.kind != udpData {
			continue
		}
		s.receive(h, n, time.Now())
	}
}

// receive accounts for a data datagram of n bytes.
func (s *stream) receive(h udpHeader, n int, now time.Time) {
	s.bytes.Add(int64(n))
	s.packets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.update(h.seq, time.Unix(0, h.sent), now)
}

func (s *stream) udpStats() udpStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// retransmits returns the total retransmissions of a TCP stream, when
// available.
func (s *stream) retransmits() int64 {
	if s.connInfo == nil {
		return 0
	}
	info, err := s.connInfo.Info()
	if err != nil || info == nil {
		return 0
	}
	return int64(info.TotalRetrans)
}

// result returns the final result of this stream. Times are relative to
// testStart.
func (s *stream) result(testStart time.Time) streamResult {
	r := streamResult{
		ID:        s.id,
		Bytes:     s.bytes.Load(),
		Packets:   s.packets.Load(),
		StartTime: s.startTime.Sub(testStart).Seconds(),
		EndTime:   s.endTime.Sub(testStart).Seconds(),
	}
	if s.protocol == ProtocolTCP && s.sender {
		r.Retransmits = s.retrans
		if s.measurer != nil {
			rtt := s.measurer.Summary()
			r.MinRTT, r.MaxRTT, r.MeanRTT = rtt.Min, rtt.Max, rtt.Mean
		}
	}
	if s.protocol == ProtocolUDP && !s.sender {
		st := s.udpStats()
		r.Jitter = st.jitter
		r.Errors = st.lost
		r.OutOfOrder = st.outOfOrder
	}
	return r
}
