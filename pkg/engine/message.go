package engine

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/perfbridge/pkg/engine/spec"
)

var errTimeout = errors.New("timed out waiting for control message")

// params are the test parameters sent by the client.
type params struct {
	Protocol      Protocol `json:"protocol"`
	Duration      int      `json:"time"`
	NumStreams    int      `json:"parallel"`
	Reverse       bool     `json:"reverse,omitempty"`
	BlockSize     int      `json:"len"`
	Rate          uint64   `json:"bandwidth,omitempty"`
	Congestion    string   `json:"congestion,omitempty"`
	ClientVersion string   `json:"client_version"`
}

// streamResult is the per-stream result exchanged at the end of a test.
type streamResult struct {
	ID          int     `json:"id"`
	Bytes       int64   `json:"bytes"`
	Retransmits int64   `json:"retransmits"`
	Jitter      float64 `json:"jitter"`
	Errors      int64   `json:"errors"`
	OutOfOrder  int64   `json:"omitted_errors"`
	Packets     int64   `json:"packets"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	MinRTT      uint32  `json:"min_rtt,omitempty"`
	MaxRTT      uint32  `json:"max_rtt,omitempty"`
	MeanRTT     uint32  `json:"mean_rtt,omitempty"`
}

// results is the result set exchanged at the end of a test.
type results struct {
	SenderHasRetransmits int            `json:"sender_has_retransmits"`
	CongestionUsed       string         `json:"congestion_used,omitempty"`
	Streams              []streamResult `json:"streams"`
}

// message is a control channel message.
type message struct {
	State   State    `json:"state"`
	Params  *params  `json:"params,omitempty"`
	Results *results `json:"results,omitempty"`
	Errno   Errno    `json:"errno,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// upgrade takes a HTTP request and upgrades the connection to WebSocket.
func upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  spec.DefaultTCPBlockSize,
		WriteBufferSize: spec.DefaultTCPBlockSize,
	}
	return u.Upgrade(w, r, h)
}

// send writes m on the control channel. It is safe for concurrent use.
func (sess *session) send(m *message) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if sess.ctrl == nil {
		return ErrNoControl
	}
	sess.ctrl.SetWriteDeadline(time.Now().Add(spec.ResultsTimeout))
	return sess.ctrl.WriteJSON(m)
}

// readLoop reads control messages until the connection fails. The returned
// channel is closed on the first read error, which is then available
// through readErr.
func (sess *session) readLoop() <-chan *message {
	ch := make(chan *message, 8)
	sess.ctrl.SetReadLimit(spec.MaxControlMessageSize)
	go func() {
		defer close(ch)
		for {
			m := &message{}
			if err := sess.ctrl.ReadJSON(m); err != nil {
				sess.mu.Lock()
				sess.rerr = err
				sess.mu.Unlock()
				return
			}
			select {
			case ch <- m:
			case <-sess.ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (sess *session) readErr() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.rerr == nil {
		return errors.New("control channel closed")
	}
	return sess.rerr
}

// next waits up to timeout for the next control message.
func (sess *session) next(msgs <-chan *message, timeout time.Duration) (*message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, ok := <-msgs:
		if !ok {
			return nil, sess.readErr()
		}
		return m, nil
	case <-timer.C:
		return nil, errTimeout
	case <-sess.ctx.Done():
		return nil, sess.ctx.Err()
	}
}
