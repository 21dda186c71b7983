package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/m-lab/perfbridge/pkg/engine/spec"
)

// Datagram types.
const (
	udpData  byte = 0x01
	udpHello byte = 0x02
	udpAck   byte = 0x03
)

const udpHelloRetry = 250 * time.Millisecond

// udpHeader is the header of every datagram:
//
//	byte 0      type
//	bytes 1-3   padding
//	bytes 4-7   stream id, big endian
//	bytes 8-15  sequence number, big endian
//	bytes 16-23 send time, nanoseconds since the Unix epoch
type udpHeader struct {
	kind   byte
	stream uint32
	seq    uint64
	sent   int64
}

func (h *udpHeader) encode(b []byte) {
	b[0] = h.kind
	b[1], b[2], b[3] = 0, 0, 0
	binary.BigEndian.PutUint32(b[4:8], h.stream)
	binary.BigEndian.PutUint64(b[8:16], h.seq)
	binary.BigEndian.PutUint64(b[16:24], uint64(h.sent))
}

func decodeHeader(b []byte) (udpHeader, bool) {
	if len(b) < spec.MinUDPBlockSize {
		return udpHeader{}, false
	}
	h := udpHeader{
		kind:   b[0],
		stream: binary.BigEndian.Uint32(b[4:8]),
		seq:    binary.BigEndian.Uint64(b[8:16]),
		sent:   int64(binary.BigEndian.Uint64(b[16:24])),
	}
	switch h.kind {
	case udpData, udpHello, udpAck:
		return h, true
	}
	return udpHeader{}, false
}

// udpStats are the receiver-side statistics of a UDP stream.
type udpStats struct {
	expected    uint64
	lost        int64
	outOfOrder  int64
	jitter      float64
	prevTransit float64
	haveTransit bool
}

// update accounts for a datagram with sequence number seq, sent at sent and
// received at now. Jitter is computed as in RFC 1889, in seconds.
func (u *udpStats) update(seq uint64, sent, now time.Time) {
	if u.expected == 0 {
		u.expected = 1
	}
	if seq >= u.expected {
		if seq > u.expected {
			u.lost += int64(seq - u.expected)
		}
		u.expected = seq + 1
	} else {
		u.outOfOrder++
		if u.lost > 0 {
			u.lost--
		}
	}
	transit := now.Sub(sent).Seconds()
	if u.haveTransit {
		d := math.Abs(transit - u.prevTransit)
		u.jitter += (d - u.jitter) / 16.0
	}
	u.prevTransit = transit
	u.haveTransit = true
}

// udpHandshake announces the stream id and cookie to the server until it
// acknowledges them.
func udpHandshake(ctx context.Context, conn *net.UDPConn, id int, cookie string) error {
	hello := make([]byte, spec.MinUDPBlockSize+len(cookie))
	h := udpHeader{kind: udpHello, stream: uint32(id), sent: time.Now().UnixNano()}
	h.encode(hello)
	copy(hello[spec.MinUDPBlockSize:], cookie)

	buf := make([]byte, spec.MinUDPBlockSize)
	deadline := time.Now().Add(spec.StreamSetupTimeout)
	defer conn.SetReadDeadline(time.Time{})
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.Write(hello); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(udpHelloRetry))
		n, err := conn.Read(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return err
		}
		ack, ok := decodeHeader(buf[:n])
		if ok && ack.kind == udpAck && ack.stream == uint32(id) {
			return nil
		}
	}
	return fmt.Errorf("no acknowledgement for UDP stream %d", id)
}
