package engine

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
)

type connected struct {
	Socket     int    `json:"socket"`
	LocalHost  string `json:"local_host,omitempty"`
	RemoteHost string `json:"remote_host,omitempty"`
}

type connectingTo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type timestamp struct {
	Time     string `json:"time"`
	Timesecs int64  `json:"timesecs"`
}

type testStart struct {
	Protocol      Protocol `json:"protocol"`
	NumStreams    int      `json:"num_streams"`
	Blksize       int      `json:"blksize"`
	Duration      int      `json:"duration"`
	Reverse       int      `json:"reverse"`
	TargetBitrate uint64   `json:"target_bitrate"`
}

type startRecord struct {
	Connected     []connected   `json:"connected"`
	Version       string        `json:"version"`
	SystemInfo    string        `json:"system_info"`
	Timestamp     timestamp     `json:"timestamp"`
	ConnectingTo  *connectingTo `json:"connecting_to,omitempty"`
	Cookie        string        `json:"cookie"`
	TargetBitrate uint64        `json:"target_bitrate,omitempty"`
	TestStart     testStart     `json:"test_start"`
}

// summary is a stream or sum record, in intervals and in the end record.
type summary struct {
	Socket        int     `json:"socket,omitempty"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Seconds       float64 `json:"seconds"`
	Bytes         int64   `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
	Retransmits   *int64  `json:"retransmits,omitempty"`
	RTT           uint32  `json:"rtt,omitempty"`
	MaxRTT        uint32  `json:"max_rtt,omitempty"`
	MinRTT        uint32  `json:"min_rtt,omitempty"`
	MeanRTT       uint32  `json:"mean_rtt,omitempty"`
	JitterMS      float64 `json:"jitter_ms"`
	LostPackets   int64   `json:"lost_packets"`
	Packets       int64   `json:"packets"`
	LostPercent   float64 `json:"lost_percent"`
	OutOfOrder    int64   `json:"out_of_order,omitempty"`
	Omitted       bool    `json:"omitted"`
	Sender        bool    `json:"sender"`
}

type intervalRecord struct {
	Streams []summary `json:"streams"`
	Sum     summary   `json:"sum"`
}

type endStream struct {
	Sender   *summary `json:"sender,omitempty"`
	Receiver *summary `json:"receiver,omitempty"`
	UDP      *summary `json:"udp,omitempty"`
}

type endRecord struct {
	Streams               []endStream `json:"streams"`
	Sum                   *summary    `json:"sum,omitempty"`
	SumSent               summary     `json:"sum_sent"`
	SumReceived           summary     `json:"sum_received"`
	SenderTCPCongestion   string      `json:"sender_tcp_congestion,omitempty"`
	ReceiverTCPCongestion string      `json:"receiver_tcp_congestion,omitempty"`
}

type document struct {
	Start     json.RawMessage   `json:"start"`
	Intervals []json.RawMessage `json:"intervals"`
	End       json.RawMessage   `json:"end"`
	Error     string            `json:"error,omitempty"`
}

func bitsPerSecond(bytes int64, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return float64(bytes) * 8 / seconds
}

func lostPercent(lost, packets int64) float64 {
	total := lost + packets
	if total <= 0 {
		return 0
	}
	return 100 * float64(lost) / float64(total)
}

// defaultReporter appends the pending interval record while the test is
// running, and logs human-readable lines when JSON output is disabled.
func (t *Test) defaultReporter() {
	sess := t.currentSession()
	if sess == nil {
		return
	}
	switch t.State() {
	case TestRunning:
		rec := sess.takePending()
		if rec == nil {
			return
		}
		b, err := json.Marshal(rec)
		if err != nil {
			log.Error("cannot marshal interval", "error", err)
			return
		}
		sess.appendInterval(b)
		if !t.jsonOutput {
			log.Info("interval", "start", fmt.Sprintf("%.2f", rec.Sum.Start),
				"end", fmt.Sprintf("%.2f", rec.Sum.End), "bytes", rec.Sum.Bytes,
				"Mbps", fmt.Sprintf("%.2f", rec.Sum.BitsPerSecond/1e6))
		}
	case DisplayResults:
		if t.jsonOutput {
			return
		}
		end := sess.endSummary()
		if end == nil {
			return
		}
		log.Info("sender", "bytes", end.SumSent.Bytes,
			"Mbps", fmt.Sprintf("%.2f", end.SumSent.BitsPerSecond/1e6))
		log.Info("receiver", "bytes", end.SumReceived.Bytes,
			"Mbps", fmt.Sprintf("%.2f", end.SumReceived.BitsPerSecond/1e6))
	}
}

// collectInterval computes the interval record ending at now and stores it
// as the pending record for the reporter.
func (sess *session) collectInterval(now time.Time) {
	start := sess.lastTick.Sub(sess.startTime).Seconds()
	end := now.Sub(sess.startTime).Seconds()
	secs := end - start
	rec := &intervalRecord{
		Sum: summary{Start: start, End: end, Seconds: secs},
	}
	var jitter float64
	var udpReceivers int
	for _, s := range sess.getStreams() {
		total := s.bytes.Load()
		bytes := total - s.lastBytes
		s.lastBytes = total
		sum := summary{
			Socket:        s.id,
			Start:         start,
			End:           end,
			Seconds:       secs,
			Bytes:         bytes,
			BitsPerSecond: bitsPerSecond(bytes, secs),
			Sender:        s.sender,
		}
		if s.protocol == ProtocolUDP {
			packets := s.packets.Load()
			sum.Packets = packets - s.lastPackets
			s.lastPackets = packets
			if !s.sender {
				st := s.udpStats()
				sum.JitterMS = st.jitter * 1000
				sum.LostPackets = st.lost - s.lastLost
				s.lastLost = st.lost
				sum.LostPercent = lostPercent(sum.LostPackets, sum.Packets)
				jitter += sum.JitterMS
				udpReceivers++
			}
		} else if s.sender && s.measurer != nil {
			sum.RTT = s.measurer.Summary().Last
		}
		rec.Streams = append(rec.Streams, sum)
		rec.Sum.Bytes += sum.Bytes
		rec.Sum.Packets += sum.Packets
		rec.Sum.LostPackets += sum.LostPackets
		rec.Sum.Sender = s.sender
	}
	rec.Sum.BitsPerSecond = bitsPerSecond(rec.Sum.Bytes, secs)
	if udpReceivers > 0 {
		rec.Sum.JitterMS = jitter / float64(udpReceivers)
		rec.Sum.LostPercent = lostPercent(rec.Sum.LostPackets, rec.Sum.Packets)
	}
	sess.lastTick = now

	sess.mu.Lock()
	sess.pending = rec
	sess.mu.Unlock()
}

// buildEnd builds the end record from the local and remote results.
func (sess *session) buildEnd(local, remote *results) *endRecord {
	senderRes, receiverRes := local, remote
	if !sess.localIsSender() {
		senderRes, receiverRes = remote, local
	}
	if senderRes == nil {
		senderRes = &results{}
	}
	if receiverRes == nil {
		receiverRes = &results{}
	}
	udp := sess.params.Protocol == ProtocolUDP
	end := &endRecord{
		SumSent:     summary{Sender: true},
		SumReceived: summary{},
	}
	if !udp {
		end.SenderTCPCongestion = senderRes.CongestionUsed
		end.ReceiverTCPCongestion = receiverRes.CongestionUsed
	}
	byID := map[int]streamResult{}
	for _, r := range receiverRes.Streams {
		byID[r.ID] = r
	}
	var (
		jitter      float64
		lost        int64
		outOfOrder  int64
		sentPackets int64
		retrans     int64
	)
	for _, sr := range senderRes.Streams {
		rr := byID[sr.ID]
		sent := streamSummary(sr, true)
		recv := streamSummary(rr, false)
		recv.Socket = sr.ID
		if udp {
			u := streamSummary(sr, true)
			u.JitterMS = rr.Jitter * 1000
			u.LostPackets = rr.Errors
			u.Packets = sr.Packets
			u.LostPercent = lostPercent(rr.Errors, sr.Packets-rr.Errors)
			u.OutOfOrder = rr.OutOfOrder
			end.Streams = append(end.Streams, endStream{UDP: &u})
			jitter += u.JitterMS
			lost += rr.Errors
			outOfOrder += rr.OutOfOrder
			sentPackets += sr.Packets
		} else {
			r := sr.Retransmits
			sent.Retransmits = &r
			retrans += r
			sent.MinRTT, sent.MaxRTT, sent.MeanRTT = sr.MinRTT, sr.MaxRTT, sr.MeanRTT
			end.Streams = append(end.Streams, endStream{Sender: &sent, Receiver: &recv})
		}
		addSummary(&end.SumSent, sent)
		addSummary(&end.SumReceived, recv)
	}
	if !udp {
		end.SumSent.Retransmits = &retrans
	}
	if udp && len(senderRes.Streams) > 0 {
		sum := end.SumSent
		sum.Sender = false
		sum.JitterMS = jitter / float64(len(senderRes.Streams))
		sum.LostPackets = lost
		sum.Packets = sentPackets
		sum.LostPercent = lostPercent(lost, sentPackets-lost)
		sum.OutOfOrder = outOfOrder
		end.Sum = &sum
		end.SumReceived.JitterMS = sum.JitterMS
		end.SumReceived.LostPackets = lost
		end.SumReceived.LostPercent = sum.LostPercent
	}
	return end
}

func streamSummary(r streamResult, sender bool) summary {
	secs := r.EndTime - r.StartTime
	return summary{
		Socket:        r.ID,
		Start:         0,
		End:           secs,
		Seconds:       secs,
		Bytes:         r.Bytes,
		BitsPerSecond: bitsPerSecond(r.Bytes, secs),
		Packets:       r.Packets,
		Sender:        sender,
	}
}

// addSummary adds s to the running sum, keeping the longest duration.
func addSummary(sum *summary, s summary) {
	sum.Bytes += s.Bytes
	sum.Packets += s.Packets
	if s.Seconds > sum.Seconds {
		sum.Seconds = s.Seconds
		sum.End = s.End
	}
	sum.BitsPerSecond = bitsPerSecond(sum.Bytes, sum.Seconds)
}

func (sess *session) startRecord() *startRecord {
	now := time.Now().UTC()
	p := sess.params
	rec := &startRecord{
		Version:    "perfbridge " + Version,
		SystemInfo: runtime.GOOS + " " + runtime.GOARCH,
		Timestamp: timestamp{
			Time:     now.Format(time.RFC1123),
			Timesecs: now.Unix(),
		},
		Cookie: sess.cookie,
		TestStart: testStart{
			Protocol:      p.Protocol,
			NumStreams:    p.NumStreams,
			Blksize:       p.BlockSize,
			Duration:      p.Duration,
			TargetBitrate: p.Rate,
		},
		TargetBitrate: p.Rate,
	}
	if p.Reverse {
		rec.TestStart.Reverse = 1
	}
	if sess.role == RoleClient {
		rec.ConnectingTo = &connectingTo{Host: sess.t.host, Port: sess.t.port}
	}
	for _, s := range sess.getStreams() {
		c := connected{Socket: s.id}
		if s.ws != nil {
			c.LocalHost = s.ws.LocalAddr().String()
			c.RemoteHost = s.ws.RemoteAddr().String()
		} else if s.own {
			c.LocalHost = s.udp.LocalAddr().String()
			c.RemoteHost = s.udp.RemoteAddr().String()
		} else if s.addr != nil {
			c.LocalHost = s.udp.LocalAddr().String()
			c.RemoteHost = s.addr.String()
		}
		rec.Connected = append(rec.Connected, c)
	}
	return rec
}
