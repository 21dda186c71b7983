package bridge

import (
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/m-lab/perfbridge/internal/metrics"
	"github.com/m-lab/perfbridge/pkg/bridge/model"
	"github.com/m-lab/perfbridge/pkg/engine"
)

// intervalSum is the subset of an interval record read by the relay.
type intervalSum struct {
	Bytes         int64   `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
	JitterMS      float64 `json:"jitter_ms"`
	LostPackets   int     `json:"lost_packets"`
}

type intervalRecord struct {
	Sum         *intervalSum `json:"sum"`
	SumSent     *intervalSum `json:"sum_sent"`
	SumReceived *intervalSum `json:"sum_received"`
}

// relay turns the engine's reporter calls into progress notifications. It
// wraps the reporter that was installed before it, which is always called
// first.
type relay struct {
	test     Test
	inner    engine.ReporterFunc
	progress ProgressFunc
	udp      bool

	// reported is the number of intervals already delivered.
	reported int
}

func newRelay(test Test, inner engine.ReporterFunc, progress ProgressFunc, udp bool) *relay {
	return &relay{
		test:     test,
		inner:    inner,
		progress: progress,
		udp:      udp,
	}
}

// report is the reporter hook installed on the test.
func (r *relay) report() {
	if r.inner != nil {
		r.inner()
	}
	count := r.test.IntervalCount()
	for i := r.reported; i < count; i++ {
		if r.progress == nil {
			continue
		}
		r.progress(r.progressAt(i))
		metrics.ProgressIntervals.Inc()
	}
	if count > r.reported {
		r.reported = count
	}
}

// progressAt extracts the progress of the i-th interval. Missing or invalid
// fields are reported as zero.
func (r *relay) progressAt(i int) model.Progress {
	p := model.Progress{Interval: i + 1}
	raw := r.test.Interval(i)
	if raw == nil {
		log.Debug("missing interval record", "index", i)
		return p
	}
	var rec intervalRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		log.Debug("invalid interval record", "index", i, "error", err)
		return p
	}
	sum := rec.Sum
	if sum == nil {
		sum = rec.SumSent
	}
	if sum == nil {
		sum = rec.SumReceived
	}
	if sum == nil {
		return p
	}
	p.Bytes = sum.Bytes
	p.BitsPerSecond = sum.BitsPerSecond
	if r.udp {
		p.JitterMillis = sum.JitterMS
		p.LostPackets = sum.LostPackets
	}
	return p
}

// reset clears the relay's state.
func (r *relay) reset() {
	r.reported = 0
	r.progress = nil
}
