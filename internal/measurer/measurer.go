// Package measurer samples the kernel's TCP_INFO round-trip time of a
// connection while a test is running.
package measurer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/perfbridge/internal/netx"
)

const (
	// MinMeasureInterval is the minimum interval between subsequent samples.
	MinMeasureInterval = 100 * time.Millisecond
	// AvgMeasureInterval is the average interval between subsequent samples.
	AvgMeasureInterval = 250 * time.Millisecond
	// MaxMeasureInterval is the maximum interval between subsequent samples.
	MaxMeasureInterval = 400 * time.Millisecond
)

// RTTSummary aggregates the RTT samples taken so far. All values are in
// microseconds, as reported by the kernel.
type RTTSummary struct {
	Samples int
	Min     uint32
	Max     uint32
	Mean    uint32
	Last    uint32
}

// Measurer collects RTT samples for a single connection.
type Measurer struct {
	conn netx.ConnInfo

	mu      sync.Mutex
	summary RTTSummary
	sum     uint64
}

// New returns a Measurer for conn.
func New(conn netx.ConnInfo) *Measurer {
	return &Measurer{conn: conn}
}

// Start starts a goroutine that samples TCP_INFO at memoryless intervals
// until ctx is done.
func (m *Measurer) Start(ctx context.Context) {
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      MinMeasureInterval,
		Expected: AvgMeasureInterval,
		Max:      MaxMeasureInterval,
	})
	// This can only error if min/expected/max above are set to invalid
	// values. Since they are constants, we panic here.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")

	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Measure()
			}
		}
	}()
}

// Measure takes a single sample. Platforms without TCP_INFO produce no
// samples.
func (m *Measurer) Measure() {
	info, err := m.conn.Info()
	if err != nil {
		if !errors.Is(err, tcpinfox.ErrNoSupport) && !errors.Is(err, netx.ErrNoFile) {
			log.Debug("cannot read tcp_info", "error", err)
		}
		return
	}
	if info == nil || info.RTT == 0 {
		return
	}
	m.add(info.RTT)
}

func (m *Measurer) add(rtt uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.summary
	if s.Samples == 0 || rtt < s.Min {
		s.Min = rtt
	}
	if rtt > s.Max {
		s.Max = rtt
	}
	s.Samples++
	s.Last = rtt
	m.sum += uint64(rtt)
	s.Mean = uint32(m.sum / uint64(s.Samples))
}

// Summary returns a copy of the current RTT summary.
func (m *Measurer) Summary() RTTSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}
