package measurer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-lab/tcp-info/tcp"
)

type fakeConnInfo struct {
	rtts []uint32
	err  error
}

func (f *fakeConnInfo) ByteCounters() (uint64, uint64) { return 0, 0 }
func (f *fakeConnInfo) AcceptTime() time.Time          { return time.Time{} }
func (f *fakeConnInfo) UUID() (string, error)          { return "fake", nil }
func (f *fakeConnInfo) GetCC() (string, error)         { return "", nil }
func (f *fakeConnInfo) SetCC(string) error             { return nil }
func (f *fakeConnInfo) SetWriteLimit(int64)            {}

func (f *fakeConnInfo) Info() (*tcp.LinuxTCPInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info := &tcp.LinuxTCPInfo{RTT: f.rtts[0]}
	if len(f.rtts) > 1 {
		f.rtts = f.rtts[1:]
	}
	return info, nil
}

func TestMeasurer_Summary(t *testing.T) {
	m := New(&fakeConnInfo{rtts: []uint32{300, 100, 200}})
	for i := 0; i < 3; i++ {
		m.Measure()
	}
	got := m.Summary()
	want := RTTSummary{Samples: 3, Min: 100, Max: 300, Mean: 200, Last: 200}
	if got != want {
		t.Errorf("Summary() = %+v, want %+v", got, want)
	}
}

func TestMeasurer_InfoError(t *testing.T) {
	m := New(&fakeConnInfo{err: errors.New("boom")})
	m.Measure()
	if got := m.Summary(); got.Samples != 0 {
		t.Errorf("expected no samples on error, got %+v", got)
	}
}

func TestMeasurer_Start(t *testing.T) {
	m := New(&fakeConnInfo{rtts: []uint32{1000}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Start(ctx)
	<-ctx.Done()
	if got := m.Summary(); got.Samples == 0 || got.Mean != 1000 {
		t.Errorf("Start() collected unexpected samples: %+v", got)
	}
}
