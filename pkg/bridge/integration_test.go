package bridge

import (
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/perfbridge/pkg/bridge/model"
	"github.com/m-lab/perfbridge/pkg/bridge/spec"
	"github.com/m-lab/perfbridge/pkg/engine"
)

// freePort returns a port that was free at the time of the call.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	testingx.Must(t, err, "cannot listen")
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startBridgeServer(t *testing.T, b *Bridge) int {
	t.Helper()
	port := freePort(t)
	if !b.StartServer(port, false) {
		t.Fatalf("StartServer(%d) = false", port)
	}
	t.Cleanup(func() {
		b.StopServer()
	})
	return port
}

func TestIntegration_RunClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback test in short mode")
	}
	tests := []struct {
		name string
		cfg  func(c *model.Config)
		udp  bool
	}{
		{
			name: "tcp",
			cfg:  func(c *model.Config) {},
		},
		{
			name: "tcp-reverse-parallel",
			cfg: func(c *model.Config) {
				c.Reverse = true
				c.Parallel = 2
			},
		},
		{
			name: "udp-default-bandwidth",
			cfg: func(c *model.Config) {
				c.UDP = true
			},
			udp: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New()
			port := startBridgeServer(t, srv)

			b := New()
			cfg := model.Config{
				Host:     "127.0.0.1",
				Port:     port,
				Duration: 2,
				Parallel: 1,
			}
			tt.cfg(&cfg)

			var progress []model.Progress
			r := b.RunClient(cfg, func(p model.Progress) {
				progress = append(progress, p)
			})
			defer b.FreeResult(r)

			if !r.Success {
				t.Fatalf("RunClient() failed: %d %s", r.ErrorCode, r.ErrorMessage)
			}
			if r.JSONOutput == "" {
				t.Errorf("missing JSON output")
			}
			if r.SentBytes <= 0 || r.SentBitsPerSecond <= 0 {
				t.Errorf("nothing sent: %+v", r)
			}
			if len(progress) == 0 {
				t.Fatalf("no progress notifications")
			}
			for i, p := range progress {
				if p.Interval != i+1 {
					t.Errorf("notification %d has index %d", i, p.Interval)
				}
			}
			if tt.udp && r.MeanRTTMillis != 0 {
				t.Errorf("UDP result has an RTT")
			}
		})
	}
}

func TestIntegration_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	b := New()
	start := time.Now()
	r := b.RunClient(model.Config{
		Host:           "10.255.255.1",
		Port:           5201,
		Duration:       1,
		Parallel:       1,
		ConnectTimeout: 500 * time.Millisecond,
	}, nil)
	defer b.FreeResult(r)
	if r.Success || r.ErrorCode == 0 || r.ErrorMessage == "" {
		t.Errorf("RunClient() = %+v, want a failure", r)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("connect timeout not honored, took %v", d)
	}
}

func TestIntegration_Cancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback test in short mode")
	}
	srv := New()
	port := startBridgeServer(t, srv)

	b := New()
	go func() {
		time.Sleep(500 * time.Millisecond)
		b.RequestCancel()
	}()
	start := time.Now()
	r := b.RunClient(model.Config{
		Host:     "127.0.0.1",
		Port:     port,
		Duration: 10,
		Parallel: 1,
	}, nil)
	defer b.FreeResult(r)
	if r.Success || r.ErrorCode != int(engine.IECLIENTTERM) || r.ErrorMessage != spec.MsgCancelled {
		t.Errorf("RunClient() = %+v, want cancelled", r)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("cancellation took %v", d)
	}

	// The server accepts a new test once the cancelled one is torn down.
	var r2 *model.Result
	for i := 0; i < 20; i++ {
		r2 = b.RunClient(model.Config{
			Host:     "127.0.0.1",
			Port:     port,
			Duration: 1,
			Parallel: 1,
		}, nil)
		if r2.Success || r2.ErrorCode != int(engine.IEACCESSDENIED) {
			break
		}
		b.FreeResult(r2)
		time.Sleep(100 * time.Millisecond)
	}
	defer b.FreeResult(r2)
	if !r2.Success {
		t.Errorf("RunClient() after cancellation = %d %s", r2.ErrorCode, r2.ErrorMessage)
	}
}
