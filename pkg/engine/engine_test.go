package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/testingx"
)

type endDoc struct {
	Start struct {
		Cookie    string `json:"cookie"`
		TestStart struct {
			Protocol   string `json:"protocol"`
			NumStreams int    `json:"num_streams"`
		} `json:"test_start"`
	} `json:"start"`
	Intervals []intervalRecord `json:"intervals"`
	End       struct {
		SumSent     summary  `json:"sum_sent"`
		SumReceived summary  `json:"sum_received"`
		Sum         *summary `json:"sum"`
		Streams     []struct {
			Sender *summary `json:"sender"`
			UDP    *summary `json:"udp"`
		} `json:"streams"`
	} `json:"end"`
}

// startServer starts a server test on an ephemeral port. The returned
// function stops it and returns RunServer's result.
func startServer(t *testing.T, configure func(*Test)) (*Test, func() int) {
	t.Helper()
	srv, err := New()
	testingx.Must(t, err, "cannot create server test")
	srv.SetRole(RoleServer)
	srv.SetPort(0)
	srv.SetJSONOutput(true)
	if configure != nil {
		configure(srv)
	}
	testingx.Must(t, srv.ServerListen(), "cannot listen")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- srv.RunServer(ctx)
	}()
	stop := func() int {
		cancel()
		select {
		case rc := <-done:
			srv.Free()
			return rc
		case <-time.After(10 * time.Second):
			t.Fatalf("server did not stop")
		}
		return -1
	}
	return srv, stop
}

func newClient(t *testing.T, port int) *Test {
	t.Helper()
	c, err := New()
	testingx.Must(t, err, "cannot create client test")
	c.SetRole(RoleClient)
	c.SetServerHostname("127.0.0.1")
	c.SetPort(port)
	c.SetDuration(1)
	c.SetJSONOutput(true)
	return c
}

func TestNew(t *testing.T) {
	test, err := New()
	testingx.Must(t, err, "cannot create test")
	if len(test.Cookie()) != 36 {
		t.Errorf("invalid cookie %q", test.Cookie())
	}
	if test.Port() != 5201 || test.Duration() != 10 || test.NumStreams() != 1 {
		t.Errorf("unexpected defaults")
	}
	if test.Protocol() != ProtocolTCP || test.BlockSize() != 128<<10 {
		t.Errorf("unexpected default protocol or block size")
	}
	if test.ReporterCallback() == nil {
		t.Errorf("missing default reporter")
	}
	if test.JSONOutputString() != "" {
		t.Errorf("JSON output before running")
	}
	test.Free()
	test.Free()
}

func TestTest_SetProtocol(t *testing.T) {
	test, err := New()
	testingx.Must(t, err, "cannot create test")
	if err := test.SetProtocol(ProtocolUDP); err != nil {
		t.Fatalf("SetProtocol(UDP) failed: %v", err)
	}
	if test.BlockSize() != 1460 {
		t.Errorf("UDP block size = %d, want 1460", test.BlockSize())
	}
	err = test.SetProtocol("SCTP")
	if !errors.Is(err, IEPROTOCOL) || test.Errno() != IEPROTOCOL {
		t.Errorf("SetProtocol(SCTP) = %v, errno %d", err, test.Errno())
	}
	test.ClearErrno()
	if test.Errno() != IENONE {
		t.Errorf("ClearErrno() did not clear the indicator")
	}
}

func TestTest_SendState(t *testing.T) {
	test, err := New()
	testingx.Must(t, err, "cannot create test")
	if err := test.SendState(ClientTerminate); !errors.Is(err, ErrNoControl) {
		t.Errorf("SendState() = %v, want ErrNoControl", err)
	}
	test.SetState(ClientTerminate)
	if test.State() != ClientTerminate {
		t.Errorf("State() = %v", test.State())
	}
	test.SetDone()
	test.SetDone()
	if !test.Done() {
		t.Errorf("Done() = false after SetDone()")
	}
}

func TestValidateParams(t *testing.T) {
	valid := params{Protocol: ProtocolTCP, Duration: 1, NumStreams: 1, BlockSize: 1024}
	tests := []struct {
		name   string
		change func(p *params)
		want   Errno
	}{
		{"valid", func(p *params) {}, IENONE},
		{"protocol", func(p *params) { p.Protocol = "x" }, IEPROTOCOL},
		{"duration", func(p *params) { p.Duration = 0 }, IEDURATION},
		{"streams", func(p *params) { p.NumStreams = 129 }, IENUMSTREAMS},
		{"blocksize", func(p *params) { p.BlockSize = 2 << 20 }, IEBLOCKSIZE},
		{"udp-blocksize", func(p *params) {
			p.Protocol = ProtocolUDP
			p.BlockSize = 10
		}, IEUDPBLOCKSIZE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.change(&p)
			if got := validateParams(p); got != tt.want {
				t.Errorf("validateParams() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStrerror(t *testing.T) {
	if Strerror(IEACCESSDENIED) != "the server is busy running a test. try again later" {
		t.Errorf("unexpected message %q", Strerror(IEACCESSDENIED))
	}
	if Strerror(Errno(9999)) != "unknown error 9999" {
		t.Errorf("unexpected message %q", Strerror(Errno(9999)))
	}
}

func TestTest_RunClient(t *testing.T) {
	tests := []struct {
		name     string
		protocol Protocol
		reverse  bool
		streams  int
		rate     uint64
	}{
		{name: "tcp", protocol: ProtocolTCP, streams: 1},
		{name: "tcp-reverse-parallel", protocol: ProtocolTCP, reverse: true, streams: 2},
		{name: "tcp-rate", protocol: ProtocolTCP, streams: 1, rate: 8 << 20},
		{name: "udp", protocol: ProtocolUDP, streams: 1, rate: 1000000},
		{name: "udp-reverse-parallel", protocol: ProtocolUDP, reverse: true, streams: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, stop := startServer(t, nil)
			defer stop()

			c := newClient(t, srv.Port())
			defer c.Free()
			testingx.Must(t, c.SetProtocol(tt.protocol), "cannot set protocol")
			c.SetReverse(tt.reverse)
			c.SetNumStreams(tt.streams)
			c.SetRate(tt.rate)

			reports := 0
			inner := c.ReporterCallback()
			c.SetReporterCallback(func() {
				inner()
				reports++
			})

			if rc := c.RunClient(); rc != 0 {
				t.Fatalf("RunClient() = %d, errno %d (%s)", rc, c.Errno(), c.Strerror(c.Errno()))
			}
			if c.Errno() != IENONE {
				t.Errorf("unexpected errno %d", c.Errno())
			}
			if c.State() != IperfDone {
				t.Errorf("State() = %v, want IPERF_DONE", c.State())
			}
			if reports < 2 {
				t.Errorf("reporter called %d times, want at least 2", reports)
			}

			var doc endDoc
			testingx.Must(t, json.Unmarshal([]byte(c.JSONOutputString()), &doc), "invalid JSON output")
			if doc.Start.Cookie != c.Cookie() {
				t.Errorf("cookie = %q, want %q", doc.Start.Cookie, c.Cookie())
			}
			if doc.Start.TestStart.Protocol != string(tt.protocol) ||
				doc.Start.TestStart.NumStreams != tt.streams {
				t.Errorf("unexpected test_start %+v", doc.Start.TestStart)
			}
			if len(doc.Intervals) == 0 || len(doc.Intervals) != c.IntervalCount() {
				t.Errorf("got %d intervals, IntervalCount() = %d", len(doc.Intervals), c.IntervalCount())
			}
			if c.Interval(0) == nil || c.Interval(c.IntervalCount()) != nil {
				t.Errorf("Interval() returned unexpected records")
			}
			if doc.End.SumSent.Bytes <= 0 || doc.End.SumReceived.Bytes <= 0 {
				t.Errorf("no bytes transferred: %+v", doc.End)
			}
			if doc.End.SumSent.BitsPerSecond <= 0 {
				t.Errorf("invalid sent bits per second")
			}
			if len(doc.End.Streams) != tt.streams {
				t.Errorf("got %d end streams, want %d", len(doc.End.Streams), tt.streams)
			}
			if tt.protocol == ProtocolUDP {
				if doc.End.Sum == nil || doc.End.Sum.Packets == 0 {
					t.Errorf("missing UDP sum: %+v", doc.End.Sum)
				}
				if doc.End.Streams[0].UDP == nil {
					t.Errorf("missing UDP stream summary")
				}
			} else if doc.End.Streams[0].Sender == nil {
				t.Errorf("missing TCP sender summary")
			}

			// The server keeps the last session.
			if srv.JSONOutputString() == "" {
				t.Errorf("server has no JSON output")
			}
		})
	}
}

func TestTest_RunClientDefaultReporterOnly(t *testing.T) {
	srv, stop := startServer(t, nil)
	defer stop()
	c := newClient(t, srv.Port())
	defer c.Free()
	c.SetJSONOutput(false)
	if rc := c.RunClient(); rc != 0 {
		t.Fatalf("RunClient() = %d, errno %d", rc, c.Errno())
	}
	if c.JSONOutputString() != "" {
		t.Errorf("JSON output with JSON disabled")
	}
	if c.IntervalCount() == 0 {
		t.Errorf("no intervals recorded")
	}
}

func TestTest_RunClientBusy(t *testing.T) {
	srv, stop := startServer(t, nil)
	defer stop()
	srv.busy.Store(true)
	defer srv.busy.Store(false)

	c := newClient(t, srv.Port())
	defer c.Free()
	if rc := c.RunClient(); rc != 0 {
		t.Fatalf("RunClient() = %d, want 0", rc)
	}
	if c.Errno() != IEACCESSDENIED {
		t.Errorf("Errno() = %d, want IEACCESSDENIED", c.Errno())
	}
	if c.JSONOutputString() != "" {
		t.Errorf("unexpected JSON output for a refused test")
	}
}

func TestTest_RunClientTerminate(t *testing.T) {
	srv, stop := startServer(t, nil)
	defer stop()

	c := newClient(t, srv.Port())
	defer c.Free()
	c.SetDuration(10)

	go func() {
		time.Sleep(500 * time.Millisecond)
		c.SetDone()
		c.SetState(ClientTerminate)
		c.SendState(ClientTerminate)
	}()
	start := time.Now()
	if rc := c.RunClient(); rc != -1 {
		t.Fatalf("RunClient() = %d, want -1", rc)
	}
	if c.Errno() != IECLIENTTERM {
		t.Errorf("Errno() = %d, want IECLIENTTERM", c.Errno())
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("termination took %v", time.Since(start))
	}
}

func TestTest_RunClientErrors(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		testingx.Must(t, err, "cannot listen")
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		c := newClient(t, port)
		defer c.Free()
		if rc := c.RunClient(); rc != -1 || c.Errno() != IECONNECT {
			t.Errorf("RunClient() = %d, errno %d", rc, c.Errno())
		}
		if c.Strerror(IECONNECT) == Strerror(IECONNECT) {
			t.Errorf("Strerror() does not include the cause")
		}
	})
	t.Run("no-role", func(t *testing.T) {
		c := newClient(t, 5201)
		c.SetRole(RoleUnset)
		if rc := c.RunClient(); rc != -1 || c.Errno() != IENOROLE {
			t.Errorf("RunClient() = %d, errno %d", rc, c.Errno())
		}
	})
	t.Run("no-host", func(t *testing.T) {
		c := newClient(t, 5201)
		c.SetServerHostname("")
		if rc := c.RunClient(); rc != -1 || c.Errno() != IECONNECT {
			t.Errorf("RunClient() = %d, errno %d", rc, c.Errno())
		}
	})
	t.Run("bad-streams", func(t *testing.T) {
		c := newClient(t, 5201)
		c.SetNumStreams(0)
		if rc := c.RunClient(); rc != -1 || c.Errno() != IENUMSTREAMS {
			t.Errorf("RunClient() = %d, errno %d", rc, c.Errno())
		}
	})
}

func TestTest_RunServerOneOff(t *testing.T) {
	dir := t.TempDir()
	srv, err := New()
	testingx.Must(t, err, "cannot create server test")
	srv.SetRole(RoleServer)
	srv.SetPort(0)
	srv.SetOneOff(true)
	srv.SetDataDir(dir)
	testingx.Must(t, srv.ServerListen(), "cannot listen")
	defer srv.Free()

	done := make(chan int, 1)
	go func() {
		done <- srv.RunServer(context.Background())
	}()

	c := newClient(t, srv.Port())
	defer c.Free()
	if rc := c.RunClient(); rc != 0 {
		t.Fatalf("RunClient() = %d, errno %d", rc, c.Errno())
	}
	select {
	case rc := <-done:
		if rc != 0 {
			t.Errorf("RunServer() = %d, want 0", rc)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("one-off server did not return")
	}

	files, err := filepath.Glob(filepath.Join(dir, Datatype, "*", "*", "*", "*.json"))
	testingx.Must(t, err, "cannot list archive")
	if len(files) != 1 {
		t.Fatalf("got %d archive files, want 1", len(files))
	}
	b, err := os.ReadFile(files[0])
	testingx.Must(t, err, "cannot read archive")
	var data ArchivalData
	testingx.Must(t, json.Unmarshal(b, &data), "cannot unmarshal archive")
	if data.UUID == "" || !strings.Contains(filepath.Base(files[0]), data.UUID) {
		t.Errorf("archive %s has UUID %q", files[0], data.UUID)
	}
	if data.Cookie != c.Cookie() || data.Protocol != "tcp" {
		t.Errorf("archive cookie = %q, protocol = %q", data.Cookie, data.Protocol)
	}
	if data.StartTime.IsZero() || data.EndTime.Before(data.StartTime) {
		t.Errorf("invalid archive times %v - %v", data.StartTime, data.EndTime)
	}
	// The client sends, the server's stream sockets receive.
	if data.NetworkBytesReceived == 0 {
		t.Errorf("no network bytes received")
	}
	var doc endDoc
	testingx.Must(t, json.Unmarshal([]byte(data.Result), &doc), "cannot unmarshal archived result")
	if doc.Start.Cookie != c.Cookie() || doc.End.SumReceived.Bytes == 0 {
		t.Errorf("archived result does not match the test")
	}
}

func TestTest_RunServerErrors(t *testing.T) {
	srv, err := New()
	testingx.Must(t, err, "cannot create server test")
	if rc := srv.RunServer(context.Background()); rc != -1 || srv.Errno() != IENOROLE {
		t.Errorf("RunServer() without role = %d, errno %d", rc, srv.Errno())
	}

	ln, err := net.Listen("tcp", ":0")
	testingx.Must(t, err, "cannot listen")
	defer ln.Close()
	srv.SetRole(RoleServer)
	srv.SetPort(ln.Addr().(*net.TCPAddr).Port)
	if rc := srv.RunServer(context.Background()); rc != -1 || srv.Errno() != IELISTEN {
		t.Errorf("RunServer() on a busy port = %d, errno %d", rc, srv.Errno())
	}
}

func TestTest_FreeStopsServer(t *testing.T) {
	srv, err := New()
	testingx.Must(t, err, "cannot create server test")
	srv.SetRole(RoleServer)
	srv.SetPort(0)
	done := make(chan int, 1)
	go func() {
		done <- srv.RunServer(context.Background())
	}()
	time.Sleep(100 * time.Millisecond)
	srv.Free()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Free() did not stop the server")
	}
}

func TestTest_archiveInvalidDocument(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	dir := t.TempDir()
	tt := &Test{dataDir: dir}
	sess := &session{t: tt, cookie: "invalid-doc", start: json.RawMessage(`{"truncated":`)}
	tt.archive(sess, "tcp")

	if !strings.Contains(buf.String(), "cannot build result document") {
		t.Errorf("document error not logged: %q", buf.String())
	}
	entries, err := os.ReadDir(dir)
	testingx.Must(t, err, "cannot read data dir")
	if len(entries) != 0 {
		t.Errorf("archive written for an invalid document: %v", entries)
	}
}
