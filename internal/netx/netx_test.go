package netx_test

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/perfbridge/internal/netx"
)

func dialAsync(t *testing.T, addr string) {
	go func() {
		// Because the socket already exists, Dial will block until Accept is
		// called below.
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Errorf("unexpected failure to dial local conn: %v", err)
			return
		}
		// Wait until primary test routine closes conn and returns.
		buf := make([]byte, 1)
		c.Read(buf)
		c.Close()
	}()
}

func acceptOne(t *testing.T) netx.ConnInfo {
	tcpl, err := net.ListenTCP("tcp", &net.TCPAddr{})
	rtx.Must(err, "failed to create listener")
	l := netx.NewListener(tcpl)
	t.Cleanup(func() { l.Close() })
	dialAsync(t, tcpl.Addr().String())
	got, err := l.Accept()
	if err != nil {
		t.Fatalf("Listener.Accept() unexpected error = %v", err)
	}
	t.Cleanup(func() { got.Close() })
	c, ok := got.(netx.ConnInfo)
	if !ok {
		t.Fatalf("Listener.Accept() wrong Conn type = %T, want netx.Conn", got)
	}
	return c
}

func TestListener_Accept(t *testing.T) {
	c := acceptOne(t)
	// Check that the AcceptTime is in the past minute (i.e. that it has been
	// initialized).
	if time.Since(c.AcceptTime()) > 1*time.Minute {
		t.Fatalf("invalid accept time")
	}

	// Accept error due to closed listener.
	tcpl, err := net.ListenTCP("tcp", &net.TCPAddr{})
	rtx.Must(err, "failed to create listener")
	l := netx.NewListener(tcpl)
	tcpl.Close()
	_, err = l.Accept()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestConn_UUID(t *testing.T) {
	c := acceptOne(t)
	id, err := c.UUID()
	if err != nil || id == "" {
		t.Errorf("UUID() = %q, %v", id, err)
	}
}

func TestConn_ByteCountersAndWriteLimit(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := &netx.Conn{Conn: client}
	defer conn.Close()
	// A zero limit must leave the connection untouched.
	conn.SetWriteLimit(0)
	if conn.Conn != client {
		t.Fatalf("SetWriteLimit(0) replaced the connection")
	}
	conn.SetWriteLimit(1 << 20)
	if conn.Conn == client {
		t.Fatalf("SetWriteLimit() did not wrap the connection")
	}

	go io.Copy(io.Discard, server)
	payload := make([]byte, 1024)
	n, err := conn.Write(payload)
	rtx.Must(err, "write failed")
	if n != len(payload) {
		t.Fatalf("short write %d", n)
	}
	read, written := conn.ByteCounters()
	if read != 0 || written != uint64(len(payload)) {
		t.Errorf("ByteCounters() = %d, %d", read, written)
	}
}

func TestConn_NoFile(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := &netx.Conn{Conn: client}
	defer conn.Close()
	if _, err := conn.Info(); err != netx.ErrNoFile {
		t.Errorf("Info() error = %v, want ErrNoFile", err)
	}
	if err := conn.SetCC("cubic"); err == nil {
		t.Errorf("SetCC() without a file should fail")
	}
	if id, err := conn.UUID(); err != nil || id == "" {
		t.Errorf("UUID() fallback failed: %q, %v", id, err)
	}
}

func TestToConnInfo(t *testing.T) {
	// NOTE: because we cannot synthetically create a tls.Conn that wraps a
	// netx.Conn, we must setup an httptest server with TLS enabled. While we
	// do that, we use it to validate the regular HTTP server netx.Conn as
	// well.
	fakeHTTPReply := "HTTP/1.0 200 OK\n\ntest"
	tests := []struct {
		name    string
		withTLS bool
	}{
		{
			name:    "success-Conn",
			withTLS: false,
		},
		{
			name:    "success-tls.Conn",
			withTLS: true,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		hj, ok := rw.(http.Hijacker)
		if !ok {
			t.Errorf("httptest Server does not support Hijacker interface")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("failed to hijack responsewriter")
			return
		}
		defer conn.Close()
		// Write a fake reply for the client.
		conn.Write([]byte(fakeHTTPReply))

		// Extract the ConnInfo from the hijacked conn.
		if got := netx.ToConnInfo(conn); got == nil {
			t.Errorf("ToConnInfo() failed to return ConnInfo from conn")
		}
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := httptest.NewUnstartedServer(mux)
			// Setup local listener using our Listener rather than the default.
			laddr := &net.TCPAddr{
				IP: net.ParseIP("127.0.0.1"),
			}
			tcpl, err := net.ListenTCP("tcp", laddr)
			rtx.Must(err, "failed to listen during unit test")
			s.Listener = netx.NewListener(tcpl)
			if tt.withTLS {
				s.StartTLS()
			} else {
				s.Start()
			}
			defer s.Close()

			// Use the server-provided client for TLS settings.
			c := s.Client()
			req, err := http.NewRequest(http.MethodGet, s.URL, nil)
			rtx.Must(err, "Failed to create request to %s", s.URL)
			resp, err := c.Do(req)
			rtx.Must(err, "failed to GET %s", s.URL)
			b, err := io.ReadAll(resp.Body)
			rtx.Must(err, "failed to read reply from %s", s.URL)

			if string(b) != "test" {
				t.Errorf("failed to receive reply from server")
			}
		})
	}
}

func TestToConnInfoPanic(t *testing.T) {
	// Verify that unsupported net.Conn types cause a panic.
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("ToConnInfo did not panic on an unsupported type.")
		}
	}()

	netx.ToConnInfo(&net.UDPConn{})
}
