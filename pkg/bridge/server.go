package bridge

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/m-lab/perfbridge/internal/metrics"
	"github.com/m-lab/perfbridge/pkg/engine"
)

// StartServer starts a server test on port, on a background goroutine. It
// returns false, with no side effects, if a server is already running or
// the test cannot be created.
func (b *Bridge) StartServer(port int, udp bool) bool {
	if b.servers.Running() {
		log.Info("server already running")
		return false
	}
	test, err := b.engine.NewTest()
	if err != nil {
		log.Error("cannot create server test", "error", err)
		return false
	}
	test.SetRole(engine.RoleServer)
	test.SetPort(port)
	test.SetJSONOutput(true)
	test.SetOneOff(b.serverOpts.OneOff)
	test.SetDataDir(b.serverOpts.DataDir)
	protocol := engine.ProtocolTCP
	if udp {
		protocol = engine.ProtocolUDP
	}
	if err := test.SetProtocol(protocol); err != nil {
		log.Error("cannot set server protocol", "protocol", protocol, "error", err)
		test.Free()
		return false
	}
	if err := test.ServerListen(); err != nil {
		log.Error("cannot start server", "port", port, "error", err)
		test.Free()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := func(t Test) {
		rc := t.RunServer(ctx)
		if rc != 0 {
			errno := t.Errno()
			log.Error("server exited with an error", "port", port,
				"errno", int(errno), "error", t.Strerror(errno))
			return
		}
		log.Info("server exited", "port", port)
	}
	if err := b.servers.Start(test, cancel, run); err != nil {
		log.Info("server already running")
		cancel()
		test.Free()
		return false
	}
	metrics.ServerRunning.Set(1)
	log.Info("server started", "port", port, "udp", udp)
	return true
}

// StopServer stops the running server and waits for it to exit. Where
// asynchronous cancellation is not supported, it only waits, which may
// block until the server exits on its own. It returns false if no server
// is running.
func (b *Bridge) StopServer() bool {
	err := b.servers.Stop(b.asyncCancel, func(t Test) {
		t.Free()
	}, func() {
		if !b.asyncCancel {
			log.Warn("asynchronous cancellation unsupported, waiting for the server to exit")
		}
	})
	if err != nil {
		log.Info("no server running")
		return false
	}
	metrics.ServerRunning.Set(0)
	log.Info("server stopped")
	return true
}

// ServerExited returns a channel that is closed when the running server
// exits, e.g. after a one-off test. The server must still be stopped with
// StopServer. It returns nil if no server is running.
func (b *Bridge) ServerExited() <-chan struct{} {
	return b.servers.Exited()
}
