package bridge

import (
	"github.com/charmbracelet/log"
	"github.com/m-lab/perfbridge/internal/metrics"
	"github.com/m-lab/perfbridge/pkg/engine"
)

// RequestCancel asks the running client test, if any, to terminate. It does
// not wait for the test to stop: RunClient returns a cancelled Result once
// the engine unwinds. It is safe to call from any goroutine at any time.
func (b *Bridge) RequestCancel() {
	if !b.clients.CancelActive(signalTerminate) {
		log.Debug("cancellation requested with no running test")
		metrics.CancelRequests.WithLabelValues("no_test").Inc()
		return
	}
	metrics.CancelRequests.WithLabelValues("signalled").Inc()
}

// cancelTest cancels test only if it is the running client test.
func (b *Bridge) cancelTest(test Test) {
	if b.clients.Cancel(test, signalTerminate) {
		metrics.CancelRequests.WithLabelValues("signalled").Inc()
	}
}

// signalTerminate marks test as done and asks the peer to terminate. It is
// called with the client registry locked.
func signalTerminate(test Test) {
	log.Info("cancellation requested, signalling the running test")
	test.SetDone()
	test.SetState(engine.ClientTerminate)
	if err := test.SendState(engine.ClientTerminate); err != nil {
		log.Warn("failed to send CLIENT_TERMINATE to the server", "error", err)
	}
}
