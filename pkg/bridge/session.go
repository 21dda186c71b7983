package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/m-lab/perfbridge/internal/metrics"
	"github.com/m-lab/perfbridge/pkg/bridge/model"
	"github.com/m-lab/perfbridge/pkg/bridge/spec"
	"github.com/m-lab/perfbridge/pkg/engine"
)

// validate checks the caller-supplied configuration.
func validate(cfg *model.Config) error {
	switch {
	case cfg.Host == "":
		return errors.New("host must not be empty")
	case cfg.Port < 1 || cfg.Port > 65535:
		return fmt.Errorf("invalid port %d", cfg.Port)
	case cfg.Duration <= 0:
		return fmt.Errorf("invalid duration %d", cfg.Duration)
	case cfg.Parallel < 1 || cfg.Parallel > spec.MaxParallel:
		return fmt.Errorf("invalid number of parallel streams %d", cfg.Parallel)
	case cfg.Bandwidth < 0:
		return fmt.Errorf("invalid bandwidth %d", cfg.Bandwidth)
	case cfg.ConnectTimeout < 0:
		return fmt.Errorf("invalid connect timeout %v", cfg.ConnectTimeout)
	}
	return nil
}

// RunClient runs a client test and blocks until it completes. Progress
// notifications are delivered to progress, if not nil, on the calling
// goroutine before RunClient returns. The returned Result must be released
// with FreeResult.
func (b *Bridge) RunClient(cfg model.Config, progress ProgressFunc) *model.Result {
	return b.run(context.Background(), cfg, progress)
}

// run is RunClient, with the test cancelled when ctx is done.
func (b *Bridge) run(ctx context.Context, cfg model.Config, progress ProgressFunc) *model.Result {
	result := b.newResult()
	outcome := b.runClient(ctx, &cfg, progress, result)
	metrics.ClientRuns.WithLabelValues(outcome).Inc()
	if result.Success {
		log.Info("client test completed", "host", cfg.Host, "port", cfg.Port,
			"sent_mbps", result.SentMbps, "received_mbps", result.ReceivedMbps)
	} else {
		log.Error("client test failed", "host", cfg.Host, "port", cfg.Port,
			"error", result.ErrorMessage, "code", result.ErrorCode)
	}
	return result
}

// runClient populates result and returns the outcome label.
func (b *Bridge) runClient(ctx context.Context, cfg *model.Config, progress ProgressFunc, result *model.Result) string {
	if err := validate(cfg); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = spec.ErrCodeInvalidConfig
		return "invalid_config"
	}

	test, err := b.engine.NewTest()
	if err != nil {
		log.Error("cannot create test", "error", err)
		result.ErrorMessage = spec.MsgNewTestFailed
		result.ErrorCode = int(engine.IENEWTEST)
		return "new_test_failed"
	}

	test.SetRole(engine.RoleClient)
	test.SetReverse(cfg.Reverse)
	test.SetNumStreams(cfg.Parallel)
	test.SetDuration(cfg.Duration)
	test.SetServerHostname(cfg.Host)
	test.SetPort(cfg.Port)
	test.SetJSONOutput(true)
	if cfg.CongestionControl != "" {
		test.SetCongestionControl(cfg.CongestionControl)
	}
	if cfg.ConnectTimeout > 0 {
		test.SetConnectTimeout(cfg.ConnectTimeout)
	}

	saved := test.ReporterCallback()
	r := newRelay(test, saved, progress, cfg.UDP)
	test.SetReporterCallback(r.report)
	defer func() {
		test.SetReporterCallback(saved)
		r.reset()
		test.ClearErrno()
		test.Free()
	}()

	protocol := engine.ProtocolTCP
	if cfg.UDP {
		protocol = engine.ProtocolUDP
	}
	if err := test.SetProtocol(protocol); err != nil {
		errno := test.Errno()
		result.ErrorMessage = test.Strerror(errno)
		result.ErrorCode = int(errno)
		if errno == engine.IENONE {
			result.ErrorMessage = fmt.Sprintf("cannot set protocol %s: %v", protocol, err)
			result.ErrorCode = int(engine.IEPROTOCOL)
		}
		return "protocol_failed"
	}
	if cfg.UDP {
		test.SetBlockSize(0)
		bandwidth := cfg.Bandwidth
		if bandwidth == 0 {
			bandwidth = spec.DefaultUDPBandwidth
		}
		test.SetRate(uint64(bandwidth))
	} else if cfg.Bandwidth > 0 {
		test.SetRate(uint64(cfg.Bandwidth))
	}
	log.Debug("client test configured", "host", cfg.Host, "port", cfg.Port,
		"duration", cfg.Duration, "parallel", cfg.Parallel, "reverse", cfg.Reverse,
		"transport", cfg.Transport(), "bandwidth", cfg.Bandwidth)

	if err := b.clients.Register(test); err != nil {
		// The only registration failure is registry.ErrAlreadyRegistered.
		result.ErrorMessage = spec.MsgAlreadyRunning
		result.ErrorCode = spec.ErrCodeAlreadyRunning
		return "already_running"
	}
	// The registration is cleared even if the engine panics.
	cleared := false
	var cancelled bool
	deregister := func() {
		if !cleared {
			cleared = true
			cancelled = b.clients.Clear()
		}
	}
	defer deregister()

	stop := context.AfterFunc(ctx, func() {
		b.cancelTest(test)
	})
	defer stop()
	test.ClearErrno()
	rc := test.RunClient()
	stop()
	deregister()

	return classify(test, rc, cancelled, cfg.UDP, result)
}

// classify populates result from the outcome of a run and returns the
// outcome label. Cancellation takes precedence over any other outcome.
func classify(test Test, rc int, cancelled, udp bool, result *model.Result) string {
	errno := test.Errno()
	switch {
	case cancelled:
		result.ErrorMessage = spec.MsgCancelled
		result.ErrorCode = int(engine.IECLIENTTERM)
		return "cancelled"

	case rc == 0 && errno == engine.IENONE:
		out := test.JSONOutputString()
		if out == "" {
			result.ErrorMessage = spec.MsgNoOutput
			result.ErrorCode = spec.ErrCodeNoOutput
			return "no_output"
		}
		result.Success = true
		result.JSONOutput = out
		if err := parseSummary(out, udp, result); err != nil {
			log.Warn("cannot parse test summary", "error", err)
		}
		return "success"

	case rc == 0:
		result.ErrorMessage = test.Strerror(errno)
		result.ErrorCode = int(errno)
		return "engine_error"

	default:
		result.ErrorMessage = spec.MsgUnknownError
		if errno != engine.IENONE {
			result.ErrorMessage = test.Strerror(errno)
		}
		result.ErrorCode = rc
		return "failed"
	}
}
