package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/perfbridge/pkg/bridge"
	"github.com/m-lab/perfbridge/pkg/version"
)

var (
	flagPort    = flag.Int("port", 5201, "Port to listen on for TCP and UDP tests")
	flagUDP     = flag.Bool("udp", false, "Default to UDP for the server test")
	flagDataDir = flag.String("datadir", "./data", "Directory to store data in (disabled if empty)")
	flagOneOff  = flag.Bool("one-off", false, "Exit after the first test")
	flagDebug   = flag.Bool("debug", false, "Enable debug logging")

	// Context for the whole program.
	ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from environment")
	defer cancel()

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	b := bridge.New(bridge.WithServerOptions(bridge.ServerOptions{
		DataDir: *flagDataDir,
		OneOff:  *flagOneOff,
	}))
	log.Info("About to start the test server", "version", version.Version,
		"engine", b.Version(), "port", *flagPort, "async_cancel", bridge.SupportsAsyncCancel)
	if !b.StartServer(*flagPort, *flagUDP) {
		log.Fatal("Could not start the test server", "port", *flagPort)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case <-b.ServerExited():
	}
	b.StopServer()
}
