package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/perfbridge/internal/persistence"
	"github.com/m-lab/perfbridge/pkg/bridge"
	"github.com/m-lab/perfbridge/pkg/bridge/model"
	"github.com/m-lab/perfbridge/pkg/version"
)

const clientDatatype = "perfbridge-client"

var (
	flagServer    = flag.String("server", "", "Server hostname or address. Use \"gateway\" for the default gateway")
	flagPort      = flag.Int("port", 5201, "Server port")
	flagDuration  = flag.Int("duration", 10, "Test duration in seconds")
	flagParallel  = flag.Int("parallel", 1, "Number of parallel streams")
	flagReverse   = flag.Bool("reverse", false, "Run in reverse mode (server sends)")
	flagUDP       = flag.Bool("udp", false, "Use UDP rather than TCP")
	flagBandwidth = flag.Int64("bandwidth", 0, "Target bandwidth in bits/s (0 = unlimited for TCP, 1 Mbit/s for UDP)")
	flagCC        = flag.String("cc", "", "Congestion control algorithm to use")
	flagTimeout   = flag.Duration("connect-timeout", 10*time.Second, "Control connection timeout")
	flagJSON      = flag.Bool("json", false, "Print the raw JSON result")
	flagDataDir   = flag.String("datadir", "", "Directory to archive results to (disabled if empty)")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from environment")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	server := *flagServer
	if server == "gateway" {
		gw, err := bridge.DefaultGateway()
		rtx.Must(err, "Could not find the default gateway")
		server = gw
	}
	if server == "" {
		log.Fatal("Please provide a server with -server")
	}

	cfg := model.Config{
		Host:              server,
		Port:              *flagPort,
		Duration:          *flagDuration,
		Parallel:          *flagParallel,
		Reverse:           *flagReverse,
		UDP:               *flagUDP,
		Bandwidth:         *flagBandwidth,
		CongestionControl: *flagCC,
		ConnectTimeout:    *flagTimeout,
	}

	// Ctrl-C cancels the running test.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New()
	log.Info("Starting test", "version", version.Version, "engine", b.Version(),
		"server", server, "port", cfg.Port, "transport", cfg.Transport())

	archive := model.ArchivalData{
		UUID:      uuid.NewString(),
		StartTime: time.Now(),
		Config:    cfg,
	}
	run := b.Start(ctx, cfg)
	for p := range run.Progress() {
		archive.Intervals = append(archive.Intervals, p)
		if cfg.UDP {
			fmt.Printf("[%3d] %12d bytes %10.2f Mbit/s jitter %.3f ms lost %d\n",
				p.Interval, p.Bytes, p.BitsPerSecond/1e6, p.JitterMillis, p.LostPackets)
			continue
		}
		fmt.Printf("[%3d] %12d bytes %10.2f Mbit/s\n", p.Interval, p.Bytes, p.BitsPerSecond/1e6)
	}
	result := run.Result()
	defer b.FreeResult(result)
	archive.EndTime = time.Now()
	archive.Result = result.Archive()

	if *flagDataDir != "" {
		f, err := persistence.WriteDataFile(*flagDataDir, clientDatatype, string(cfg.Transport()),
			archive.UUID, archive)
		if err != nil {
			log.Error("Failed to write archive", "error", err)
		} else {
			log.Debug("Archive written", "path", f.Path, "size", f.Size)
		}
	}

	if !result.Success {
		log.Error("Test failed", "code", result.ErrorCode, "error", result.ErrorMessage)
		os.Exit(1)
	}
	if *flagJSON {
		fmt.Println(result.JSONOutput)
		return
	}
	fmt.Printf("sent:     %10.2f Mbit/s (%d bytes)\n", result.SentMbps, result.SentBytes)
	fmt.Printf("received: %10.2f Mbit/s (%d bytes)\n", result.ReceivedMbps, result.ReceivedBytes)
	if cfg.UDP {
		fmt.Printf("jitter:   %10.3f ms\n", result.JitterMillis)
	} else if result.MeanRTTMillis > 0 {
		fmt.Printf("mean rtt: %10.3f ms\n", result.MeanRTTMillis)
	}
}
