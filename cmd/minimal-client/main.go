// Package main implements a bare-bones perfbridge client that drives the
// engine directly, without the bridge's progress relay or cancellation.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/m-lab/perfbridge/pkg/engine"
)

var (
	flagServer   = flag.String("server", "127.0.0.1", "Server hostname or address")
	flagPort     = flag.Int("port", 5201, "Server port")
	flagDuration = flag.Int("duration", 5, "Test duration in seconds")
	flagReverse  = flag.Bool("reverse", false, "Run in reverse mode (server sends)")
	flagUDP      = flag.Bool("udp", false, "Use UDP rather than TCP")
	flagJSON     = flag.Bool("json", false, "Print the JSON result instead of per-interval lines")
	flagTimeout  = flag.Duration("connect-timeout", 5*time.Second, "Control connection timeout")
)

func main() {
	flag.Parse()

	t, err := engine.New()
	if err != nil {
		log.Fatal(err)
	}
	defer t.Free()

	t.SetRole(engine.RoleClient)
	t.SetServerHostname(*flagServer)
	t.SetPort(*flagPort)
	t.SetDuration(*flagDuration)
	t.SetReverse(*flagReverse)
	t.SetConnectTimeout(*flagTimeout)
	// With JSON output off the default reporter prints one line per interval.
	t.SetJSONOutput(*flagJSON)
	if *flagUDP {
		if err := t.SetProtocol(engine.ProtocolUDP); err != nil {
			log.Fatal(err)
		}
	}

	if rc := t.RunClient(); rc != 0 || t.Errno() != engine.IENONE {
		log.Fatalf("test failed: %s", t.Strerror(t.Errno()))
	}
	if *flagJSON {
		fmt.Println(t.JSONOutputString())
	}
}
