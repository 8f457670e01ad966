// Command teleop-replay re-runs captured control traffic through the session
// arbitrator and failsafe relay and prints every reply, frame and session
// transition with its capture time.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/teleop.link/internal/monitoring"
	"github.com/banshee-data/teleop.link/internal/replay"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file (pcap or pcapng) to replay")
	udpPort  = flag.Int("port", 3333, "Control UDP port to extract")
	timeout  = flag.Duration("session-timeout", 3*time.Second, "Owner silence limit")
	failsafe = flag.Duration("failsafe", 500*time.Millisecond, "Relay failsafe window")
	poll     = flag.Duration("poll", 100*time.Millisecond, "Listener poll interval")
	debug    = flag.Bool("debug", false, "Log malformed and dropped datagrams")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -pcap is required")
		flag.Usage()
		os.Exit(2)
	}
	monitoring.SetDebug(*debug)
	if !*debug {
		// Session transitions are already in the replay output.
		monitoring.SetLogger(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := replayFile(ctx, *pcapFile, os.Stdout); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
}

func replayFile(ctx context.Context, path string, out io.Writer) error {
	src, err := replay.Open(path, *udpPort)
	if err != nil {
		return err
	}
	defer src.Close()

	sum, err := replay.Run(ctx, src, replay.Config{
		SessionTimeout: *timeout,
		Failsafe:       *failsafe,
		PollInterval:   *poll,
	}, out)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d datagrams (%d other packets skipped) over %s\n",
		sum.Datagrams, src.Skipped, sum.End.Sub(sum.Start))
	fmt.Fprintf(out, "%d replies, %d control frames, %d failsafe frames, %d evictions\n",
		sum.Replies, sum.ControlFrames, sum.FailsafeFrames, sum.Evictions)
	return nil
}
