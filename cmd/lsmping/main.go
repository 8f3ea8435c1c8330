// Command lsmping is a standalone diagnostic helper: it pings one address a
// fixed number of times and prints the resulting loss/RTT summary, for an
// operator checking whether a connection *would* be reachable before adding
// it to lsm's configuration. It deliberately does not share code with the
// daemon's raw-socket probe engine (internal/probe): a quick one-shot check
// has no need for the dense-id routing or sliding-window bookkeeping that
// exists to serve dozens of concurrently-monitored targets.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lsmping:", err)
		os.Exit(1)
	}
}

func run() error {
	countFlag := flag.IntP("count", "c", 5, "number of echo requests to send")
	intervalFlag := flag.Duration("interval", time.Second, "interval between echo requests")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "overall deadline for the run")
	ifaceFlag := flag.StringP("interface", "I", "", "source interface to bind to (optional)")
	flag.Parse()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: lsmping [flags] <host>")
	}
	host := flag.Arg(0)

	pinger, err := probing.NewPinger(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	defer pinger.Stop()

	pinger.SetPrivileged(true)
	pinger.Count = *countFlag
	pinger.Interval = *intervalFlag
	pinger.InterfaceName = *ifaceFlag

	pinger.OnRecv = func(pkt *probing.Packet) {
		fmt.Printf("%d bytes from %s: icmp_seq=%d time=%s\n", pkt.Nbytes, pkt.IPAddr, pkt.Seq, pkt.Rtt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", host, err)
	}

	stats := pinger.Statistics()
	fmt.Printf("\n--- %s lsmping statistics ---\n", host)
	fmt.Printf("%d packets transmitted, %d received, %.1f%% packet loss\n",
		stats.PacketsSent, stats.PacketsRecv, stats.PacketLoss)
	if stats.PacketsRecv > 0 {
		fmt.Printf("round-trip min/avg/max/stddev = %s/%s/%s/%s\n",
			stats.MinRtt, stats.AvgRtt, stats.MaxRtt, stats.StdDevRtt)
	}
	if stats.PacketsSent > 0 && stats.PacketsRecv == 0 {
		return fmt.Errorf("100%% packet loss")
	}
	return nil
}
