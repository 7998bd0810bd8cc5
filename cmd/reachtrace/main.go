// Command reachtrace runs a classical or Paris-style ICMP traceroute and
// prints a route-graph summary.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmarsh/reachprobe/internal/mux"
	"github.com/cmarsh/reachprobe/internal/route"
)

var (
	paris   = pflag.Bool("paris", false, "Use Paris-style traceroute (constant flow identifier).")
	queries = pflag.IntP("queries", "q", 3, "Number of attempts per traceroute.")
	maxTTL  = pflag.Int("max_ttl", 64, "Maximum path length to trace.")
	timeout = pflag.DurationP("timeout", "w", time.Second, "Per-probe reply deadline.")
	flowID  = pflag.Uint16("flow_id", 0, "Fixed flow identifier for Paris traceroute.")
)

func main() {
	pflag.Parse()
	if len(pflag.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: reachtrace [flags] <host>")
		pflag.Usage()
		os.Exit(1)
	}

	dest := net.ParseIP(pflag.Arg(0))
	if dest == nil {
		ips, err := net.LookupIP(pflag.Arg(0))
		if err != nil || len(ips) == 0 {
			log.Fatalf("Unable to resolve %q: %v", pflag.Arg(0), err)
		}
		dest = ips[0]
	}

	const channelDepth = 64
	m, err := mux.New(64, channelDepth)
	if err != nil {
		log.Fatalf("Opening raw socket: %v", err)
	}
	defer m.Stop()

	opts := route.Options{MaxTTL: *maxTTL, Attempts: *queries, Timeout: *timeout}
	out := make(chan route.Observation, channelDepth)

	ctx := context.Background()
	go func() {
		var err error
		if *paris {
			err = route.ParisTrace(ctx, m, dest, *flowID, opts, out)
		} else {
			err = route.ClassicalTrace(ctx, m, dest, opts, out)
		}
		if err != nil {
			log.Printf("traceroute: %v", err)
		}
	}()

	var observations []route.Observation
	for o := range out {
		style := "echo-reply"
		if o.TimeExceeded {
			style = "time-exceeded"
		}
		fmt.Printf("ttl=%d attempt=%d %-13s %-15s %v\n", o.TTL, o.Attempt, style, o.Responder, o.Latency)
		observations = append(observations, o)
	}

	printGraph(route.Aggregate(observations))
}

func printGraph(g route.Graph) {
	ttls := make([]int, 0, len(g))
	for ttl := range g {
		ttls = append(ttls, ttl)
	}
	sort.Ints(ttls)

	fmt.Println("\nRoute graph:")
	for _, ttl := range ttls {
		for responder, stats := range g[ttl] {
			fmt.Printf("  ttl=%-3d %-15s n=%-3d mean=%-10v stddev=%v\n", ttl, responder, stats.N, stats.Mean, stats.StdDev)
		}
	}
}
