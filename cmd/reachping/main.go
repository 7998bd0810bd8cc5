// Command reachping pings a single host repeatedly at a fixed interval and
// prints each result, including error variants, verbatim.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmarsh/reachprobe/internal/mux"
)

var (
	ttl      = pflag.IntP("ttl", "t", 64, "TTL to send with each probe.")
	timeout  = pflag.DurationP("timeout", "w", time.Second, "Per-probe reply deadline.")
	interval = pflag.DurationP("interval", "i", time.Second, "Interval between probes.")
	size     = pflag.IntP("size", "s", 56, "ICMP echo payload size in bytes.")
)

func main() {
	pflag.Parse()
	if len(pflag.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: reachping [flags] <host>")
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

	const channelDepth = 16
	m, err := mux.New(*size, channelDepth)
	if err != nil {
		log.Fatalf("Opening raw socket: %v", err)
	}
	defer m.Stop()

	ctx := context.Background()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for seq := 0; ; seq++ {
		lat, err := m.Ping(ctx, dest, *ttl, *timeout, uint16(seq))
		if err != nil {
			fmt.Printf("%s: %v\n", dest, err)
		} else {
			fmt.Printf("%s: time=%v\n", dest, lat)
		}
		<-ticker.C
	}
}
