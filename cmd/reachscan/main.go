// Command reachscan sweeps a generated sequence of IPv4 addresses under
// bounded, load-adaptive parallelism and writes a self-describing result
// stream.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmarsh/reachprobe/internal/config"
	"github.com/cmarsh/reachprobe/internal/cursor"
	"github.com/cmarsh/reachprobe/internal/internet"
	"github.com/cmarsh/reachprobe/internal/mux"
	"github.com/cmarsh/reachprobe/internal/scan"
)

var (
	pingTimeout     = pflag.Int64("ping_timeout", 1000, "Per-probe reply deadline, in milliseconds.")
	pingSize        = pflag.Int("ping_size", 56, "ICMP echo payload size in bytes.")
	pingParallelism = pflag.Uint32("ping_parallelism", 64, "Target number of probes in flight.")
	pingTTL         = pflag.Uint8("ping_ttl", 64, "TTL to send with each probe.")

	cursorType   = pflag.String("cursor_type", "sequential", "Cursor type: sampling, sequential, periodic, reverse_endian.")
	cursorOffset = pflag.Uint32("cursor_offset", 0, "Number of addresses to skip before scanning begins.")
	cursorNb     = pflag.Uint32("cursor_nb", 0xFFFFFFFF, "Number of cursor advances after the first address; the scan covers cursor_nb+1 addresses.")

	monitorTarget   = pflag.String("monitor_target", "", "IPv4 address the link monitor pings.")
	monitorTTL      = pflag.Uint8("monitor_ttl", 64, "TTL for link-monitor probes.")
	monitorTimeout  = pflag.Int64("monitor_timeout", 1000, "Link-monitor per-probe deadline, in milliseconds.")
	monitorPeriod   = pflag.Int64("monitor_period", 5000, "Link-monitor probe period, in milliseconds.")
	monitorMaxFails = pflag.Uint8("monitor_max_fails", 3, "Consecutive link-monitor failures before declaring the link down.")

	outFile = pflag.String("out_file", "scan.out", "Path to write the result stream.")
)

func main() {
	pflag.Parse()

	cfg := config.Config{
		Cursor: config.Cursor{
			Type:   config.CursorType(*cursorType),
			Offset: *cursorOffset,
			Count:  *cursorNb,
		},
		Ping: config.Ping{
			Timeout:     time.Duration(*pingTimeout) * time.Millisecond,
			PayloadSize: uint16(*pingSize),
			Parallelism: *pingParallelism,
			TTL:         *pingTTL,
		},
		OutFile:      *outFile,
		StartUnixSec: time.Now().Unix(),
	}
	if *monitorTarget != "" {
		cfg.LinkMonitor = config.LinkMonitor{
			Target:              *monitorTarget,
			TTL:                 *monitorTTL,
			Timeout:             time.Duration(*monitorTimeout) * time.Millisecond,
			Period:              time.Duration(*monitorPeriod) * time.Millisecond,
			MaxConsecutiveFails: *monitorMaxFails,
		}
	}

	c, err := buildCursor(cfg.Cursor)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	m, err := mux.New(int(cfg.Ping.PayloadSize), int(cfg.Ping.Parallelism))
	if err != nil {
		log.Fatalf("Opening raw socket: %v", err)
	}
	defer m.Stop()

	f, err := os.Create(cfg.OutFile)
	if err != nil {
		log.Fatalf("Creating output file: %v", err)
	}
	defer f.Close()

	encoded, err := cfg.Encode()
	if err != nil {
		log.Fatalf("Encoding configuration: %v", err)
	}
	if _, err := f.Write(encoded); err != nil {
		log.Fatalf("Writing header: %v", err)
	}

	var linkMonitor *scan.LinkMonitor
	if *monitorTarget != "" {
		target := net.ParseIP(*monitorTarget)
		if target == nil {
			log.Fatalf("Configuration error: bad monitor_target %q", *monitorTarget)
		}
		linkMonitor = scan.NewLinkMonitor(m, target, cfg.LinkMonitor.TTL, cfg.LinkMonitor.Timeout, cfg.LinkMonitor.Period, cfg.LinkMonitor.MaxConsecutiveFails)
	}
	cpuLoadMonitor := scan.NewCPULoadMonitor(time.Second)

	driver := scan.New(c, m, f, scan.Config{
		TTL:               cfg.Ping.TTL,
		Timeout:           cfg.Ping.Timeout,
		ParallelismTarget: cfg.Ping.Parallelism,
	}, linkMonitor, cpuLoadMonitor)

	if err := driver.Run(context.Background()); err != nil {
		log.Fatalf("Scan error: %v", err)
	}
}

func buildCursor(c config.Cursor) (cursor.Cursor, error) {
	var base cursor.Cursor
	switch c.Type {
	case config.CursorSequential:
		base = cursor.NewSequential()
	case config.CursorReverseEndian:
		base = cursor.NewReverseEndian()
	case config.CursorSampling:
		base = cursor.NewSampling(0, 0, cursor.MaxSamplingDepth)
	case config.CursorPeriodic:
		base = cursor.NewPeriodic(0, 0xFFFFFF, 256, 0)
	default:
		return nil, fmt.Errorf("unknown cursor_type %q", c.Type)
	}

	filtered := cursor.NewFilter(base, internet.IsValid)
	skipped, ok := cursor.NewSkip(filtered, int(c.Offset))
	if !ok {
		return nil, fmt.Errorf("cursor_offset %d exceeds the address space", c.Offset)
	}
	return cursor.NewTake(skipped, int(c.Count)), nil
}
