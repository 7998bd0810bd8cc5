// Package scan drives a bounded-parallelism sweep of a reversible address
// cursor: it launches probes up to a target concurrency, writes successful
// results to a result stream, rewinds on link loss, and adapts its
// parallelism target to measured system load.
package scan

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cmarsh/reachprobe/internal/cursor"
	"github.com/cmarsh/reachprobe/internal/internet"
	"github.com/cmarsh/reachprobe/internal/resultstream"
)

// Prober is the probe source the driver schedules work against -- the real
// multiplexer, a TCP-connect prober, or a test fake.
type Prober interface {
	Ping(ctx context.Context, dest net.IP, ttl int, timeout time.Duration, flowID uint16) (time.Duration, error)
}

// Config bundles the per-probe parameters and the CPU-load adjustment
// bounds the driver needs beyond the cursor, prober, and output writer.
type Config struct {
	TTL               uint8
	Timeout           time.Duration
	ParallelismTarget uint32

	// FlushBatchMultiple sets the in-memory batch flush threshold as a
	// multiple of ParallelismTarget. Zero defaults to 10, matching
	// spec.md's "~10x parallelism_target" guidance.
	FlushBatchMultiple uint32

	// CPULoadMin/Max bound the acceptable one-minute load average. Above
	// Max, parallelism_target shrinks by max/load; below Min, it grows by
	// min/load. Zero for either disables that half of the adjustment.
	CPULoadMin, CPULoadMax float64

	// MaxParallelism caps upward adjustment of parallelism_target. Zero
	// means uncapped, matching the original source's literal behavior.
	MaxParallelism uint32
}

func (c Config) flushThreshold() int {
	mult := c.FlushBatchMultiple
	if mult == 0 {
		mult = 10
	}
	return int(mult * c.ParallelismTarget)
}

type eventKind int

const (
	eventPingResult eventKind = iota
	eventLinkUp
	eventLinkDown
	eventCPULoad
)

type event struct {
	kind    eventKind
	index   uint32
	latency time.Duration
	ok      bool // valid when kind == eventPingResult
	load    float64
}

// Driver runs a scan to completion against a cursor, a prober, and an
// output writer.
type Driver struct {
	cursor cursor.Cursor
	prober Prober
	out    io.Writer
	cfg    Config
	events chan event

	linkMonitor    *LinkMonitor
	cpuLoadMonitor *CPULoadMonitor
}

// New constructs a Driver. linkMonitor and cpuLoadMonitor may be nil to run
// without that background task.
func New(c cursor.Cursor, p Prober, out io.Writer, cfg Config, linkMonitor *LinkMonitor, cpuLoadMonitor *CPULoadMonitor) *Driver {
	if cfg.ParallelismTarget == 0 {
		cfg.ParallelismTarget = 1
	}
	return &Driver{
		cursor:         c,
		prober:         p,
		out:            out,
		cfg:            cfg,
		events:         make(chan event, cfg.ParallelismTarget),
		linkMonitor:    linkMonitor,
		cpuLoadMonitor: cpuLoadMonitor,
	}
}

// driverState holds the scan driver's mutable state, confined to the
// goroutine running Run -- nothing here is touched concurrently.
type driverState struct {
	parallelismTarget      uint32
	parallel               uint32
	cursorDone             bool
	linkDown               bool
	indicesSinceCheckpoint uint32
}

// adjustParallelism applies the load-adaptive formula from spec.md §4.4:
// above max, shrink target by max/load; below min, grow it by min/load.
// The asymmetric formula can increase the target without bound when load
// is very low, so MaxParallelism optionally clamps growth.
func (s *driverState) adjustParallelism(load float64, cfg Config) {
	switch {
	case cfg.CPULoadMax > 0 && load > cfg.CPULoadMax:
		s.parallelismTarget = uint32(float64(s.parallelismTarget) * cfg.CPULoadMax / load)
	case cfg.CPULoadMin > 0 && load < cfg.CPULoadMin:
		s.parallelismTarget = uint32(float64(s.parallelismTarget) * cfg.CPULoadMin / load)
	default:
		return
	}
	if s.parallelismTarget == 0 {
		s.parallelismTarget = 1
	}
	if cfg.MaxParallelism > 0 && s.parallelismTarget > cfg.MaxParallelism {
		s.parallelismTarget = cfg.MaxParallelism
	}
}

// Run drives the scan to completion: it launches the first wave of probes,
// processes events until the cursor is exhausted and every in-flight probe
// has resolved, then flushes the remaining batch and stops its monitors.
func (d *Driver) Run(ctx context.Context) error {
	state := &driverState{parallelismTarget: d.cfg.ParallelismTarget}

	if d.linkMonitor != nil {
		d.linkMonitor.start(ctx, d.events)
		defer d.linkMonitor.stop()
	}
	if d.cpuLoadMonitor != nil {
		d.cpuLoadMonitor.start(ctx, d.events)
		defer d.cpuLoadMonitor.stop()
	}

	// Reserve one slot of the target for the monitors.
	launchBudget := int(state.parallelismTarget)
	if launchBudget > 0 {
		launchBudget--
	}
	for i := 0; i < launchBudget && !state.cursorDone; i++ {
		d.launchNext(ctx, state)
	}

	var batch []resultstream.Record
	flushThreshold := d.cfg.flushThreshold()

	for !(state.cursorDone && state.parallel == 0) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			switch ev.kind {
			case eventPingResult:
				if ev.ok {
					batch = append(batch, resultstream.Record{
						Index:           ev.index,
						LatencyTensOfNs: uint32(ev.latency / 10),
					})
					if len(batch) > flushThreshold {
						if err := flush(d.out, batch); err != nil {
							return err
						}
						batch = batch[:0]
					}
				}
				state.parallel--
				if !state.cursorDone && !state.linkDown && state.parallel < state.parallelismTarget {
					d.launchNext(ctx, state)
				}
				state.indicesSinceCheckpoint++
			case eventLinkDown:
				state.linkDown = true
			case eventLinkUp:
				if state.linkDown {
					d.rewind(state)
					state.linkDown = false
					state.indicesSinceCheckpoint = 0
					for state.parallel < state.parallelismTarget && !state.cursorDone {
						d.launchNext(ctx, state)
					}
				}
			case eventCPULoad:
				state.adjustParallelism(ev.load, d.cfg)
			}
		}
	}

	if len(batch) > 0 {
		return flush(d.out, batch)
	}
	return nil
}

// launchNext fires off one probe for the cursor's current value,
// incrementing parallel, then advances the cursor. If the cursor cannot
// advance, the probe just launched was its last value and the driver's
// cursor is marked done.
func (d *Driver) launchNext(ctx context.Context, state *driverState) {
	index := d.cursor.Value()
	target := internet.ToIP(index)
	state.parallel++
	go d.runProbe(ctx, index, target)

	if !d.cursor.MoveNext() {
		state.cursorDone = true
	}
}

func (d *Driver) runProbe(ctx context.Context, index uint32, target net.IP) {
	lat, err := d.prober.Ping(ctx, target, int(d.cfg.TTL), d.cfg.Timeout, 0)
	ev := event{kind: eventPingResult, index: index}
	if err == nil {
		ev.ok = true
		ev.latency = lat
	}
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}

// rewind moves the cursor backward by indicesSinceCheckpoint positions, so
// probes suspected during the link-down window are retried. This can
// duplicate records for indices that already made it into the output file;
// resultstream.Read documents that as the reader's responsibility.
func (d *Driver) rewind(state *driverState) {
	for i := uint32(0); i < state.indicesSinceCheckpoint; i++ {
		if !d.cursor.MovePrev() {
			break
		}
	}
	state.cursorDone = false
}

func flush(w io.Writer, batch []resultstream.Record) error {
	for _, r := range batch {
		if err := resultstream.WriteRecord(w, r); err != nil {
			return fmt.Errorf("scan: flush: %w", err)
		}
	}
	return nil
}
