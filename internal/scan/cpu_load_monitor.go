package scan

import (
	"context"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

// CPULoadMonitor samples the one-minute system load average at
// RefreshRate and emits each sample as a CpuLoad event.
type CPULoadMonitor struct {
	RefreshRate time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCPULoadMonitor returns a monitor that samples the load average every
// refreshRate.
func NewCPULoadMonitor(refreshRate time.Duration) *CPULoadMonitor {
	return &CPULoadMonitor{RefreshRate: refreshRate}
}

func (m *CPULoadMonitor) start(ctx context.Context, events chan<- event) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, events)
}

func (m *CPULoadMonitor) stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *CPULoadMonitor) run(ctx context.Context, events chan<- event) {
	defer close(m.done)
	ticker := time.NewTicker(m.RefreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load, err := oneMinuteLoad()
			if err != nil {
				log.Printf("scan: reading system load: %v", err)
				continue
			}
			send(ctx, events, event{kind: eventCPULoad, load: load})
		}
	}
}

// loadFixedPointScale matches Linux's Sysinfo.Loads fixed-point encoding:
// each entry is the load average scaled by 2^16.
const loadFixedPointScale = 1 << 16

// oneMinuteLoad reads the kernel's 1-minute load average via sysinfo(2).
func oneMinuteLoad() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return float64(info.Loads[0]) / loadFixedPointScale, nil
}
