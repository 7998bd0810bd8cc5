// Package config defines the scan driver's configuration object and its
// versioned, length-prefixed wire encoding (a version byte, a 4-byte
// little-endian length, and a JSON body), matching the header the
// resultstream package writes ahead of a scan's result records.
package config

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Version is the current config encoding version.
const Version byte = 1

// CursorType names one of the cursor implementations in internal/cursor.
type CursorType string

const (
	CursorSampling      CursorType = "sampling"
	CursorSequential    CursorType = "sequential"
	CursorPeriodic      CursorType = "periodic"
	CursorReverseEndian CursorType = "reverse_endian"
)

// Cursor describes how the scan driver should enumerate target addresses.
type Cursor struct {
	Type   CursorType `json:"type"`
	Offset uint32     `json:"offset"`
	Count  uint32     `json:"count"`
}

// Ping describes per-probe parameters shared by every target.
type Ping struct {
	Timeout     time.Duration `json:"timeout"`
	PayloadSize uint16        `json:"payload_size"`
	Parallelism uint32        `json:"parallelism"`
	TTL         uint8         `json:"ttl"`
}

// LinkMonitor configures the background task that watches link liveness.
type LinkMonitor struct {
	Target              string        `json:"target"`
	TTL                 uint8         `json:"ttl"`
	Timeout             time.Duration `json:"timeout"`
	Period              time.Duration `json:"period"`
	MaxConsecutiveFails uint8         `json:"max_consecutive_fails"`
}

// CPULoadMonitor configures the background task that samples system load
// and adjusts parallelism_target. MaxParallelism is this expansion's own
// addition: zero means no ceiling, preserving the original's uncapped
// growth as the default.
type CPULoadMonitor struct {
	Min            float64       `json:"min"`
	Max            float64       `json:"max"`
	RefreshRate    time.Duration `json:"refresh_rate"`
	MaxParallelism uint32        `json:"max_parallelism"`
}

// Config is the complete scan configuration, encoded into the result file
// header so a reader can reconstruct what produced it without a side
// channel.
type Config struct {
	Cursor         Cursor         `json:"cursor"`
	Ping           Ping           `json:"ping"`
	LinkMonitor    LinkMonitor    `json:"link_monitor"`
	CPULoadMonitor CPULoadMonitor `json:"cpu_load_monitor"`
	OutFile        string         `json:"out_file"`
	StartUnixSec   int64          `json:"start_unix_sec"`
}

// Encode writes the version byte, 4-byte little-endian JSON length, and the
// JSON body itself.
func (c Config) Encode() ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	out := make([]byte, 0, 1+4+len(body))
	out = append(out, Version)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	return out, nil
}

// Decode parses a Config from the front of data and returns it along with
// the number of bytes consumed, so round-tripping Encode then Decode
// yields both an equal Config and a consumed length equal to len(Encode()).
func Decode(data []byte) (Config, int, error) {
	if len(data) < 5 {
		return Config{}, 0, fmt.Errorf("config: truncated header")
	}
	version := data[0]
	if version != Version {
		return Config{}, 0, fmt.Errorf("config: unsupported version %d", version)
	}
	n := binary.LittleEndian.Uint32(data[1:5])
	if len(data) < 5+int(n) {
		return Config{}, 0, fmt.Errorf("config: truncated body")
	}
	var c Config
	if err := json.Unmarshal(data[5:5+n], &c); err != nil {
		return Config{}, 0, fmt.Errorf("config: decode body: %w", err)
	}
	return c, 5 + int(n), nil
}
