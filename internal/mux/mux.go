// Package mux is the probe multiplexer: it owns the one raw ICMP socket,
// assigns per-probe identifiers, and correlates asynchronous ICMP replies
// back to the goroutine that's waiting on them.
//
// All mutable state (the sequence counter, the last TTL applied to the
// socket, and the outstanding-request map) is confined to a single
// goroutine (run). Every external interaction arrives through a command
// channel so callers never need to take a lock to reach it.
package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/cmarsh/reachprobe/internal/transport"
)

const (
	maxICMPLen       = 1500
	readerBackoff    = 50 * time.Millisecond
	defaultRateLimit = 2000 // probes/sec ceiling protecting the raw socket under dense scans
)

// Sentinel and typed errors. Result carries exactly one of these (or none,
// for a successful ping) so that TimeExceeded and other ICMP errors never
// collapse into one generic code.
var (
	// ErrTimeout means no correlating reply arrived before the deadline.
	ErrTimeout = errors.New("probe timeout")

	// ErrBackendClosed means the multiplexer has been stopped.
	ErrBackendClosed = errors.New("multiplexer closed")

	// ErrFailedToSend wraps a socket-level send failure.
	ErrFailedToSend = errors.New("failed to send probe")
)

// TimeExceededError is returned when a router along the path reports the
// TTL was exhausted before reaching the destination.
type TimeExceededError struct {
	Responder net.IP
	Latency   time.Duration
}

func (e *TimeExceededError) Error() string {
	return fmt.Sprintf("time exceeded at %v (%v)", e.Responder, e.Latency)
}

// OtherICMPError is returned for any ICMP message that isn't an echo reply
// or a time-exceeded, but whose embedded echo header could still be
// recovered (e.g. destination/port/protocol unreachable).
type OtherICMPError struct {
	Responder net.IP
	Type      int
	Code      int
	Raw       []byte
	Latency   time.Duration
}

func (e *OtherICMPError) Error() string {
	return fmt.Sprintf("icmp type=%d code=%d from %v (%v)", e.Type, e.Code, e.Responder, e.Latency)
}

// Result is what a ping resolves to: Err is nil on success, in which case
// Latency is meaningful.
type Result struct {
	Latency time.Duration
	Err     error
}

// socket is the slice of *transport.Transport the multiplexer depends on.
// Tests substitute a fake so the state machine can be exercised without a
// privileged raw socket, the way the teacher's backend tests inject a fake
// icmpbase connection.
type socket interface {
	SetTTL(ttl int) error
	Send(b []byte, dest net.IP) error
	Recv(buf []byte) (src net.IP, icmpBytes []byte, err error)
	Close() error
}

// Multiplexer is a request/response engine layered over a single raw ICMP
// socket. The zero value isn't usable; create one with New. A *Multiplexer
// may be shared freely between goroutines.
type Multiplexer struct {
	tr          socket
	payloadSize int
	limiter     *rate.Limiter

	cmdCh     chan command
	eventCh   chan replyEvent
	stoppedCh chan struct{}
}

type command interface{ isCommand() }

type sendCommand struct {
	dest    net.IP
	ttl     int
	timeout time.Duration
	flowID  uint16
	replyCh chan Result
}

func (sendCommand) isCommand() {}

type stopCommand struct{}

func (stopCommand) isCommand() {}

type replyKind int

const (
	kindEchoReply replyKind = iota
	kindTimeExceeded
	kindOtherICMP
)

// replyEvent is what the reader goroutine posts to the state machine once it
// has classified an incoming ICMP packet.
type replyEvent struct {
	dest       net.IP // correlation destination: outer source for echo replies, embedded destination otherwise
	id         uint16
	kind       replyKind
	responder  net.IP
	receivedAt time.Time
	icmpType   int
	icmpCode   int
	raw        []byte
}

// New opens the raw socket and starts the reader and state-machine
// goroutines. Both are running by the time New returns successfully.
//
// payloadSize is the number of payload bytes appended to each Echo-Request
// beyond its 8-byte ICMP header. channelDepth bounds the command and event
// queues and sets the rate limiter's burst size (the steady-state send rate
// is fixed at defaultRateLimit): it should be sized to the caller's
// expected parallelism.
func New(payloadSize, channelDepth int) (*Multiplexer, error) {
	tr, err := transport.Open()
	if err != nil {
		return nil, err
	}
	return newMultiplexer(tr, payloadSize, channelDepth), nil
}

func newMultiplexer(tr socket, payloadSize, channelDepth int) *Multiplexer {
	if channelDepth <= 0 {
		channelDepth = 1
	}
	m := &Multiplexer{
		tr:          tr,
		payloadSize: payloadSize,
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), channelDepth),
		cmdCh:       make(chan command, channelDepth),
		eventCh:     make(chan replyEvent, channelDepth),
		stoppedCh:   make(chan struct{}),
	}
	go m.readLoop()
	go m.run()
	return m
}

// Stop terminates the background goroutines. Every Ping call already in
// flight resolves with ErrBackendClosed, and so does every subsequent call.
func (m *Multiplexer) Stop() {
	select {
	case m.cmdCh <- stopCommand{}:
	case <-m.stoppedCh:
	}
	<-m.stoppedCh
}

// Ping sends a single Echo-Request and waits for a correlating reply, a
// timeout, or shutdown. It resolves exactly once.
func (m *Multiplexer) Ping(ctx context.Context, dest net.IP, ttl int, timeout time.Duration, flowID uint16) (time.Duration, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	replyCh := make(chan Result, 1)
	cmd := sendCommand{dest: dest.To4(), ttl: ttl, timeout: timeout, flowID: flowID, replyCh: replyCh}
	select {
	case m.cmdCh <- cmd:
	case <-m.stoppedCh:
		return 0, ErrBackendClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-replyCh:
		return res.Latency, res.Err
	case <-m.stoppedCh:
		return 0, ErrBackendClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type reqKey struct {
	dest [4]byte
	id   uint16
}

func keyFor(ip net.IP, id uint16) reqKey {
	var k reqKey
	copy(k.dest[:], ip.To4())
	k.id = id
	return k
}

type pending struct {
	start    time.Time
	deadline time.Time
	replyCh  chan Result
}

// run is the single-goroutine state machine. It's the only place that reads
// or writes seq, lastTTL, and outstanding.
func (m *Multiplexer) run() {
	var seq uint16
	lastTTL := -1
	outstanding := make(map[reqKey]*pending)

	var timer *time.Timer
	var timerC <-chan time.Time

	armTimer := func() {
		if len(outstanding) == 0 {
			if timer != nil {
				timer.Stop()
				timer, timerC = nil, nil
			}
			return
		}
		earliest := time.Time{}
		for _, p := range outstanding {
			if earliest.IsZero() || p.deadline.Before(earliest) {
				earliest = p.deadline
			}
		}
		d := time.Until(earliest)
		if d < 0 {
			d = 0
		}
		if timer == nil {
			timer = time.NewTimer(d)
			timerC = timer.C
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		}
	}

	resolve := func(p *pending, res Result) {
		select {
		case p.replyCh <- res:
		default:
		}
	}

	for {
		select {
		case cmd := <-m.cmdCh:
			switch c := cmd.(type) {
			case sendCommand:
				id := seq + c.flowID // uint16 arithmetic wraps mod 2^16
				sn := 0xFFFF - seq

				if int(c.ttl) != lastTTL {
					if err := m.tr.SetTTL(c.ttl); err != nil {
						log.Printf("mux: set ttl %d: %v", c.ttl, err)
					} else {
						lastTTL = c.ttl
					}
				}

				pkt, err := buildEcho(id, sn, m.payloadSize)
				if err == nil {
					err = m.tr.Send(pkt, c.dest)
				}
				if err != nil {
					resolve(&pending{replyCh: c.replyCh}, Result{Err: fmt.Errorf("%w: %v", ErrFailedToSend, err)})
					continue
				}

				now := time.Now()
				outstanding[keyFor(c.dest, id)] = &pending{
					start:    now,
					deadline: now.Add(c.timeout),
					replyCh:  c.replyCh,
				}
				seq++
				armTimer()

			case stopCommand:
				for k, p := range outstanding {
					resolve(p, Result{Err: ErrBackendClosed})
					delete(outstanding, k)
				}
				if timer != nil {
					timer.Stop()
				}
				close(m.stoppedCh)
				if err := m.tr.Close(); err != nil {
					log.Printf("mux: close transport: %v", err)
				}
				return
			}

		case ev := <-m.eventCh:
			k := keyFor(ev.dest, ev.id)
			p, ok := outstanding[k]
			if !ok {
				continue // late or stray packet; drop silently
			}
			delete(outstanding, k)

			latency := ev.receivedAt.Sub(p.start)
			if latency <= 0 {
				latency = time.Nanosecond
			}
			switch ev.kind {
			case kindEchoReply:
				resolve(p, Result{Latency: latency})
			case kindTimeExceeded:
				resolve(p, Result{Err: &TimeExceededError{Responder: ev.responder, Latency: latency}})
			case kindOtherICMP:
				resolve(p, Result{Err: &OtherICMPError{
					Responder: ev.responder,
					Type:      ev.icmpType,
					Code:      ev.icmpCode,
					Raw:       ev.raw,
					Latency:   latency,
				}})
			}
			armTimer()

		case <-timerC:
			now := time.Now()
			for k, p := range outstanding {
				if !p.deadline.After(now) {
					resolve(p, Result{Err: ErrTimeout})
					delete(outstanding, k)
				}
			}
			timer, timerC = nil, nil
			armTimer()
		}
	}
}

// buildEcho assembles an ICMPv4 Echo-Request with a zeroed payload of
// payloadSize bytes and a checksum covering the whole message.
func buildEcho(id, seq uint16, payloadSize int) ([]byte, error) {
	if payloadSize < 0 {
		payloadSize = 0
	}
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: make([]byte, payloadSize),
		},
	}
	return msg.Marshal(nil)
}

// readLoop is the one dedicated OS thread in the system (in spirit; Go's
// runtime multiplexes goroutines onto threads, but this goroutine spends its
// whole life blocked in a syscall read and all ICMP parsing happens here so
// the state machine never blocks on it).
func (m *Multiplexer) readLoop() {
	buf := make([]byte, maxICMPLen)
	for {
		src, raw, err := m.tr.Recv(buf)
		if err != nil {
			select {
			case <-m.stoppedCh:
				return
			default:
			}
			log.Printf("mux: read error: %v", err)
			continue
		}
		ev, ok := classify(src, raw)
		if !ok {
			continue // malformed or unrelated packet; dropped, not fatal
		}
		if !m.postEvent(ev) {
			return
		}
	}
}

func (m *Multiplexer) postEvent(ev replyEvent) bool {
	for {
		select {
		case m.eventCh <- ev:
			return true
		case <-m.stoppedCh:
			return false
		default:
			time.Sleep(readerBackoff)
		}
	}
}

// classify turns a raw ICMP packet from src into a correlation event. It
// returns ok=false for anything it can't recover a probe identity from.
func classify(src net.IP, raw []byte) (replyEvent, bool) {
	rm, err := icmp.ParseMessage(1, raw)
	if err != nil {
		return replyEvent{}, false
	}
	now := time.Now()

	if rm.Type == ipv4.ICMPTypeEchoReply {
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok {
			return replyEvent{}, false
		}
		return replyEvent{
			dest:       src,
			id:         uint16(echo.ID),
			kind:       kindEchoReply,
			responder:  src,
			receivedAt: now,
		}, true
	}

	var embedded []byte
	switch body := rm.Body.(type) {
	case *icmp.TimeExceeded:
		embedded = body.Data
	case *icmp.DstUnreach:
		embedded = body.Data
	default:
		if raw, err := rm.Body.Marshal(1); err == nil && len(raw) > 4 {
			embedded = raw[4:] // skip the 4 reserved/unused bytes common to ICMP error bodies
		}
	}
	if embedded == nil {
		return replyEvent{}, false
	}

	dest, id, ok := parseEmbeddedEcho(embedded)
	if !ok {
		return replyEvent{}, false
	}

	kind := kindOtherICMP
	if rm.Type == ipv4.ICMPTypeTimeExceeded {
		kind = kindTimeExceeded
	}
	return replyEvent{
		dest:       dest,
		id:         id,
		kind:       kind,
		responder:  src,
		receivedAt: now,
		icmpType:   typeNum(rm.Type),
		icmpCode:   rm.Code,
		raw:        append([]byte(nil), raw...), // readLoop reuses its buffer; copy before it's overwritten
	}, true
}

// parseEmbeddedEcho parses the IPv4 header an ICMP error quotes, plus the
// first 8 bytes of its payload as an ICMP echo header, recovering the
// original destination and identifier. The replying router never echoes our
// destination address in the outer IP header, so this is the only way to
// recover which probe an indirect reply belongs to.
func parseEmbeddedEcho(b []byte) (dest net.IP, id uint16, ok bool) {
	ipHdr, err := ipv4.ParseHeader(b)
	if err != nil || ipHdr.Len > len(b) {
		return nil, 0, false
	}
	icmpHdr := b[ipHdr.Len:]
	if len(icmpHdr) < 8 {
		return nil, 0, false
	}
	id = binary.BigEndian.Uint16(icmpHdr[4:6])
	return ipHdr.Dst, id, true
}

func typeNum(t icmp.Type) int {
	if t4, ok := t.(ipv4.ICMPType); ok {
		return int(t4)
	}
	return -1
}
