package mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// fakeSocket is an in-memory stand-in for a raw ICMP socket. Tests queue
// reply bytes on recvQueue and inspect what was sent via sent.
type fakeSocket struct {
	mu        sync.Mutex
	sent      [][]byte
	lastTTL   int
	ttlCalls  int
	recvQueue chan fakeRecv
	closed    chan struct{}
}

type fakeRecv struct {
	src net.IP
	raw []byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{recvQueue: make(chan fakeRecv, 64), closed: make(chan struct{})}
}

func (f *fakeSocket) SetTTL(ttl int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTTL = ttl
	f.ttlCalls++
	return nil
}

func (f *fakeSocket) Send(b []byte, dest net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSocket) Recv(buf []byte) (net.IP, []byte, error) {
	select {
	case r := <-f.recvQueue:
		return r.src, r.raw, nil
	case <-f.closed:
		return nil, nil, errors.New("closed")
	}
}

func (f *fakeSocket) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeSocket) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func echoReplyBytes(t *testing.T, id, seq int) []byte {
	t.Helper()
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("x")},
	}
	b, err := msg.Marshal(nil)
	require.NoError(t, err)
	return b
}

func timeExceededBytes(t *testing.T, origDest net.IP, id, seq int) []byte {
	t.Helper()
	embeddedICMP := make([]byte, 8)
	binary.BigEndian.PutUint16(embeddedICMP[4:6], uint16(id))
	binary.BigEndian.PutUint16(embeddedICMP[6:8], uint16(seq))

	ipHdr := make([]byte, 20)
	ipHdr[0] = 0x45 // version 4, header length 5 words
	binary.BigEndian.PutUint16(ipHdr[2:4], uint16(len(ipHdr)+len(embeddedICMP)))
	copy(ipHdr[16:20], origDest.To4())

	msg := icmp.Message{
		Type: ipv4.ICMPTypeTimeExceeded,
		Code: 0,
		Body: &icmp.TimeExceeded{Data: append(ipHdr, embeddedICMP...)},
	}
	b, err := msg.Marshal(nil)
	require.NoError(t, err)
	return b
}

func TestPingEchoReply(t *testing.T) {
	sock := newFakeSocket()
	m := newMultiplexer(sock, 16, 4)
	defer m.Stop()

	dest := net.IPv4(1, 2, 3, 4)
	done := make(chan Result, 1)
	go func() {
		lat, err := m.Ping(context.Background(), dest, 64, time.Second, 0)
		done <- Result{Latency: lat, Err: err}
	}()

	// Wait for the send, then reply with the same identifier the mux chose
	// (seq 0, flow 0 => id 0).
	require.Eventually(t, func() bool { return sock.lastSent() != nil }, time.Second, time.Millisecond)
	sock.recvQueue <- fakeRecv{src: dest, raw: echoReplyBytes(t, 0, 0xFFFF)}

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		assert.GreaterOrEqual(t, res.Latency, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not resolve")
	}
}

func TestPingTimeout(t *testing.T) {
	sock := newFakeSocket()
	m := newMultiplexer(sock, 16, 4)
	defer m.Stop()

	start := time.Now()
	_, err := m.Ping(context.Background(), net.IPv4(1, 2, 3, 4), 64, 100*time.Millisecond, 0)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestPingTimeExceeded(t *testing.T) {
	sock := newFakeSocket()
	m := newMultiplexer(sock, 16, 4)
	defer m.Stop()

	dest := net.IPv4(8, 8, 8, 8)
	responder := net.IPv4(10, 0, 0, 1)
	done := make(chan error, 1)
	go func() {
		_, err := m.Ping(context.Background(), dest, 5, time.Second, 0)
		done <- err
	}()

	require.Eventually(t, func() bool { return sock.lastSent() != nil }, time.Second, time.Millisecond)
	sock.recvQueue <- fakeRecv{src: responder, raw: timeExceededBytes(t, dest, 0, 0xFFFF)}

	select {
	case err := <-done:
		var te *TimeExceededError
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Responder.Equal(responder))
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not resolve")
	}
}

func TestStopResolvesOutstandingAndFutureCalls(t *testing.T) {
	sock := newFakeSocket()
	m := newMultiplexer(sock, 16, 4)

	done := make(chan error, 1)
	go func() {
		_, err := m.Ping(context.Background(), net.IPv4(1, 1, 1, 1), 64, 10*time.Second, 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return sock.lastSent() != nil }, time.Second, time.Millisecond)

	m.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBackendClosed)
	case <-time.After(time.Second):
		t.Fatal("outstanding ping not resolved on stop")
	}

	_, err := m.Ping(context.Background(), net.IPv4(1, 1, 1, 1), 64, time.Second, 0)
	assert.ErrorIs(t, err, ErrBackendClosed)
}

func TestTTLAppliedOnceForRepeatedValue(t *testing.T) {
	sock := newFakeSocket()
	m := newMultiplexer(sock, 16, 4)
	defer m.Stop()

	for i := 0; i < 3; i++ {
		go m.Ping(context.Background(), net.IPv4(1, 1, 1, 1), 7, 50*time.Millisecond, uint16(i))
	}
	require.Eventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return len(sock.sent) >= 3
	}, time.Second, time.Millisecond)

	sock.mu.Lock()
	defer sock.mu.Unlock()
	assert.Equal(t, 1, sock.ttlCalls, "ttl should only be set once for a repeated value")
}

func TestIdentifierWrapsAt16Bits(t *testing.T) {
	sock := newFakeSocket()
	m := newMultiplexer(sock, 16, 4)
	defer m.Stop()

	dest := net.IPv4(9, 9, 9, 9)
	// Advance seq to 3, so that flow 0xFFFF below makes the identifier
	// (seq + flow) wrap past 2^16 to 2.
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		go func() {
			m.Ping(context.Background(), dest, 64, 20*time.Millisecond, 0)
			close(done)
		}()
		<-done
	}

	done := make(chan Result, 1)
	go func() {
		lat, err := m.Ping(context.Background(), dest, 64, time.Second, 0xFFFF)
		done <- Result{Latency: lat, Err: err}
	}()
	require.Eventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return len(sock.sent) >= 4
	}, time.Second, time.Millisecond)

	last := sock.lastSent()
	parsed, err := icmp.ParseMessage(1, last)
	require.NoError(t, err)
	echo := parsed.Body.(*icmp.Echo)
	sock.recvQueue <- fakeRecv{src: dest, raw: echoReplyBytes(t, echo.ID, echo.Seq)}

	select {
	case res := <-done:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("ping did not resolve")
	}
}

func TestOtherICMPPreservesRawBytes(t *testing.T) {
	sock := newFakeSocket()
	m := newMultiplexer(sock, 16, 4)
	defer m.Stop()

	dest := net.IPv4(4, 4, 4, 4)
	responder := net.IPv4(10, 0, 0, 2)
	done := make(chan error, 1)
	go func() {
		_, err := m.Ping(context.Background(), dest, 30, time.Second, 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return sock.lastSent() != nil }, time.Second, time.Millisecond)

	embeddedICMP := make([]byte, 8)
	binary.BigEndian.PutUint16(embeddedICMP[4:6], 0)
	binary.BigEndian.PutUint16(embeddedICMP[6:8], 0xFFFF)
	ipHdr := make([]byte, 20)
	ipHdr[0] = 0x45
	copy(ipHdr[16:20], dest.To4())
	msg := icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: 1,
		Body: &icmp.DstUnreach{Data: append(ipHdr, embeddedICMP...)},
	}
	raw, err := msg.Marshal(nil)
	require.NoError(t, err)
	sock.recvQueue <- fakeRecv{src: responder, raw: raw}

	select {
	case err := <-done:
		var oe *OtherICMPError
		require.ErrorAs(t, err, &oe)
		assert.True(t, bytes.Equal(oe.Raw, raw))
		assert.Equal(t, 1, oe.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not resolve")
	}
}
