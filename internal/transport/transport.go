// Package transport opens a raw IPv4 ICMP socket and moves bytes in and out
// of it. It does no ICMP parsing of its own; that's the multiplexer's job.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
)

const icmpProtoNum = 1

// Transport is a raw ICMPv4 socket.
type Transport struct {
	conn *icmp.PacketConn
}

// Open opens a raw ICMPv4 socket listening on all interfaces. The process
// must hold CAP_NET_RAW (or run as root); there is no fallback to an
// unprivileged datagram socket.
func Open() (*Transport, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open raw icmp socket: %w", err)
	}
	return &Transport{conn: conn}, nil
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SetTTL sets the time-to-live applied to subsequently sent packets.
func (t *Transport) SetTTL(ttl int) error {
	return t.conn.IPv4PacketConn().SetTTL(ttl)
}

// Send writes raw ICMP bytes to dest. The socket's current TTL applies.
func (t *Transport) Send(b []byte, dest net.IP) error {
	_, err := t.conn.WriteTo(b, &net.IPAddr{IP: dest})
	return err
}

// SetReadDeadline arranges for a blocked Recv to return with an error after
// t, or never, if t is the zero value.
func (t *Transport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

// Recv blocks until an ICMP packet arrives, returning its source and raw
// ICMP payload bytes. It never returns a parsed message: parsing happens one
// layer up, in the multiplexer's reader goroutine, so the goroutine that
// calls Recv never blocks on anything but the kernel.
func (t *Transport) Recv(buf []byte) (src net.IP, icmpBytes []byte, err error) {
	n, peer, err := t.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	ipAddr, ok := peer.(*net.IPAddr)
	if !ok {
		return nil, buf[:n], fmt.Errorf("unexpected source address type %T", peer)
	}
	return ipAddr.IP, buf[:n], nil
}
