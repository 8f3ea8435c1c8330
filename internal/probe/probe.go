// Package probe implements the per-target raw-socket lifecycle and the wire
// encode/decode for ICMPv4, ICMPv6 and ARP echo probing: socket open/option
// setup, source-address probing, packet construction and reply parsing. It
// does not own the packet log or the demultiplex-to-target routing table;
// those live elsewhere, calling the pure Parse* functions here.
package probe

import (
	"fmt"
	"net"
	"time"
)

// Kind selects how a target is probed.
type Kind int

const (
	KindICMPv4 Kind = iota
	KindICMPv6
	KindARP
)

func (k Kind) String() string {
	switch k {
	case KindICMPv4:
		return "icmpv4"
	case KindICMPv6:
		return "icmpv6"
	case KindARP:
		return "arp"
	default:
		return "unknown"
	}
}

// Config describes one target's probe socket: what to send to, from where,
// and over which interface.
type Config struct {
	Kind   Kind
	Device string // optional source interface; "" = kernel routes
	Source net.IP // optional explicit source address
	Dest   net.IP // resolved target address (v4 for ICMPv4/ARP, v6 for ICMPv6)
	TTL    int    // optional hop limit; 0 = unset, leave kernel default

	// ID is the dense target index embedded in the ICMP echo payload so a
	// reply can be routed back to its target in O(1) without a reverse
	// (src,seq) -> target map.
	ID uint16
	// Ident is the daemon-wide ICMP echo identifier (pid & 0xffff),
	// established once at startup and shared by every ICMP target.
	Ident uint16
}

// PingData is the payload carried in every ICMPv4/ICMPv6 echo request.
// Routing uses only
// ID; PingCount and SentUnixNano are carried for wire completeness and
// future consumers (e.g. a packet capture cross-check) even though this
// implementation recomputes RTT from its own local packet log.
type PingData struct {
	ID           uint16
	PingCount    int64
	SentUnixNano int64
}

const pingDataLen = 2 + 8 + 8 // id + ping_count + timestamp, fixed width on the wire

func marshalPingData(d PingData) []byte {
	b := make([]byte, pingDataLen)
	putUint16(b[0:2], d.ID)
	putUint64(b[2:10], uint64(d.PingCount))
	putUint64(b[10:18], uint64(d.SentUnixNano))
	return b
}

func unmarshalPingData(b []byte) (PingData, bool) {
	if len(b) < pingDataLen {
		return PingData{}, false
	}
	return PingData{
		ID:           getUint16(b[0:2]),
		PingCount:    int64(getUint64(b[2:10])),
		SentUnixNano: int64(getUint64(b[10:18])),
	}, true
}

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func getUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}
func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Socket is the per-target raw socket: open/close lifecycle, sending one
// probe, and handing a just-read datagram to the generic demux.
type Socket interface {
	// Open opens the socket if not already open, applying all options from
	// Config (bind, device, TTL, filters). A no-op when already open.
	Open() error
	// Close closes the socket if open. Safe to call repeatedly.
	Close()
	// FD returns the open file descriptor, or -1 if the socket is not open.
	FD() int
	// Send transmits one probe for sequence seq (ICMPv4 and ICMPv6 write
	// its low 16 bits in network byte order; ARP carries no sequence). Errors are
	// returned for logging only: the caller always stamps the packet log
	// and advances seq regardless of the outcome.
	Send(seq uint32, now time.Time) error
	// Recv reads one datagram into buf without blocking, called only after
	// Multiplexer has reported FD() readable. It returns the raw bytes
	// handed to the matching Parse* function (whether the full IP header is
	// present or stripped by the kernel is kind-specific) plus the
	// peer address when the kernel hands it back out-of-band instead of in
	// the payload (ICMPv6); from is nil when the Parse* function recovers
	// the address from buf itself (ICMPv4, ARP).
	Recv(buf []byte) (n int, from net.IP, err error)
}

// errNotOpen is returned by Send when called before a successful Open.
var errNotOpen = fmt.Errorf("probe: socket not open")
