//go:build linux

package probe

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lstein/Net-ISP-Balance/internal/checksum"
)

const (
	icmpv4EchoRequest = 8
	icmpv4EchoReply   = 0
)

// ICMPv4Socket is a per-target raw ICMPv4 echo socket: SOCK_RAW with
// IPPROTO_ICMP, IP_PKTINFO to steer egress when a device is configured,
// and the kernel building the IP header (no IP_HDRINCL on send).
type ICMPv4Socket struct {
	log *slog.Logger
	cfg Config

	fd       int
	ifIndex  int
	src      net.IP
	srcCache SourceCache
}

func NewICMPv4Socket(log *slog.Logger, cfg Config) *ICMPv4Socket {
	return &ICMPv4Socket{log: log, cfg: cfg, fd: -1, src: cfg.Source}
}

func (s *ICMPv4Socket) FD() int { return s.fd }

// Open creates the raw socket, applies options, and resolves the source
// address to bind to: the configured Source if set, else by probing the
// device's current address (SIOCGIFADDR equivalent via net.Interface.Addrs).
// Any failure closes the socket so the next tick retries from scratch.
func (s *ICMPv4Socket) Open() error {
	if s.fd >= 0 {
		return nil
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_ICMP)
	if err != nil {
		return fmt.Errorf("icmpv4: socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if s.cfg.Device != "" && !isVirtualAlias(s.cfg.Device) {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, s.cfg.Device); err != nil {
			return fmt.Errorf("icmpv4: bind to device %q: %w", s.cfg.Device, err)
		}
		ifi, err := net.InterfaceByName(s.cfg.Device)
		if err != nil {
			return fmt.Errorf("icmpv4: lookup interface %q: %w", s.cfg.Device, err)
		}
		s.ifIndex = ifi.Index
	}

	if s.cfg.TTL > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, s.cfg.TTL)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, s.cfg.TTL)
	}

	src, err := s.resolveSource()
	if err != nil {
		return fmt.Errorf("icmpv4: resolve source: %w", err)
	}
	s.src = src

	if src != nil {
		sa := &unix.SockaddrInet4{}
		copy(sa.Addr[:], src.To4())
		if err := unix.Bind(fd, sa); err != nil {
			return fmt.Errorf("icmpv4: bind %s: %w", src, err)
		}
	}

	ok = true
	s.fd = fd
	return nil
}

// resolveSource returns the configured Source, or probes the device's
// current address. On any error it returns a nil source so the caller
// re-probes next tick rather than caching a stale address.
func (s *ICMPv4Socket) resolveSource() (net.IP, error) {
	if s.cfg.Source != nil {
		return s.cfg.Source, nil
	}
	if s.cfg.Device == "" {
		return nil, nil
	}
	return s.srcCache.Resolve(func() (net.IP, error) {
		return ResolveDeviceIPv4(s.cfg.Device)
	})
}

func (s *ICMPv4Socket) Close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.srcCache.Invalidate()
}

// Send builds and transmits one ICMPv4 echo request. The sequence field is
// written in network byte order, the same as on the v6 path (not in host
// byte order); ParseICMPv4Reply reads it back the same way.
func (s *ICMPv4Socket) Send(seq uint32, now time.Time) error {
	if s.fd < 0 {
		return errNotOpen
	}
	if s.cfg.Dest == nil {
		return fmt.Errorf("icmpv4: no destination configured")
	}
	dst := s.cfg.Dest.To4()
	if dst == nil {
		return fmt.Errorf("icmpv4: destination %s is not IPv4", s.cfg.Dest)
	}

	payload := marshalPingData(PingData{ID: s.cfg.ID, PingCount: int64(seq), SentUnixNano: now.UnixNano()})
	pkt := make([]byte, 8+len(payload))
	pkt[0] = icmpv4EchoRequest
	pkt[1] = 0
	putUint16(pkt[4:6], s.cfg.Ident)
	putUint16(pkt[6:8], uint16(seq))
	copy(pkt[8:], payload)
	putUint16(pkt[2:4], checksum.ICMPv4(pkt))

	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], dst)

	var oob []byte
	if s.ifIndex != 0 {
		oob = buildIPv4PktinfoOOB(s.ifIndex, s.src)
	}
	if _, err := unix.SendmsgN(s.fd, pkt, oob, sa, 0); err != nil {
		return fmt.Errorf("icmpv4: sendmsg: %w", err)
	}
	return nil
}

// Recv reads one raw IPv4 datagram (header included, matching what the
// kernel delivers on an IPPROTO_ICMP raw socket) for ParseICMPv4Reply.
func (s *ICMPv4Socket) Recv(buf []byte) (int, net.IP, error) {
	if s.fd < 0 {
		return 0, nil, errNotOpen
	}
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	return n, nil, err
}

func buildIPv4PktinfoOOB(ifIndex int, src net.IP) []byte {
	oob := make([]byte, unix.CmsgSpace(unix.SizeofInet4Pktinfo))
	cm := (*unix.Cmsghdr)(unsafe.Pointer(&oob[0]))
	cm.Level = unix.IPPROTO_IP
	cm.Type = unix.IP_PKTINFO
	cm.SetLen(unix.CmsgLen(unix.SizeofInet4Pktinfo))
	data := oob[unix.CmsgLen(0):unix.CmsgLen(unix.SizeofInet4Pktinfo)]
	var pi unix.Inet4Pktinfo
	pi.Ifindex = int32(ifIndex)
	if v4 := src.To4(); v4 != nil {
		copy(pi.Spec_dst[:], v4)
	}
	*(*unix.Inet4Pktinfo)(unsafe.Pointer(&data[0])) = pi
	return oob
}

// isVirtualAlias reports whether device names a virtual alias (eth0:1),
// which cannot be bound via SO_BINDTODEVICE.
func isVirtualAlias(device string) bool {
	return strings.Contains(device, ":")
}

// ParseICMPv4Reply parses a datagram read from any open ICMPv4 raw socket
// (such sockets receive all inbound ICMPv4 traffic system-wide, not just
// traffic addressed to the socket's own target) and, if it is a well-formed
// echo reply matching ident, returns the embedded target id, the source
// address and the echoed sequence number.
//
// The caller is expected to verify the returned source address against the
// target's resolved destination; the comparison must cover the full 4-byte
// address.
func ParseICMPv4Reply(pkt []byte, ident uint16) (id uint16, src net.IP, seq uint16, ok bool) {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return 0, nil, 0, false
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < 20 || len(pkt) < ihl+8+pingDataLen {
		return 0, nil, 0, false
	}
	icmp := pkt[ihl:]
	if icmp[0] != icmpv4EchoReply || icmp[1] != 0 {
		return 0, nil, 0, false
	}
	gotIdent := getUint16(icmp[4:6])
	if gotIdent != ident {
		return 0, nil, 0, false
	}
	data, ok2 := unmarshalPingData(icmp[8:])
	if !ok2 {
		return 0, nil, 0, false
	}
	return data.ID, net.IP(append([]byte(nil), pkt[12:16]...)), getUint16(icmp[6:8]), true
}
