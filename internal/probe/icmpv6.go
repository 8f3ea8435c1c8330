//go:build linux

package probe

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// ICMPv6Socket is a per-target raw ICMPv6 echo socket. Unlike ICMPv4 the
// kernel always computes and verifies the ICMPv6 checksum itself (it covers
// a pseudo-header the application cannot see), and a read off the raw
// socket returns the bare ICMPv6 message with no IPv6 header attached, the
// opposite of the ICMPv4 path. The receive ancillary options and checksum
// offset are plain setsockopts on the raw fd; x/net/ipv6 supplies the ICMP
// filter encoding and hop-limit options, and golang.org/x/net/icmp builds
// the outgoing message; replies are parsed by hand in ParseICMPv6Reply.
type ICMPv6Socket struct {
	log *slog.Logger
	cfg Config

	fd       int
	conn     net.PacketConn
	pc       *ipv6.PacketConn
	dst      *net.IPAddr
	srcCache SourceCache
}

func NewICMPv6Socket(log *slog.Logger, cfg Config) *ICMPv6Socket {
	return &ICMPv6Socket{log: log, cfg: cfg, fd: -1}
}

func (s *ICMPv6Socket) FD() int { return s.fd }

func (s *ICMPv6Socket) Open() error {
	if s.fd >= 0 {
		return nil
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_ICMPV6)
	if err != nil {
		return fmt.Errorf("icmpv6: socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	// Receive ancillary data for every extension header class plus the
	// packet info and hop limit of each inbound datagram.
	for _, opt := range []int{
		unix.IPV6_RECVHOPOPTS,
		unix.IPV6_RECVDSTOPTS,
		unix.IPV6_RECVRTHDR,
		unix.IPV6_RECVPKTINFO,
		unix.IPV6_RECVHOPLIMIT,
	} {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, opt, 1); err != nil {
			return fmt.Errorf("icmpv6: setsockopt recv option %#x: %w", opt, err)
		}
	}
	// Checksum at offset 2 of the ICMPv6 header on outgoing datagrams.
	if err := unix.SetsockoptInt(fd, unix.SOL_RAW, unix.IPV6_CHECKSUM, 2); err != nil {
		return fmt.Errorf("icmpv6: set checksum offset: %w", err)
	}
	// With IPV6_RECVERR, errors arrive via the error queue and the ICMP
	// filter can pass echo replies only; without it (very old kernels) the
	// classic error types must pass the filter instead.
	noRecvErr := unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_RECVERR, 1) != nil

	var ifIndex int
	if s.cfg.Device != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, s.cfg.Device); err != nil {
			return fmt.Errorf("icmpv6: bind to device %q: %w", s.cfg.Device, err)
		}
		ifi, err := net.InterfaceByName(s.cfg.Device)
		if err != nil {
			return fmt.Errorf("icmpv6: lookup interface %q: %w", s.cfg.Device, err)
		}
		ifIndex = ifi.Index
	}

	src, err := s.srcCache.Resolve(func() (net.IP, error) {
		if s.cfg.Source != nil {
			return s.cfg.Source, nil
		}
		if s.cfg.Device == "" {
			return nil, nil
		}
		return ResolveDeviceIPv6(s.cfg.Device)
	})
	if err != nil {
		return fmt.Errorf("icmpv6: resolve source: %w", err)
	}
	if src != nil {
		sa := &unix.SockaddrInet6{ZoneId: uint32(ifIndex)}
		copy(sa.Addr[:], src.To16())
		if err := unix.Bind(fd, sa); err != nil {
			return fmt.Errorf("icmpv6: bind %s: %w", src, err)
		}
	}

	file := os.NewFile(uintptr(fd), "icmpv6:"+s.cfg.Device)
	ok = true // file now owns fd; the deferred unix.Close must not fire again
	conn, err := net.FilePacketConn(file)
	_ = file.Close() // FilePacketConn dup'd the descriptor; release our copy
	if err != nil {
		return fmt.Errorf("icmpv6: wrap packet conn: %w", err)
	}

	pc := ipv6.NewPacketConn(conn)
	var filter ipv6.ICMPFilter
	filter.SetAll(true)
	filter.Accept(ipv6.ICMPTypeEchoReply)
	if noRecvErr {
		filter.Accept(ipv6.ICMPTypeDestinationUnreachable)
		filter.Accept(ipv6.ICMPTypePacketTooBig)
		filter.Accept(ipv6.ICMPTypeTimeExceeded)
		filter.Accept(ipv6.ICMPTypeParameterProblem)
	}
	if err := pc.SetICMPFilter(&filter); err != nil {
		conn.Close()
		return fmt.Errorf("icmpv6: set filter: %w", err)
	}
	if s.cfg.TTL > 0 {
		_ = pc.SetHopLimit(s.cfg.TTL)
		_ = pc.SetMulticastHopLimit(s.cfg.TTL)
	}

	realFD, err := extractFD(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("icmpv6: extract fd: %w", err)
	}

	s.conn = conn
	s.pc = pc
	s.fd = realFD
	if s.cfg.Dest != nil {
		var zone string
		if s.cfg.Dest.IsLinkLocalUnicast() {
			zone = s.cfg.Device
		}
		s.dst = &net.IPAddr{IP: s.cfg.Dest, Zone: zone}
	}
	return nil
}

func extractFD(conn net.PacketConn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("packet conn does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(u uintptr) { fd = int(u) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

func (s *ICMPv6Socket) Close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.fd = -1
	s.srcCache.Invalidate()
}

func (s *ICMPv6Socket) Send(seq uint32, now time.Time) error {
	if s.conn == nil {
		return errNotOpen
	}
	if s.dst == nil {
		return fmt.Errorf("icmpv6: no destination configured")
	}
	payload := marshalPingData(PingData{ID: s.cfg.ID, PingCount: int64(seq), SentUnixNano: now.UnixNano()})
	msg := icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Code: 0,
		Body: &icmp.Echo{ID: int(s.cfg.Ident), Seq: int(uint16(seq)), Data: payload},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("icmpv6: marshal: %w", err)
	}
	if _, err := s.conn.WriteTo(wb, s.dst); err != nil {
		return fmt.Errorf("icmpv6: write: %w", err)
	}
	return nil
}

// Recv reads one ICMPv6 message (no IPv6 header; the kernel strips it for
// raw ICMPv6 sockets) and returns the peer address out-of-band since it is
// not present in the payload.
func (s *ICMPv6Socket) Recv(buf []byte) (int, net.IP, error) {
	if s.conn == nil {
		return 0, nil, errNotOpen
	}
	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		return n, nil, err
	}
	var ip net.IP
	if ipAddr, ok := addr.(*net.IPAddr); ok {
		ip = ipAddr.IP
	}
	return n, ip, nil
}

// ParseICMPv6Reply parses a bare ICMPv6 message (as returned by Recv, with
// no IPv6 header) and, if it is a well-formed echo reply matching ident,
// returns the embedded target id and the echoed sequence number. The peer
// address travels alongside the payload rather than inside it; the caller
// compares Recv's out-of-band address against the target's destination.
func ParseICMPv6Reply(msg []byte, ident uint16) (id uint16, seq uint16, ok bool) {
	if len(msg) < 8+pingDataLen {
		return 0, 0, false
	}
	if msg[0] != 129 || msg[1] != 0 { // ipv6.ICMPTypeEchoReply
		return 0, 0, false
	}
	if getUint16(msg[4:6]) != ident {
		return 0, 0, false
	}
	data, ok2 := unmarshalPingData(msg[8:])
	if !ok2 {
		return 0, 0, false
	}
	return data.ID, getUint16(msg[6:8]), true
}
