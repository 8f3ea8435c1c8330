//go:build linux

package probe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

var broadcastHW = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ARPSocket probes a target by RFC 826 ARP request/reply rather than ICMP:
// used for neighbours that do not answer ping but whose liveness can still
// be inferred from their replies to ARP requests. It opens an
// AF_PACKET/SOCK_DGRAM socket bound to ETH_P_ARP, which lets the kernel
// supply and strip the Ethernet header so only the ARP payload itself needs
// to be built and parsed.
type ARPSocket struct {
	log *slog.Logger
	cfg Config

	fd      int
	ifIndex int
	hwType  uint16 // ARP hardware type on the wire, FDDI folded to Ethernet
	srcHW   net.HardwareAddr
	srcIP   net.IP
}

func NewARPSocket(log *slog.Logger, cfg Config) *ARPSocket {
	return &ARPSocket{log: log, cfg: cfg, fd: -1}
}

func (s *ARPSocket) FD() int { return s.fd }

func (s *ARPSocket) Open() error {
	if s.fd >= 0 {
		return nil
	}
	if s.cfg.Device == "" {
		return fmt.Errorf("arp: device is required")
	}
	ifi, err := net.InterfaceByName(s.cfg.Device)
	if err != nil {
		return fmt.Errorf("arp: lookup interface %q: %w", s.cfg.Device, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return fmt.Errorf("arp: interface %q is down", s.cfg.Device)
	}
	if ifi.Flags&net.FlagLoopback != 0 {
		return fmt.Errorf("arp: interface %q is loopback", s.cfg.Device)
	}
	if len(ifi.HardwareAddr) != 6 {
		return fmt.Errorf("arp: interface %q has no Ethernet address (NOARP?)", s.cfg.Device)
	}

	src := s.cfg.Source
	if src == nil {
		resolved, err := ResolveDeviceIPv4(s.cfg.Device)
		if err != nil {
			return fmt.Errorf("arp: %w", err)
		}
		src = resolved
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, int(htons(unix.ETH_P_ARP)))
	if err != nil {
		return fmt.Errorf("arp: socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ARP),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("arp: bind %q: %w", s.cfg.Device, err)
	}

	// The bound socket's name carries the interface's ARP hardware type,
	// which is what goes into ar_hrd on the wire and what replies are
	// matched against.
	sn, err := unix.Getsockname(fd)
	if err != nil {
		return fmt.Errorf("arp: getsockname: %w", err)
	}
	ll, isLL := sn.(*unix.SockaddrLinklayer)
	if !isLL {
		return fmt.Errorf("arp: unexpected sockname type %T", sn)
	}

	ok = true
	s.fd = fd
	s.ifIndex = ifi.Index
	s.hwType = canonicalHrd(ll.Hatype)
	s.srcHW = ifi.HardwareAddr
	s.srcIP = src.To4()
	return nil
}

// canonicalHrd maps an interface's ARP hardware type to the value used on
// the wire: FDDI speaks Ethernet-format ARP, every other type is passed
// through unchanged.
func canonicalHrd(hatype uint16) uint16 {
	if hatype == unix.ARPHRD_FDDI {
		return unix.ARPHRD_ETHER
	}
	return hatype
}

func htons(v int) uint16 { return binary.BigEndian.Uint16([]byte{byte(v >> 8), byte(v)}) }

func (s *ARPSocket) Close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

// Send broadcasts an ARP request for cfg.Dest. The PingData wire payload
// has no place in a 28-byte ARP frame, so routing an ARP reply back to its
// target happens by matching the replying peer's address against the
// target's configured Dest, not by an embedded id (see ParseARPReply).
func (s *ARPSocket) Send(seq uint32, now time.Time) error {
	if s.fd < 0 {
		return errNotOpen
	}
	dst := s.cfg.Dest.To4()
	if dst == nil {
		return fmt.Errorf("arp: destination %s is not IPv4", s.cfg.Dest)
	}

	arp := &layers.ARP{
		AddrType:          layers.LinkType(s.hwType),
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   s.srcHW,
		SourceProtAddress: s.srcIP,
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    dst,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, arp); err != nil {
		return fmt.Errorf("arp: serialize: %w", err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ARP),
		Ifindex:  s.ifIndex,
		Halen:    6,
	}
	copy(sa.Addr[:], broadcastHW)
	if err := unix.Sendto(s.fd, buf.Bytes(), 0, sa); err != nil {
		return fmt.Errorf("arp: sendto: %w", err)
	}
	return nil
}

func (s *ARPSocket) Recv(buf []byte) (int, net.IP, error) {
	if s.fd < 0 {
		return 0, nil, errNotOpen
	}
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	return n, nil, err
}

// LocalAddrs returns the interface address pair captured at Open, used to
// verify a reply really was addressed to us. Both are nil before the first
// successful Open.
func (s *ARPSocket) LocalAddrs() (net.IP, net.HardwareAddr) {
	return s.srcIP, s.srcHW
}

// HardwareType returns the ARP hardware type requests carry on the wire
// (FDDI folded to Ethernet), or 0 before the first successful Open.
func (s *ARPSocket) HardwareType() uint16 {
	return s.hwType
}

// ParseARPReply parses one ARP frame (as delivered by an AF_PACKET/SOCK_DGRAM
// socket, Ethernet header already stripped) and, if it is an IPv4 reply of
// hardware type hrd from wantSrc addressed to localIP/localHW, returns the
// replying hardware address. An hrd of 0 means Ethernet (the socket has not
// been opened yet); a nil localIP or localHW skips that check (the socket
// has not resolved its own addresses yet). ARP carries no target id or
// sequence number: a socket only ever receives traffic relevant to the
// interface it is bound to, so the caller already knows which target this
// belongs to and needs no demultiplex table.
func ParseARPReply(pkt []byte, hrd uint16, wantSrc, localIP net.IP, localHW net.HardwareAddr) (hw net.HardwareAddr, ok bool) {
	if hrd == 0 {
		hrd = unix.ARPHRD_ETHER
	}
	var arp layers.ARP
	if err := arp.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return nil, false
	}
	if arp.Operation != layers.ARPReply ||
		arp.AddrType != layers.LinkType(hrd) ||
		arp.Protocol != layers.EthernetTypeIPv4 ||
		arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 {
		return nil, false
	}
	if !net.IP(arp.SourceProtAddress).Equal(wantSrc.To4()) {
		return nil, false
	}
	if localIP != nil && !net.IP(arp.DstProtAddress).Equal(localIP.To4()) {
		return nil, false
	}
	if localHW != nil && !bytes.Equal(arp.DstHwAddress, localHW) {
		return nil, false
	}
	return net.HardwareAddr(append([]byte(nil), arp.SourceHwAddress...)), true
}
