//go:build linux

package probe

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lstein/Net-ISP-Balance/internal/checksum"
)

func buildEchoReply(ident, seq uint16, data PingData, srcIP net.IP) []byte {
	payload := marshalPingData(data)
	icmp := make([]byte, 8+len(payload))
	icmp[0] = icmpv4EchoReply
	putUint16(icmp[4:6], ident)
	putUint16(icmp[6:8], seq)
	copy(icmp[8:], payload)
	putUint16(icmp[2:4], checksum.ICMPv4(icmp))

	ip := make([]byte, 20+len(icmp))
	ip[0] = 0x45
	copy(ip[12:16], srcIP.To4())
	copy(ip[20:], icmp)
	return ip
}

func TestParseICMPv4ReplyRoundTrip(t *testing.T) {
	t.Parallel()

	src := net.ParseIP("203.0.113.9")
	pkt := buildEchoReply(0xabcd, 7, PingData{ID: 42, PingCount: 7, SentUnixNano: time.Now().UnixNano()}, src)

	id, gotSrc, seq, ok := ParseICMPv4Reply(pkt, 0xabcd)
	require.True(t, ok, "expected parse success")
	require.Equal(t, uint16(42), id)
	require.Equal(t, uint16(7), seq)
	require.True(t, gotSrc.Equal(src))
}

func TestParseICMPv4ReplyRejectsWrongIdent(t *testing.T) {
	t.Parallel()

	src := net.ParseIP("203.0.113.9")
	pkt := buildEchoReply(0xabcd, 7, PingData{ID: 42}, src)
	_, _, _, ok := ParseICMPv4Reply(pkt, 0x9999)
	require.False(t, ok, "expected reject on ident mismatch")
}

func TestParseICMPv4ReplyRejectsTruncated(t *testing.T) {
	t.Parallel()

	_, _, _, ok := ParseICMPv4Reply([]byte{0x45, 0, 0, 0}, 1)
	require.False(t, ok, "expected reject on truncated packet")
}
