// Package monitor wires together every other internal package into the
// daemon's single decision loop: per-target send/receive pacing, per-second
// aggregation, the per-connection and group state machines, and the exec
// queue dispatcher.
package monitor

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/lstein/Net-ISP-Balance/internal/config"
	"github.com/lstein/Net-ISP-Balance/internal/conn"
	"github.com/lstein/Net-ISP-Balance/internal/group"
	"github.com/lstein/Net-ISP-Balance/internal/probe"
)

// Table is the live set of connection targets and groups built from a
// config.Snapshot: the dense id -> *conn.Target routing table the receive
// path demultiplexes into, plus resolved group membership.
type Table struct {
	Targets []*conn.Target
	ByName  map[string]*conn.Target
	Groups  []*group.Group

	ident uint16
}

// Activate builds a fresh Table from snap. ident is the daemon-wide ICMP
// echo identifier (pid & 0xffff), fixed for the life of the process and
// shared by every ICMPv4/ICMPv6 target. prior, if non-nil, supplies each
// connection's preserved status by name across a reload; connections
// absent from prior start at their configured InitialStatus.
func Activate(log *slog.Logger, snap *config.Snapshot, ident uint16, prior map[string]conn.Status) (*Table, error) {
	t := &Table{ByName: make(map[string]*conn.Target, len(snap.Connections)), ident: ident}

	for i, cfg := range snap.Connections {
		if status, ok := prior[cfg.Name]; ok {
			cfg.InitialStatus = status
		}

		dest, err := resolveDest(cfg)
		if err != nil {
			return nil, fmt.Errorf("monitor: connection %q: %w", cfg.Name, err)
		}
		var source net.IP
		if cfg.SourceIP != "" {
			source = net.ParseIP(cfg.SourceIP)
		}

		sock, kind := newSocket(log, cfg, dest, uint16(i), ident)
		tgt := conn.New(uint16(i), cfg, conn.Resolved{Dest: dest, Source: source}, sock)
		tgt.Kind = kind
		t.Targets = append(t.Targets, tgt)
		t.ByName[cfg.Name] = tgt
	}

	for _, gcfg := range snap.Groups {
		members := make([]*conn.Target, 0, len(gcfg.Members))
		for _, name := range gcfg.Members {
			m, ok := t.ByName[name]
			if !ok {
				// config.Load already validated every group member
				// resolves; this would indicate a programming error, not
				// a user-facing config problem.
				return nil, fmt.Errorf("monitor: group %q: member %q not found", gcfg.Name, name)
			}
			members = append(members, m)
		}
		t.Groups = append(t.Groups, group.New(gcfg, members))
	}

	return t, nil
}

// Statuses snapshots every connection's current status by name, for
// preserving status across a reload.
func (t *Table) Statuses() map[string]conn.Status {
	m := make(map[string]conn.Status, len(t.Targets))
	for _, tgt := range t.Targets {
		m[tgt.Config.Name] = tgt.Status
	}
	return m
}

// Close closes every target's probe socket, called when a Table is
// discarded (reload or shutdown).
func (t *Table) Close() {
	for _, tgt := range t.Targets {
		if tgt.Socket != nil {
			tgt.Socket.Close()
		}
	}
}

// AnySocketOpen reports whether at least one target currently holds an open
// probe socket. The main loop uses this to decide whether the bounded
// receive poll already paces it or a longer idle sleep is needed.
func (t *Table) AnySocketOpen() bool {
	for _, tgt := range t.Targets {
		if tgt.Socket != nil && tgt.Socket.FD() >= 0 {
			return true
		}
	}
	return false
}

func resolveDest(cfg conn.Config) (net.IP, error) {
	if ip := net.ParseIP(cfg.CheckIP); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(cfg.CheckIP)
	if err != nil {
		return nil, fmt.Errorf("resolve check_ip %q: %w", cfg.CheckIP, err)
	}
	for _, ip := range ips {
		if cfg.CheckARP {
			if v4 := ip.To4(); v4 != nil {
				return v4, nil
			}
			continue
		}
		return ip, nil
	}
	return nil, fmt.Errorf("no usable address found for check_ip %q", cfg.CheckIP)
}

// newSocket picks the probe.Kind implied by the connection's configuration
// (ARP, ICMPv6, or ICMPv4) and constructs the corresponding socket.
func newSocket(log *slog.Logger, cfg conn.Config, dest net.IP, id uint16, ident uint16) (probe.Socket, probe.Kind) {
	pcfg := probe.Config{
		Device: cfg.Device,
		Dest:   dest,
		TTL:    cfg.TTL,
		ID:     id,
		Ident:  ident,
	}
	if cfg.SourceIP != "" {
		pcfg.Source = net.ParseIP(cfg.SourceIP)
	}

	switch {
	case cfg.CheckARP:
		pcfg.Kind = probe.KindARP
		return probe.NewARPSocket(log, pcfg), probe.KindARP
	case dest.To4() == nil:
		pcfg.Kind = probe.KindICMPv6
		return probe.NewICMPv6Socket(log, pcfg), probe.KindICMPv6
	default:
		pcfg.Kind = probe.KindICMPv4
		return probe.NewICMPv4Socket(log, pcfg), probe.KindICMPv4
	}
}
