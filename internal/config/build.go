package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lstein/Net-ISP-Balance/internal/conn"
	"github.com/lstein/Net-ISP-Balance/internal/group"
)

// build turns the accumulated blocks into a validated Snapshot: each
// connection block is merged over defaults, each group's members are
// resolved by name, and the cross-field invariants are checked
// (min_packet_loss < max_packet_loss, every group member resolves).
func (p *parser) build() (*Snapshot, error) {
	names := map[string]bool{}
	conns := make([]conn.Config, 0, len(p.connections))
	byName := make(map[string]int, len(p.connections))

	for _, b := range p.connections {
		merged := mergeDefaults(p.defaults, b.vals)
		cfg, err := buildConnection(merged)
		if err != nil {
			return nil, &ParseError{File: b.file, Line: b.line, Msg: err.Error()}
		}
		if names[cfg.Name] {
			return nil, &ParseError{File: b.file, Line: b.line, Msg: fmt.Sprintf("duplicate connection name %q", cfg.Name)}
		}
		names[cfg.Name] = true
		byName[cfg.Name] = len(conns)
		conns = append(conns, cfg)
	}

	groups := make([]group.Config, 0, len(p.groups))
	for _, b := range p.groups {
		gcfg, err := buildGroup(b)
		if err != nil {
			return nil, &ParseError{File: b.file, Line: b.line, Msg: err.Error()}
		}
		for _, m := range gcfg.Members {
			if _, ok := byName[m]; !ok {
				return nil, &ParseError{File: b.file, Line: b.line, Msg: fmt.Sprintf("group %q: member %q is not a known connection", gcfg.Name, m)}
			}
		}
		groups = append(groups, gcfg)
	}

	return &Snapshot{Global: p.global, Connections: conns, Groups: groups}, nil
}

// mergeDefaults returns a new map with defaults' entries overridden by the
// connection block's own: the single defaults{} block applies to every
// connection before its own settings are layered on top.
func mergeDefaults(defaults, own map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(own))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}

func buildConnection(v map[string]string) (conn.Config, error) {
	var cfg conn.Config
	cfg.Name = v["name"]
	if cfg.Name == "" {
		return cfg, fmt.Errorf("connection block is missing required key \"name\"")
	}
	cfg.CheckIP = v["check_ip"]
	if cfg.CheckIP == "" {
		return cfg, fmt.Errorf("connection %q is missing required key \"check_ip\"", cfg.Name)
	}
	cfg.SourceIP = v["source_ip"]
	cfg.Device = v["device"]
	cfg.CheckARP = boolVal(v["check_arp"])

	var err error
	if cfg.TTL, err = intValOr(v, "ttl", 0); err != nil {
		return cfg, err
	}
	if cfg.IntervalMS, err = intValOr(v, "interval_ms", 1000); err != nil {
		return cfg, err
	}
	if cfg.TimeoutMS, err = intValOr(v, "timeout_ms", 1000); err != nil {
		return cfg, err
	}
	if cfg.MaxPacketLoss, err = intValOr(v, "max_packet_loss", 15); err != nil {
		return cfg, err
	}
	if cfg.MinPacketLoss, err = intValOr(v, "min_packet_loss", 5); err != nil {
		return cfg, err
	}
	if cfg.MaxSuccessivePktsLost, err = intValOr(v, "max_successive_pkts_lost", 7); err != nil {
		return cfg, err
	}
	if cfg.MinSuccessivePktsRcvd, err = intValOr(v, "min_successive_pkts_rcvd", 10); err != nil {
		return cfg, err
	}
	if cfg.MinPacketLoss >= cfg.MaxPacketLoss {
		return cfg, fmt.Errorf("connection %q: min_packet_loss (%d) must be less than max_packet_loss (%d)", cfg.Name, cfg.MinPacketLoss, cfg.MaxPacketLoss)
	}

	cfg.EventScript = v["event_script"]
	cfg.NotifyScript = v["notify_script"]
	cfg.LongDownEventScript = v["long_down_event_script"]
	cfg.LongDownNotifyScript = v["long_down_notify_script"]
	cfg.WarnEmail = v["warn_email"]
	cfg.LongDownEmail = v["long_down_email"]
	if cfg.LongDownTime, err = intValOr(v, "long_down_time", 0); err != nil {
		return cfg, err
	}
	cfg.UnknownUpNotify = boolVal(v["unknown_up_notify"])
	cfg.Queue = v["queue"]

	cfg.StartupAcceleration = boolVal(v["startup_acceleration"])
	if cfg.StartupBurstPkts, err = intValOr(v, "startup_burst_pkts", 0); err != nil {
		return cfg, err
	}
	if cfg.StartupBurstInterval, err = intValOr(v, "startup_burst_interval", cfg.IntervalMS); err != nil {
		return cfg, err
	}

	cfg.InitialStatus = conn.Unknown
	if s, ok := v["status"]; ok {
		status, ok := parseStatus(s)
		if !ok {
			return cfg, fmt.Errorf("connection %q: invalid status %q", cfg.Name, s)
		}
		cfg.InitialStatus = status
	}

	return cfg, nil
}

func buildGroup(b block) (group.Config, error) {
	v := b.vals
	var cfg group.Config
	cfg.Name = v["name"]
	if cfg.Name == "" {
		return cfg, fmt.Errorf("group block is missing required key \"name\"")
	}

	// Members come either as repeated member-connection= lines or as a
	// single comma-separated members= list; both preserve order.
	cfg.Members = append(cfg.Members, b.members...)
	for _, m := range strings.Split(v["members"], ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			cfg.Members = append(cfg.Members, m)
		}
	}
	if len(cfg.Members) == 0 {
		return cfg, fmt.Errorf("group %q has no members", cfg.Name)
	}

	switch strings.ToLower(v["logic"]) {
	case "", "or", "0":
		cfg.Logic = group.OR
	case "and", "1":
		cfg.Logic = group.AND
	default:
		return cfg, fmt.Errorf("group %q: invalid logic %q (want \"or\" or \"and\")", cfg.Name, v["logic"])
	}

	cfg.EventScript = v["event_script"]
	cfg.NotifyScript = v["notify_script"]
	cfg.WarnEmail = v["warn_email"]
	cfg.UnknownUpNotify = boolVal(v["unknown_up_notify"])
	cfg.Device = v["device"]
	cfg.Queue = v["queue"]

	cfg.InitialStatus = conn.Unknown
	if s, ok := v["status"]; ok {
		status, ok := parseStatus(s)
		if !ok {
			return cfg, fmt.Errorf("group %q: invalid status %q", cfg.Name, s)
		}
		cfg.InitialStatus = status
	}
	return cfg, nil
}

func intValOr(v map[string]string, key string, def int) (int, error) {
	s, ok := v[key]
	if !ok || s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("key %q: value %q is not an integer", key, s)
	}
	return n, nil
}

func boolVal(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on":
		return true
	default:
		return false
	}
}

// parseStatus accepts both the symbolic status names and the numeric
// encoding from the external contract (0=down, 1=up, 2=unknown,
// 3=long_down), since existing configurations use the numbers.
func parseStatus(s string) (conn.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "down", "0":
		return conn.Down, true
	case "up", "1":
		return conn.Up, true
	case "unknown", "2":
		return conn.Unknown, true
	case "long_down", "3":
		return conn.LongDown, true
	default:
		return 0, false
	}
}
