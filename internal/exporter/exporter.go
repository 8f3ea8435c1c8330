// Package exporter periodically rewrites the Munin-style text files
// (config.rtt, status.rtt, config.counts, status.counts, config.status,
// status.status, status_export), one `connection-name ->
// "_"+sanitised-name` data source per connection. Each file is rewritten
// atomically (os.CreateTemp + os.Rename) so a reader never observes a
// half-written file.
package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lstein/Net-ISP-Balance/internal/conn"
)

// Period is the export cadence.
const Period = 300 * time.Second

// Source is the per-connection view the exporter needs; kept minimal and
// decoupled from conn.Target so tests can supply fixtures without building
// a full target.
type Source struct {
	Name   string
	Status conn.Status
	Stats  conn.Stats
}

// Exporter rewrites its files into dir every Period, called from the
// decision-loop checkpoint once per tick; the 300s gate is internal to
// Tick, not the caller's responsibility.
type Exporter struct {
	dir      string
	last     time.Time
	interval time.Duration
}

// New creates an exporter that will write into dir. interval overrides
// Period only for tests; production callers pass Period.
func New(dir string, interval time.Duration) *Exporter {
	return &Exporter{dir: dir, interval: interval}
}

// Tick runs the export if at least the exporter's interval (Period in
// production) has elapsed since the last run, or this is the first call.
func (e *Exporter) Tick(now time.Time, sources []Source) error {
	if !e.last.IsZero() && now.Sub(e.last) < e.interval {
		return nil
	}
	e.last = now
	return e.writeAll(sources)
}

func (e *Exporter) writeAll(sources []Source) error {
	if err := e.writeRTTConfig(sources); err != nil {
		return err
	}
	if err := e.writeRTTStatus(sources); err != nil {
		return err
	}
	if err := e.writeCountsConfig(sources); err != nil {
		return err
	}
	if err := e.writeCountsStatus(sources); err != nil {
		return err
	}
	if err := e.writeStatusConfig(sources); err != nil {
		return err
	}
	if err := e.writeStatusStatus(sources); err != nil {
		return err
	}
	return e.writeStatusExport(sources)
}

func (e *Exporter) writeRTTConfig(sources []Source) error {
	var b strings.Builder
	b.WriteString("graph_title Foolsm Average Ping Latency\n")
	b.WriteString("graph_vlabel ms\n")
	b.WriteString("graph_info This graph shows Foolsm status\n")
	b.WriteString("graph_category network\n")
	b.WriteString("graph_args --base 1000 -l 0\n")
	for _, s := range sources {
		name := dataSourceName(s.Name)
		fmt.Fprintf(&b, "%s_rtt.label %s rtt\n", name, s.Name)
		fmt.Fprintf(&b, "%s_rtt.type GAUGE\n", name)
	}
	return e.atomicWrite("config.rtt", b.String())
}

func (e *Exporter) writeRTTStatus(sources []Source) error {
	var b strings.Builder
	for _, s := range sources {
		name := dataSourceName(s.Name)
		rtt := s.Stats.AvgRTT.Seconds() * 1000
		if s.Status == conn.Down || s.Status == conn.LongDown {
			rtt = 0
		}
		fmt.Fprintf(&b, "%s_rtt.value %.2f\n", name, rtt)
	}
	return e.atomicWrite("status.rtt", b.String())
}

func (e *Exporter) writeCountsConfig(sources []Source) error {
	var b strings.Builder
	b.WriteString("graph_title Foolsm packet counts\n")
	b.WriteString("graph_vlabel percent\n")
	b.WriteString("graph_info This graph shows Foolsm status\n")
	b.WriteString("graph_category network\n")
	b.WriteString("graph_args --base 1000 -l 0\n")
	for _, s := range sources {
		name := dataSourceName(s.Name)
		for _, field := range []struct{ suffix, label string }{
			{"timeout", "Timed out"},
			{"replied", "Replied"},
			{"waiting", "Waiting"},
			{"latereply", "Late replied"},
			{"cwait", "Consecutive waiting"},
			{"cmiss", "Consecutive missing"},
			{"crcvd", "Consecutive received"},
		} {
			fmt.Fprintf(&b, "%s_%s.label %s %s\n", name, field.suffix, s.Name, field.label)
			fmt.Fprintf(&b, "%s_%s.type GAUGE\n", name, field.suffix)
		}
	}
	return e.atomicWrite("config.counts", b.String())
}

func (e *Exporter) writeCountsStatus(sources []Source) error {
	var b strings.Builder
	for _, s := range sources {
		name := dataSourceName(s.Name)
		fmt.Fprintf(&b, "%s_timeout.value %d\n", name, s.Stats.Timeout)
		fmt.Fprintf(&b, "%s_replied.value %d\n", name, s.Stats.Replied)
		fmt.Fprintf(&b, "%s_waiting.value %d\n", name, s.Stats.Waiting)
		fmt.Fprintf(&b, "%s_latereply.value %d\n", name, s.Stats.ReplyLate)
		fmt.Fprintf(&b, "%s_cwait.value %d\n", name, s.Stats.ConsecutiveWaiting)
		fmt.Fprintf(&b, "%s_cmiss.value %d\n", name, s.Stats.ConsecutiveMissing)
		fmt.Fprintf(&b, "%s_crcvd.value %d\n", name, s.Stats.ConsecutiveRcvd)
	}
	return e.atomicWrite("status.counts", b.String())
}

func (e *Exporter) writeStatusConfig(sources []Source) error {
	var b strings.Builder
	b.WriteString("graph_title Foolsm connection statuses\n")
	b.WriteString("graph_vlabel Status\n")
	b.WriteString("graph_info This graph shows Foolsm connection statuses\n")
	b.WriteString("graph_category network\n")
	b.WriteString("graph_info Status: 0 = DOWN, 1 = UP, 2 = UNKNOWN, 3 = LONG_DOWN\n")
	b.WriteString("graph_args --base 1000 --lower-limit 0 --upper-limit 3\n")
	for _, s := range sources {
		name := dataSourceName(s.Name)
		fmt.Fprintf(&b, "%s_status.label %s Status\n", name, s.Name)
	}
	return e.atomicWrite("config.status", b.String())
}

func (e *Exporter) writeStatusStatus(sources []Source) error {
	var b strings.Builder
	for _, s := range sources {
		name := dataSourceName(s.Name)
		fmt.Fprintf(&b, "%s_status.value %d\n", name, int(s.Status))
	}
	return e.atomicWrite("status.status", b.String())
}

func (e *Exporter) writeStatusExport(sources []Source) error {
	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "%s %s\n", s.Name, s.Status.String())
	}
	return e.atomicWrite("status_export", b.String())
}

func (e *Exporter) atomicWrite(name, content string) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("exporter: mkdir %s: %w", e.dir, err)
	}
	tmp, err := os.CreateTemp(e.dir, ".export-*.tmp")
	if err != nil {
		return fmt.Errorf("exporter: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("exporter: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("exporter: close %s: %w", name, err)
	}
	dst := filepath.Join(e.dir, name)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("exporter: rename to %s: %w", dst, err)
	}
	return nil
}

// dataSourceName sanitises a connection name into a Munin data source name:
// "_" prefix, "-" and " " replaced with "_".
func dataSourceName(name string) string {
	var b strings.Builder
	b.WriteByte('_')
	for _, r := range name {
		if r == '-' || r == ' ' {
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}
