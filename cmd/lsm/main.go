// Command lsm is the link-state monitor daemon: it probes a configured set
// of named connections via ICMP or ARP, runs a hysteretic up/down state
// machine over each, aggregates connections into AND/OR groups, and
// dispatches external scripts on every transition.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/lstein/Net-ISP-Balance/internal/config"
	"github.com/lstein/Net-ISP-Balance/internal/daemon"
	"github.com/lstein/Net-ISP-Balance/internal/execqueue"
	"github.com/lstein/Net-ISP-Balance/internal/exporter"
	"github.com/lstein/Net-ISP-Balance/internal/metrics"
	"github.com/lstein/Net-ISP-Balance/internal/monitor"
	"github.com/lstein/Net-ISP-Balance/internal/pidfile"
)

var (
	// Set by LDFLAGS.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultMetricsAddr = ":9107"

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.BoolP("version", "V", false, "show version and exit")
	configFlag := flag.StringP("config", "f", "/etc/lsm.conf", "path to the configuration file")
	foregroundFlag := flag.BoolP("foreground", "n", false, "do not write a pidfile (the process never detaches, with or without this flag)")
	pidfileFlag := flag.StringP("pidfile", "p", "/var/run/lsm.pid", "path to the pidfile (ignored with -n)")
	exportDirFlag := flag.String("export-dir", "/var/lib/lsm/munin", "directory for the Munin-style status export files")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for Prometheus metrics; empty disables it")
	verboseFlag := flag.BoolP("verbose", "v", false, "verbose mode - show debug logs")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("lsm version %s, commit %s, built %s\n", version, commit, date)
		return nil
	}

	levelVar := new(slog.LevelVar)
	log := newLogger(levelVar)
	setLevelFromConfig(levelVar, *verboseFlag, 0)

	var pf *pidfile.File
	if !*foregroundFlag {
		f, err := pidfile.Open(*pidfileFlag)
		if err != nil {
			log.Error("failed to acquire pidfile", "path", *pidfileFlag, "error", err)
			return err
		}
		pf = f
		defer pf.Close()
	}

	watcher, err := config.NewWatcher(*configFlag)
	if err != nil {
		log.Error("failed to load configuration", "path", *configFlag, "error", err)
		return err
	}
	setLevelFromConfig(levelVar, *verboseFlag, watcher.Current().Global.Debug)

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go serveMetrics(log, *metricsAddrFlag)
	}

	ident := uint16(os.Getpid() & 0xffff)
	table, err := monitor.Activate(log, watcher.Current(), ident, nil)
	if err != nil {
		log.Error("failed to activate connection table", "error", err)
		return err
	}

	dispatcher := execqueue.NewDispatcher(log, execqueue.OSForker{})
	exp := exporter.New(*exportDirFlag, exporter.Period)
	clock := clockwork.NewRealClock()

	engine, err := monitor.NewEngine(log, clock, table, dispatcher, exp)
	if err != nil {
		log.Error("failed to create monitor engine", "error", err)
		return err
	}

	lifecycle := daemon.New()
	defer lifecycle.Stop()

	log.Info("lsm starting", "config", *configFlag, "connections", len(table.Targets), "groups", len(table.Groups))

	return mainLoop(log, clock, lifecycle, watcher, engine, table, pf, ident, levelVar, *verboseFlag)
}

// mainLoop drives the engine and reacts to SIGHUP/SIGUSR1/SIGINT/SIGTERM
// between iterations. Signal delivery only queues a channel notification;
// all state mutation happens here, at iteration boundaries (see
// internal/daemon).
func mainLoop(log *slog.Logger, clock clockwork.Clock, lifecycle *daemon.Lifecycle, watcher *config.Watcher, engine *monitor.Engine, table *monitor.Table, pf *pidfile.File, ident uint16, levelVar *slog.LevelVar, verbose bool) error {
	var lastPidWrite time.Time
	for {
		select {
		case <-lifecycle.Done():
			log.Info("shutting down")
			table.Close()
			engine.Close()
			return nil

		case <-lifecycle.Reload():
			log.Info("reloading configuration")
			if err := watcher.Reload(); err != nil {
				log.Error("configuration reload failed, keeping previous configuration", "error", err)
				continue
			}
			newTable, err := monitor.Activate(log, watcher.Current(), ident, table.Statuses())
			if err != nil {
				log.Error("failed to re-activate connection table, keeping previous configuration", "error", err)
				continue
			}
			old := table
			table = newTable
			engine.SetTable(table)
			old.Close()
			setLevelFromConfig(levelVar, verbose, watcher.Current().Global.Debug)
			log.Info("configuration reloaded", "connections", len(table.Targets), "groups", len(table.Groups))

		case <-lifecycle.Dump():
			dumpStatus(log, table)

		default:
			now := clock.Now()
			engine.RunOnce(now)
			if pf != nil && now.Sub(lastPidWrite) >= time.Second {
				lastPidWrite = now
				if err := pf.Write(); err != nil {
					log.Error("failed to update pidfile", "error", err)
				}
			}
			// RunOnce already blocks on the bounded receive poll; the only
			// extra sleep is the 1s idle wait when no target socket is open.
			if !table.AnySocketOpen() {
				clock.Sleep(1 * time.Second)
			}
		}
	}
}

// dumpStatus logs a snapshot of every connection and group's current
// status and counters, triggered by SIGUSR1.
func dumpStatus(log *slog.Logger, table *monitor.Table) {
	for _, tgt := range table.Targets {
		log.Info("status dump: connection", "name", tgt.Config.Name, "status", tgt.Status.String(),
			"replied", tgt.Stats.Replied, "waiting", tgt.Stats.Waiting, "timeout", tgt.Stats.Timeout)
	}
	for _, g := range table.Groups {
		log.Info("status dump: group", "name", g.Config.Name, "logic", g.Config.Logic.String(), "status", g.Status.String())
	}
}

func serveMetrics(log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics server listener", "error", err)
		os.Exit(1)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("prometheus metrics server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

// setLevelFromConfig maps the config file's global debug key onto the
// logger's level: debug>=1 selects slog.LevelDebug. The -verbose/-v flag
// always wins over the config file, since an operator who passed it
// explicitly on the command line wants debug logs regardless of what's on
// disk.
func setLevelFromConfig(level *slog.LevelVar, verbose bool, configDebug int) {
	if verbose || configDebug >= 1 {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
