package monitor

import (
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lstein/Net-ISP-Balance/internal/conn"
	"github.com/lstein/Net-ISP-Balance/internal/execqueue"
	"github.com/lstein/Net-ISP-Balance/internal/exporter"
	"github.com/lstein/Net-ISP-Balance/internal/metrics"
	"github.com/lstein/Net-ISP-Balance/internal/probe"
)

// MinPerHostInterval is the global inter-send guard: at least this much
// time must elapse between sends across ALL targets, preventing a large
// target set from bursting onto the wire at once.
const MinPerHostInterval = 20 * time.Millisecond

// TickInterval is the cadence of the decision phase: aggregation, state
// machines, group aggregation and queue advancement all run once per
// second.
const TickInterval = 1 * time.Second

// Engine runs the single cooperative decision loop: one goroutine, no
// internal concurrency over target/group/queue state. Probe sends and
// receive draining run at sub-second pace between the 1s decision ticks,
// so the loop cannot be a single fixed-rate ticker.
type Engine struct {
	log        *slog.Logger
	clock      clockwork.Clock
	table      *Table
	mux        *probe.Multiplexer
	dispatcher *execqueue.Dispatcher
	exporter   *exporter.Exporter

	lastGlobalSend time.Time
	lastTick       time.Time
}

// NewEngine wires an Engine over an already-Activate'd Table.
func NewEngine(log *slog.Logger, clock clockwork.Clock, table *Table, dispatcher *execqueue.Dispatcher, exp *exporter.Exporter) (*Engine, error) {
	mux, err := probe.NewMultiplexer()
	if err != nil {
		return nil, err
	}
	return &Engine{log: log, clock: clock, table: table, mux: mux, dispatcher: dispatcher, exporter: exp}, nil
}

// SetTable swaps in a freshly-activated table, for config reload. The
// caller is responsible for closing the old table's sockets after this
// call returns (Table.Close).
func (e *Engine) SetTable(table *Table) { e.table = table }

// Close releases the receive multiplexer. The engine must not be run again
// afterwards; target sockets are owned by the Table and closed separately.
func (e *Engine) Close() { e.mux.Close() }

// RunOnce drives exactly one outer-loop iteration: at most one send (gated
// by MinPerHostInterval and each target's own interval), one bounded
// receive-drain wait, and, if at least TickInterval has passed since the
// last decision phase, one full tick. Exported as the unit of work so
// tests can single-step the engine deterministically; the daemon's main
// loop calls it continuously.
func (e *Engine) RunOnce(now time.Time) {
	e.maybeSend(now)
	e.drainReplies(now)
	if e.lastTick.IsZero() || now.Sub(e.lastTick) >= TickInterval {
		e.lastTick = now
		e.tick(now)
	}
}

// maybeSend sends at most one probe this iteration: the first target (in
// table order) for which both the global and per-target pacing gates are
// satisfied.
func (e *Engine) maybeSend(now time.Time) {
	if !e.lastGlobalSend.IsZero() && now.Sub(e.lastGlobalSend) < MinPerHostInterval {
		return
	}
	for _, tgt := range e.table.Targets {
		if !tgt.LastSendTime.IsZero() && now.Sub(tgt.LastSendTime) < tgt.NextInterval() {
			continue
		}
		if err := tgt.Send(now); err != nil {
			e.log.Debug("monitor: send failed", "connection", tgt.Config.Name, "error", err)
			if tgt.Socket != nil {
				tgt.Socket.Close() // reopened on the next send attempt
			}
		}
		metrics.ProbesSentTotal.WithLabelValues(tgt.Config.Name).Inc()
		e.lastGlobalSend = now
		return
	}
}

// drainReplies polls every open target socket once and, for whichever are
// readable, reads and demultiplexes one datagram each; the outer loop's
// repeated RunOnce calls drain anything left over.
func (e *Engine) drainReplies(now time.Time) {
	sockets := make([]probe.Socket, len(e.table.Targets))
	for i, tgt := range e.table.Targets {
		sockets[i] = tgt.Socket
	}
	e.mux.Register(sockets)

	ready, _, err := e.mux.Wait(int(probe.DefaultSelectWait / time.Millisecond))
	if err != nil {
		e.log.Debug("monitor: poll failed", "error", err)
		return
	}
	buf := make([]byte, 2048)
	for _, idx := range ready {
		e.handleReadable(e.table.Targets[idx], buf, now)
	}
}

// handleReadable reads one datagram off tgt's socket and routes the reply
// to the owning target. For ICMPv4/ICMPv6 the owning target is recovered
// from the embedded dense id in the payload (the socket that was readable
// may have received a reply addressed to a *different* target, since a raw
// ICMP socket observes all inbound traffic of that protocol on the host).
// ARP has no such embedded id; the reply is matched against the triggering
// socket's own target.
func (e *Engine) handleReadable(tgt *conn.Target, buf []byte, now time.Time) {
	n, from, err := tgt.Socket.Recv(buf)
	if err != nil {
		e.log.Debug("monitor: recv failed", "connection", tgt.Config.Name, "error", err)
		tgt.Socket.Close()
		return
	}
	pkt := buf[:n]

	switch tgt.Kind {
	case probe.KindICMPv4:
		id, src, seq, ok := probe.ParseICMPv4Reply(pkt, e.table.ident)
		if !ok || int(id) >= len(e.table.Targets) {
			return
		}
		owner := e.table.Targets[id]
		if owner.Dest.Dest == nil || !owner.Dest.Dest.Equal(src) {
			return
		}
		owner.Log.Reply(uint32(seq), now)

	case probe.KindICMPv6:
		id, seq, ok := probe.ParseICMPv6Reply(pkt, e.table.ident)
		if !ok || int(id) >= len(e.table.Targets) {
			return
		}
		owner := e.table.Targets[id]
		if owner.Dest.Dest == nil || (from != nil && !owner.Dest.Dest.Equal(from)) {
			return
		}
		owner.Log.Reply(uint32(seq), now)

	case probe.KindARP:
		var localIP net.IP
		var localHW net.HardwareAddr
		var hrd uint16
		if as, ok := tgt.Socket.(*probe.ARPSocket); ok {
			localIP, localHW = as.LocalAddrs()
			hrd = as.HardwareType()
		}
		if _, ok := probe.ParseARPReply(pkt, hrd, tgt.Dest.Dest, localIP, localHW); ok {
			tgt.Log.ReplyLatest(now)
		}
	}
}

// tick runs the once-per-second decision phase: aggregate every target's
// packet log, evaluate its state machine, aggregate every group, advance
// the exec queues, reap finished children, export counters and update
// Prometheus gauges.
func (e *Engine) tick(now time.Time) {
	start := now
	defer func() {
		metrics.TickDuration.Observe(e.clock.Now().Sub(start).Seconds())
	}()

	for _, tgt := range e.table.Targets {
		timeout := time.Duration(tgt.Config.TimeoutMS) * time.Millisecond
		st := tgt.Log.Aggregate(now, timeout)
		res := tgt.Evaluate(now, st)

		for _, ev := range res.Events {
			e.dispatch(tgt.Config.Name, ev)
		}
		if res.StillDown {
			e.log.Info("link still down", "connection", tgt.Config.Name, "since", tgt.DownTimestamp)
		}

		metrics.ConnectionStatus.WithLabelValues(tgt.Config.Name).Set(float64(tgt.Status))
		metrics.WindowTimeouts.WithLabelValues(tgt.Config.Name).Set(float64(st.Timeout))
		metrics.AvgRTTSeconds.WithLabelValues(tgt.Config.Name).Set(st.AvgRTT.Seconds())
	}

	for _, g := range e.table.Groups {
		events := g.Evaluate(now)
		for _, ev := range events {
			e.dispatch(g.Config.Name, ev)
		}
		metrics.GroupStatus.WithLabelValues(g.Config.Name).Set(float64(g.Status))
	}

	e.dispatcher.Process()
	e.reap()
	for _, queueName := range e.queueNames() {
		metrics.QueueDepth.WithLabelValues(queueName).Set(float64(e.dispatcher.QueueDepth(queueName)))
	}

	if e.exporter != nil {
		sources := make([]exporter.Source, len(e.table.Targets))
		for i, tgt := range e.table.Targets {
			sources[i] = exporter.Source{Name: tgt.Config.Name, Status: tgt.Status, Stats: conn.Stats{
				Replied: tgt.Stats.Replied, Waiting: tgt.Stats.Waiting, Timeout: tgt.Stats.Timeout,
				ReplyLate: tgt.Stats.ReplyLate, ConsecutiveRcvd: tgt.Stats.ConsecutiveRcvd,
				ConsecutiveWaiting: tgt.Stats.ConsecutiveWaiting, ConsecutiveMissing: tgt.Stats.ConsecutiveMissing,
				AvgRTT: tgt.Stats.AvgRTT,
			}}
		}
		if err := e.exporter.Tick(now, sources); err != nil {
			e.log.Error("monitor: exporter tick failed", "error", err)
		}
	}
}

// queueNames collects every distinct named queue referenced by the active
// table's connections and groups, for the per-queue depth gauge.
func (e *Engine) queueNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, tgt := range e.table.Targets {
		add(tgt.Config.Queue)
	}
	for _, g := range e.table.Groups {
		add(g.Config.Queue)
	}
	return names
}

// dispatch sends one event to the exec queue dispatcher (Add, if Queue is
// set) or forks it directly (Fork, for notify scripts and any event script
// with no queue configured). Executability is checked here, the one place
// that touches the filesystem on the script-dispatch path.
func (e *Engine) dispatch(ownerName string, ev conn.Event) {
	if !execqueue.IsExecutable(ev.Script) {
		e.log.Debug("monitor: script not executable, skipping", "connection", ownerName, "script", ev.Script)
		return
	}
	envp := execqueue.Envp()
	metrics.TransitionsTotal.WithLabelValues(ownerName, ev.Argv[1]).Inc()

	if ev.Queue != "" {
		if err := e.dispatcher.Add(ev.Queue, ev.Argv, envp); err != nil {
			e.log.Error("monitor: queue add failed", "queue", ev.Queue, "error", err)
		}
		return
	}
	if _, err := e.dispatcher.Fork(ev.Argv, envp); err != nil {
		e.log.Error("monitor: direct fork failed", "script", ev.Script, "error", err)
	}
}

// reap drains every pending completion from the dispatcher's Reaped
// channel without blocking, logging non-zero exits at debug level; the
// exit status is not otherwise interpreted.
func (e *Engine) reap() {
	for {
		select {
		case r := <-e.dispatcher.Reaped():
			e.dispatcher.Delete(r.PID)
			if r.Err != nil {
				e.log.Debug("monitor: script exited non-zero", "argv", r.Argv, "error", r.Err)
			}
		default:
			return
		}
	}
}
