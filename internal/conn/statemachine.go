package conn

import (
	"time"

	"github.com/lstein/Net-ISP-Balance/internal/pktlog"
)

// TickResult is what Evaluate hands back: any script dispatches the
// transition (if any) produced, plus whether a "link still down" line
// should be logged this tick.
type TickResult struct {
	Events    []Event
	StillDown bool
}

// Evaluate runs the per-connection hysteretic state machine for one tick.
// It must be called after the packet log's Aggregate for
// this tick, with st the resulting counters; t.Stats is updated as a side
// effect so callers (the exporter, the dump handler) can read the latest
// counters back off the target.
func (t *Target) Evaluate(now time.Time, st pktlog.Stats) TickResult {
	t.Stats = st
	t.StatusChange = false
	prev := t.Status
	c := t.Config

	var res TickResult

	switch {
	case (prev == Up || prev == Unknown) &&
		(st.Timeout >= c.MaxPacketLoss || st.ConsecutiveMissing >= c.MaxSuccessivePktsLost):
		t.Status = Down
		t.StatusChange = true
		t.markDown(now)
		res.Events = t.buildEvents(EventDown, prev, now)

	case (prev == Down || prev == Unknown || prev == LongDown) &&
		(st.Timeout <= c.MinPacketLoss && st.ConsecutiveRcvd >= c.MinSuccessivePktsRcvd):
		t.Status = Up
		t.StatusChange = true
		if prev == LongDown {
			// Coming back from LONG_DOWN fires the long-down script pair
			// with long_down_to_up first, then the regular pair with up.
			res.Events = append(t.buildEvents(EventLongDownToUp, prev, now),
				t.buildEvents(EventUp, prev, now)...)
		} else {
			res.Events = t.buildEvents(EventUp, prev, now)
		}

	case prev == Down && c.LongDownTime > 0 &&
		now.Sub(t.DownTimestamp) > time.Duration(c.LongDownTime)*time.Second:
		// LONG_DOWN counts as DOWN for still-down reporting and for group
		// aggregation, so the transition does not set StatusChange.
		t.Status = LongDown
		t.markDown(now)
		res.Events = t.buildEvents(EventLongDown, prev, now)
	}

	if t.Status.downLike() && !t.StatusChange {
		seq := t.Log.NextSeq()
		if seq%pktlog.FollowedPkts == t.DownSeq && seq != t.DownSeqReported {
			t.DownSeqReported = seq
			res.StillDown = true
		}
	}

	return res
}

// markDown records the bookkeeping for a down or long_down transition:
// DownSeq pins the sliding-window position at the moment of the transition,
// and a still-down report fires once each time the window has been fully
// refreshed since (DownSeqReported holds the full sequence value of the
// last report, so each wrap of the window reports exactly once).
func (t *Target) markDown(now time.Time) {
	t.DownTimestamp = now
	t.DownSeq = t.Log.NextSeq() % pktlog.FollowedPkts
	t.DownSeqReported = 0
}

// buildEvents constructs the event_script/notify_script dispatches for a
// transition. event_script honours the connection's queue; notify_script is
// always a direct (unqueued) fork. notify_script is suppressed when rising
// out of UNKNOWN to UP unless unknown_up_notify is set. Scripts that are
// empty are omitted; executability is checked by the caller (it requires a
// stat syscall, kept out of this package so the state machine stays
// testable without touching the filesystem).
func (t *Target) buildEvents(kind EventKind, prev Status, now time.Time) []Event {
	c := t.Config
	eventScript, notifyScript := c.EventScript, c.NotifyScript
	email := c.WarnEmail
	if kind == EventLongDown || kind == EventLongDownToUp {
		eventScript, notifyScript = c.LongDownEventScript, c.LongDownNotifyScript
		email = c.LongDownEmail
	}

	suppressNotify := kind == EventUp && prev == Unknown && !c.UnknownUpNotify

	sourceIP := ""
	if t.Dest.Source != nil {
		sourceIP = t.Dest.Source.String()
	}

	argv := func(script string) []string {
		return BuildArgv(script, kind, c.Name, c.CheckIP, c.Device, email, Stats{
			Replied:            t.Stats.Replied,
			Waiting:            t.Stats.Waiting,
			Timeout:            t.Stats.Timeout,
			ReplyLate:          t.Stats.ReplyLate,
			ConsecutiveRcvd:    t.Stats.ConsecutiveRcvd,
			ConsecutiveWaiting: t.Stats.ConsecutiveWaiting,
			ConsecutiveMissing: t.Stats.ConsecutiveMissing,
			AvgRTT:             t.Stats.AvgRTT,
		}, sourceIP, prev, now)
	}

	var events []Event
	if eventScript != "" {
		events = append(events, Event{Script: eventScript, Queue: c.Queue, Argv: argv(eventScript)})
	}
	if notifyScript != "" && !suppressNotify {
		events = append(events, Event{Script: notifyScript, Queue: "", Argv: argv(notifyScript)})
	}
	return events
}
