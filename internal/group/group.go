// Package group implements the AND/OR aggregation of connection statuses
// into a group status: a group's status is the bitwise combination of its
// members' statuses, with UNKNOWN short-circuiting the whole aggregate and
// LONG_DOWN folded into DOWN.
package group

import (
	"time"

	"github.com/lstein/Net-ISP-Balance/internal/conn"
)

// Logic selects how a group combines its members.
type Logic int

const (
	OR Logic = iota
	AND
)

func (l Logic) String() string {
	if l == AND {
		return "and"
	}
	return "or"
}

// Config is one group's static configuration. Device, Queue, WarnEmail and
// UnknownUpNotify behave for the group's own script dispatches exactly as a
// connection's do.
type Config struct {
	Name    string
	Logic   Logic
	Members []string // connection names, resolved to indices at load time

	EventScript     string
	NotifyScript    string
	WarnEmail       string
	UnknownUpNotify bool
	Device          string
	Queue           string

	InitialStatus conn.Status
}

// Group is one group's live state: its resolved member targets and its
// currently tracked aggregate status.
type Group struct {
	Config Config
	// Members are resolved once at configuration activation: every member
	// name must resolve to exactly one connection, or the load fails
	// (see internal/config).
	Members []*conn.Target

	Status conn.Status
}

// New creates group state. members must already be resolved and in the
// same order as cfg.Members.
func New(cfg Config, members []*conn.Target) *Group {
	return &Group{Config: cfg, Members: members, Status: cfg.InitialStatus}
}

// Evaluate recomputes the aggregate status from member statuses and
// returns the dispatch events for an up/down transition, if any. Called
// once per tick after every member connection's own state machine has run.
func (g *Group) Evaluate(now time.Time) []conn.Event {
	agg, unknown := g.aggregate()

	prev := g.Status
	if unknown {
		g.Status = conn.Unknown
		return nil
	}
	g.Status = agg
	if prev == agg {
		return nil
	}

	kind := conn.EventDown
	if agg == conn.Up {
		kind = conn.EventUp
	}
	return g.buildEvents(kind, prev, now)
}

// aggregate computes the bitwise-combined status over all members: start
// the accumulator at the logic's identity bit (OR=0, AND=1), OR-combine for
// an OR group or AND-combine for an AND group. A member's bit is
// conn.Status.Bit() (1 for UP, 0 for DOWN/LONG_DOWN); any UNKNOWN member
// short-circuits the whole aggregate to UNKNOWN.
func (g *Group) aggregate() (status conn.Status, unknown bool) {
	acc := int(g.Config.Logic)
	for _, m := range g.Members {
		if m.Status == conn.Unknown {
			return conn.Unknown, true
		}
		bit := m.Status.Bit()
		if g.Config.Logic == AND {
			acc &= bit
		} else {
			acc |= bit
		}
	}
	if acc != 0 {
		return conn.Up, false
	}
	return conn.Down, false
}

// buildEvents mirrors conn.Target.buildEvents for a group: the same
// positional argument-vector convention, with every per-connection field
// set to "NA"/0. The notify script is suppressed when the
// group rises out of UNKNOWN to UP unless unknown_up_notify is set, the
// same rule a connection applies.
func (g *Group) buildEvents(kind conn.EventKind, prev conn.Status, now time.Time) []conn.Event {
	argv := func(script string) []string {
		return conn.BuildArgv(script, kind, g.Config.Name, "NA", g.Config.Device, g.Config.WarnEmail, conn.Stats{}, "", prev, now)
	}
	suppressNotify := kind == conn.EventUp && prev == conn.Unknown && !g.Config.UnknownUpNotify

	var events []conn.Event
	if g.Config.EventScript != "" {
		events = append(events, conn.Event{Script: g.Config.EventScript, Queue: g.Config.Queue, Argv: argv(g.Config.EventScript)})
	}
	if g.Config.NotifyScript != "" && !suppressNotify {
		events = append(events, conn.Event{Script: g.Config.NotifyScript, Queue: "", Argv: argv(g.Config.NotifyScript)})
	}
	return events
}
