package conn

import (
	"errors"
	"time"

	"github.com/lstein/Net-ISP-Balance/internal/pktlog"
	"github.com/lstein/Net-ISP-Balance/internal/probe"
)

// Target is one connection's live state: the dense id and socket used for
// probing, the circular packet log, the counters derived from it each
// tick, and the state-machine bookkeeping needed to decide and report
// transitions.
type Target struct {
	ID     uint16
	Config Config
	Dest   Resolved

	Socket probe.Socket
	Kind   probe.Kind
	Log    *pktlog.Log
	Stats  pktlog.Stats

	Status       Status
	StatusChange bool

	DownTimestamp   time.Time
	DownSeq         uint32
	DownSeqReported uint32

	LastSendTime time.Time

	// startupSent counts probes sent since activation, used to decide when
	// startup_burst_interval still applies in place of interval_ms.
	startupSent int
}

// New creates target state for cfg, assigning it id and sock. Status starts
// at cfg.InitialStatus, the value a reload may have overridden from a
// snapshot of the prior cycle (see monitor.Activate's prior argument).
func New(id uint16, cfg Config, dest Resolved, sock probe.Socket) *Target {
	return &Target{
		ID:     id,
		Config: cfg,
		Dest:   dest,
		Socket: sock,
		Log:    pktlog.New(),
		Status: cfg.InitialStatus,
	}
}

// NextInterval returns the spacing to use before this target's next probe:
// startup_burst_interval for the first startup_burst_pkts probes when
// startup_acceleration is set, else the configured interval_ms.
func (t *Target) NextInterval() time.Duration {
	c := t.Config
	if c.StartupAcceleration && t.startupSent < c.StartupBurstPkts {
		return time.Duration(c.StartupBurstInterval) * time.Millisecond
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Send stamps the packet log for one probe attempt (always, whether or not
// the underlying socket write succeeds; see probe.Socket.Send) and
// transmits it.
func (t *Target) Send(now time.Time) error {
	var sendErr error
	if t.Socket == nil {
		sendErr = errors.New("no probe socket")
	} else if err := t.Socket.Open(); err != nil {
		sendErr = err
	} else {
		sendErr = t.Socket.Send(t.Log.NextSeq(), now)
	}
	t.Log.Send(now, sendErr != nil)
	t.LastSendTime = now
	t.startupSent++
	return sendErr
}
