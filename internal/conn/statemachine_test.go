package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lstein/Net-ISP-Balance/internal/pktlog"
)

func testConfig() Config {
	return Config{
		Name:                  "wan1",
		CheckIP:               "198.51.100.1",
		IntervalMS:            100,
		TimeoutMS:             500,
		MaxPacketLoss:         15,
		MinPacketLoss:         0,
		MaxSuccessivePktsLost: 7,
		MinSuccessivePktsRcvd: 5,
		EventScript:           "/etc/lsm/event.sh",
		NotifyScript:          "/etc/lsm/notify.sh",
		LongDownEventScript:   "/etc/lsm/long_event.sh",
		LongDownNotifyScript:  "/etc/lsm/long_notify.sh",
		WarnEmail:             "noc@example.com",
		LongDownEmail:         "escalation@example.com",
		InitialStatus:         Unknown,
	}
}

// Six clean replies bring an UNKNOWN connection UP, with the notify script
// suppressed because unknown_up_notify defaults to false.
func TestColdStartHealthyLinkGoesUp(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tg := New(0, cfg, Resolved{}, nil)
	now := time.Now()

	var res TickResult
	for i := 0; i < 6; i++ {
		seq := tg.Log.Send(now, false)
		tg.Log.Reply(seq, now)
		now = now.Add(100 * time.Millisecond)
		st := tg.Log.Aggregate(now, 500*time.Millisecond)
		res = tg.Evaluate(now, st)
	}

	require.Equal(t, Up, tg.Status)
	require.Len(t, res.Events, 1, "want exactly event_script (notify suppressed)")
	require.Equal(t, cfg.EventScript, res.Events[0].Script)
	require.Equal(t, string(EventUp), res.Events[0].Argv[1])
	require.Equal(t, cfg.WarnEmail, res.Events[0].Argv[5], "up dispatch should use warn_email")
	require.Equal(t, "unknown", res.Events[0].Argv[15])
}

// TestDropStormFromUp: enough consecutive misses take an UP connection
// DOWN and dispatch both scripts.
func TestDropStormFromUp(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tg := New(0, cfg, Resolved{}, nil)
	tg.Status = Up
	now := time.Now()

	// The aggregation scan starts two behind the next sequence number, so
	// the 7th consecutive miss becomes visible on the tick after the 8th
	// probe has been stamped.
	var res TickResult
	for i := 0; i < 8; i++ {
		tg.Log.Send(now, false)
		now = now.Add(100 * time.Millisecond)
		st := tg.Log.Aggregate(now.Add(600*time.Millisecond), 500*time.Millisecond)
		res = tg.Evaluate(now, st)
	}

	require.Equal(t, Down, tg.Status)
	require.Len(t, res.Events, 2, "want both event_script and notify_script")
	for _, e := range res.Events {
		require.Equal(t, string(EventDown), e.Argv[1])
		require.Equal(t, cfg.WarnEmail, e.Argv[5], "down dispatch should use warn_email")
	}
	require.True(t, tg.DownTimestamp.Equal(now))
}

// TestRecoveryAfterDown: a run of clean replies takes a DOWN connection
// back UP once both recovery thresholds are met.
func TestRecoveryAfterDown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tg := New(0, cfg, Resolved{}, nil)
	tg.Status = Down
	now := time.Now()
	tg.DownTimestamp = now

	var res TickResult
	for i := 0; i < 6; i++ {
		seq := tg.Log.Send(now, false)
		tg.Log.Reply(seq, now)
		now = now.Add(100 * time.Millisecond)
		st := tg.Log.Aggregate(now, 500*time.Millisecond)
		res = tg.Evaluate(now, st)
	}

	require.Equal(t, Up, tg.Status)
	require.Len(t, res.Events, 2, "want both scripts on recovery")
}

// TestLongDown: after long_down_time seconds continuously down, a single
// long_down event fires and status becomes LONG_DOWN.
func TestLongDown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.LongDownTime = 60
	tg := New(0, cfg, Resolved{}, nil)
	tg.Status = Down
	start := time.Now()
	tg.DownTimestamp = start
	tg.DownSeq = 0
	tg.DownSeqReported = 0

	now := start
	longDownEvents := 0
	for i := 0; i < 61; i++ {
		now = now.Add(1 * time.Second)
		st := tg.Log.Aggregate(now, 500*time.Millisecond)
		res := tg.Evaluate(now, st)
		// One long_down event dispatches both long-down scripts, so count
		// the ticks that emitted it rather than the dispatches.
		sawLongDown := false
		for _, e := range res.Events {
			if e.Argv[1] == string(EventLongDown) {
				sawLongDown = true
				require.Equal(t, cfg.LongDownEmail, e.Argv[5], "long_down dispatch should use long_down_email")
			}
		}
		if sawLongDown {
			longDownEvents++
		}
	}

	require.Equal(t, LongDown, tg.Status)
	require.Equal(t, 1, longDownEvents, "want exactly 1 long_down event")
}

// TestLongDownRecoveryFiresBothScriptPairs: climbing out of LONG_DOWN
// dispatches the long-down pair with kind long_down_to_up first, then the
// regular pair with kind up.
func TestLongDownRecoveryFiresBothScriptPairs(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tg := New(0, cfg, Resolved{}, nil)
	tg.Status = LongDown
	now := time.Now()

	var res TickResult
	for i := 0; i < 6; i++ {
		seq := tg.Log.Send(now, false)
		tg.Log.Reply(seq, now)
		now = now.Add(100 * time.Millisecond)
		st := tg.Log.Aggregate(now, 500*time.Millisecond)
		res = tg.Evaluate(now, st)
	}

	require.Equal(t, Up, tg.Status)
	require.Len(t, res.Events, 4, "long-down pair then regular pair")
	require.Equal(t, cfg.LongDownEventScript, res.Events[0].Script)
	require.Equal(t, string(EventLongDownToUp), res.Events[0].Argv[1])
	require.Equal(t, cfg.LongDownNotifyScript, res.Events[1].Script)
	require.Equal(t, cfg.EventScript, res.Events[2].Script)
	require.Equal(t, string(EventUp), res.Events[2].Argv[1])
	require.Equal(t, cfg.NotifyScript, res.Events[3].Script)
	for _, e := range res.Events {
		require.Equal(t, "long_down", e.Argv[15], "previous status for every dispatch")
	}
}

// TestStillDownReportedOncePerWindow: while down, a "link still down" report
// fires exactly once each time the sliding window position returns to the
// sequence the connection went down at.
func TestStillDownReportedOncePerWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tg := New(0, cfg, Resolved{}, nil)
	tg.Status = Up
	now := time.Now()

	// Drive the connection down first so DownSeq is pinned organically.
	for i := 0; i < 8; i++ {
		tg.Log.Send(now, false)
	}
	st := tg.Log.Aggregate(now.Add(time.Second), 500*time.Millisecond)
	res := tg.Evaluate(now, st)
	require.Equal(t, Down, tg.Status)
	require.False(t, res.StillDown, "no still-down report on the transition tick itself")

	// One full window of further losses brings seq%N back to DownSeq.
	reports := 0
	for i := 0; i < pktlog.FollowedPkts; i++ {
		tg.Log.Send(now, false)
		st = tg.Log.Aggregate(now.Add(time.Second), 500*time.Millisecond)
		if tg.Evaluate(now, st).StillDown {
			reports++
		}
	}
	require.Equal(t, 1, reports, "one report per window refresh")

	// The next window wrap reports again.
	for i := 0; i < pktlog.FollowedPkts; i++ {
		tg.Log.Send(now, false)
		st = tg.Log.Aggregate(now.Add(time.Second), 500*time.Millisecond)
		if tg.Evaluate(now, st).StillDown {
			reports++
		}
	}
	require.Equal(t, 2, reports, "a later window refresh reports once more")
}

// TestHysteresisNoOscillation: with thresholds spread apart, a packet-loss
// rate strictly between min and max never flips status in either direction.
func TestHysteresisNoOscillation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinPacketLoss = 5
	cfg.MaxPacketLoss = 20
	tg := New(0, cfg, Resolved{}, nil)
	tg.Status = Up
	now := time.Now()

	for i := 0; i < pktlog.FollowedPkts; i++ {
		seq := tg.Log.Send(now, false)
		if i%10 != 0 { // ~10% loss: between min(5) and max(20)
			tg.Log.Reply(seq, now)
		}
		now = now.Add(10 * time.Millisecond)
	}
	st := tg.Log.Aggregate(now.Add(600*time.Millisecond), 500*time.Millisecond)
	res := tg.Evaluate(now, st)

	require.Equal(t, Up, tg.Status, "status flipped at a loss rate inside the hysteresis band")
	require.Empty(t, res.Events)
}
