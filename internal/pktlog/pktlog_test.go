package pktlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendReplyBasic(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Now()
	seq := l.Send(now, false)
	require.Equal(t, uint32(0), seq, "first seq")
	require.True(t, l.Reply(seq, now.Add(10*time.Millisecond)), "reply should have matched")

	e := l.entries[0]
	require.True(t, e.Flags.Replied)
	require.False(t, e.Flags.Waiting)
	require.Equal(t, 10*time.Millisecond, e.RTT)
}

func TestReplyStaleSlotDropped(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Now()
	seq := l.Send(now, false)
	// Recycle the slot with FollowedPkts more sends.
	for i := 0; i < FollowedPkts; i++ {
		l.Send(now, false)
	}
	require.False(t, l.Reply(seq, now), "stale reply to recycled slot should be dropped")
}

func TestSeqWrapAlignment(t *testing.T) {
	t.Parallel()

	l := New()
	l.seq = SeqLimiter - 1
	now := time.Now()
	s1 := l.Send(now, false)
	s2 := l.Send(now, false)
	require.Equal(t, uint32(SeqLimiter-1), s1)
	require.Equal(t, uint32(0), s2, "s2 should wrap to 0")
	require.Equal(t, uint32(SeqLimiter-1)%FollowedPkts, s1%FollowedPkts, "slot alignment broken across wrap")
}

func TestAggregateTimeoutAndReplyLate(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Now()
	seq := l.Send(now, false)

	// No reply arrives before the timeout deadline.
	st := l.Aggregate(now.Add(2*time.Second), time.Second)
	require.Equal(t, 1, st.Timeout)
	require.Equal(t, 0, st.Waiting, "a timed-out slot no longer counts as waiting")

	// A late reply then arrives: replied and timeout both stand.
	l.Reply(seq, now.Add(3*time.Second))
	st = l.Aggregate(now.Add(3*time.Second), time.Second)
	require.Equal(t, 1, st.Replied)
	require.Equal(t, 1, st.Timeout)
	require.Equal(t, 1, st.ReplyLate)
}

func TestAggregateConsecutiveCounters(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Now()

	// 5 replies, then 3 consecutive waiting (no timeout yet).
	for i := 0; i < 5; i++ {
		s := l.Send(now, false)
		l.Reply(s, now)
	}
	for i := 0; i < 3; i++ {
		l.Send(now, false)
	}

	// The consecutive-* scan starts two behind the next sequence number, so
	// the newest probe is not counted: 2 of the 3 waiting slots are visible.
	st := l.Aggregate(now, time.Hour) // timeout far in the future: no timeouts yet
	require.Equal(t, 2, st.ConsecutiveWaiting)
	require.Equal(t, 2, st.ConsecutiveMissing)
	require.Equal(t, 0, st.ConsecutiveRcvd, "broken by waiting prefix")
}

func TestAggregateConsecutiveMissingIncludesWaitingInvariant(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Now()
	for i := 0; i < 10; i++ {
		l.Send(now, false)
	}
	st := l.Aggregate(now.Add(2*time.Second), time.Second) // all 10 now timed out
	require.GreaterOrEqual(t, st.ConsecutiveMissing, st.ConsecutiveWaiting)
	require.Equal(t, 0, st.ConsecutiveWaiting, "want 0 once timed out")
	require.Equal(t, 9, st.ConsecutiveMissing, "scan starts two behind the next seq, so 9 of the 10 slots are visible")
}
