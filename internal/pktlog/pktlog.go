// Package pktlog implements the fixed-size circular packet log each probe
// target owns: a sliding window of the last FollowedPkts probes, written on
// send and reply, and aggregated once per tick into the derived counters the
// state machine acts on.
package pktlog

import "time"

// FollowedPkts is the sliding-window size. Must not exceed 65535.
const FollowedPkts = 100

// SeqLimiter bounds the sequence counter so that seq%FollowedPkts stays
// aligned across wrap: it is the largest multiple of FollowedPkts that fits
// in a uint16.
const SeqLimiter = (0x10000 / FollowedPkts) * FollowedPkts

// Flags records the lifecycle of one logged probe.
type Flags struct {
	Used    bool
	Waiting bool
	Replied bool
	Timeout bool
	Error   bool
}

// Entry is one slot of the circular log.
type Entry struct {
	Seq         uint32
	SentTime    time.Time
	RepliedTime time.Time
	RTT         time.Duration
	Flags       Flags
}

// Stats are the counters recomputed from the log once per tick.
type Stats struct {
	Used               int
	Waiting            int
	Replied            int
	Timeout            int
	ReplyLate          int
	ConsecutiveWaiting int
	ConsecutiveMissing int
	ConsecutiveRcvd    int
	AvgRTT             time.Duration
}

// Log is a per-target circular buffer of FollowedPkts probes. Not safe for
// concurrent use: the monitor's single decision loop is the only writer and
// reader, matching the single-threaded cooperative model of the engine.
type Log struct {
	entries [FollowedPkts]Entry
	seq     uint32
	numSent uint64
}

// New returns an empty log with the sequence counter starting at zero.
func New() *Log {
	return &Log{}
}

// NextSeq returns the sequence number the next Send call will use.
func (l *Log) NextSeq() uint32 {
	return l.seq
}

// NumSent is the total number of probes stamped, including failed sends.
func (l *Log) NumSent() uint64 {
	return l.numSent
}

// Send stamps a new slot for the next sequence number and advances seq and
// numSent, returning the sequence number used. Called unconditionally,
// whether or not the underlying socket send succeeded: a run of send
// failures must look exactly like a run of missing replies to the state
// machine, so failed marks the slot's Error flag but never skips the stamp.
func (l *Log) Send(now time.Time, failed bool) uint32 {
	s := l.seq
	l.entries[s%FollowedPkts] = Entry{
		Seq: s,
		Flags: Flags{
			Used:    true,
			Waiting: true,
			Error:   failed,
		},
		SentTime: now,
	}
	l.numSent++
	l.seq = (l.seq + 1) % SeqLimiter
	return s
}

// Reply marks sequence seq as replied at now if the stored slot still holds
// that exact sequence number; stale replies to a slot since recycled by a
// later send are dropped. A slot can be marked Replied after already being
// marked Timeout by Aggregate (a late reply): both flags then stand,
// counting toward ReplyLate.
func (l *Log) Reply(seq uint32, now time.Time) bool {
	e := &l.entries[seq%FollowedPkts]
	if !e.Flags.Used || e.Seq != seq {
		return false
	}
	e.Flags.Replied = true
	e.Flags.Waiting = false
	e.RepliedTime = now
	e.RTT = now.Sub(e.SentTime)
	return true
}

// ReplyLatest marks the most recently sent slot (seq-1 mod FollowedPkts) as
// replied, for ARP probing: ARP has no sequence number of its own, so reply
// bookkeeping marks the most recently sent slot rather than matching an
// echoed sequence number.
func (l *Log) ReplyLatest(now time.Time) bool {
	if l.numSent == 0 {
		return false
	}
	e := &l.entries[mod(int(l.seq)-1, FollowedPkts)]
	if !e.Flags.Used {
		return false
	}
	e.Flags.Replied = true
	e.Flags.Waiting = false
	e.RepliedTime = now
	e.RTT = now.Sub(e.SentTime)
	return true
}

// Aggregate marks any still-waiting slot whose deadline (timeout) has passed
// as timed out (it then no longer counts as waiting) and recomputes the
// tick-level Stats. p = (nextSeq-2) mod N is the scan
// start for the consecutive-* counters, walking backwards and stopping at
// the first unused slot.
func (l *Log) Aggregate(now time.Time, timeout time.Duration) Stats {
	for i := range l.entries {
		e := &l.entries[i]
		if e.Flags.Used && e.Flags.Waiting && now.Sub(e.SentTime) > timeout {
			e.Flags.Timeout = true
			e.Flags.Waiting = false
		}
	}

	var st Stats
	var rttSum time.Duration
	for i := range l.entries {
		e := l.entries[i]
		if !e.Flags.Used {
			continue
		}
		st.Used++
		if e.Flags.Waiting {
			st.Waiting++
		}
		if e.Flags.Replied {
			st.Replied++
			rttSum += e.RTT
		}
		if e.Flags.Timeout {
			st.Timeout++
		}
		if e.Flags.Replied && e.Flags.Timeout {
			st.ReplyLate++
		}
	}
	if st.Replied > 0 {
		st.AvgRTT = rttSum / time.Duration(st.Replied)
	}

	p := mod(int(l.seq)-2, FollowedPkts)
	waitingOpen, missingOpen, rcvdOpen := true, true, true
	for i := 0; i < FollowedPkts; i++ {
		e := l.entries[mod(p-i, FollowedPkts)]
		if !e.Flags.Used {
			break
		}
		if waitingOpen && e.Flags.Waiting {
			st.ConsecutiveWaiting++
		} else {
			waitingOpen = false
		}
		if missingOpen && (e.Flags.Waiting || e.Flags.Timeout) {
			st.ConsecutiveMissing++
		} else {
			missingOpen = false
		}
		if rcvdOpen && e.Flags.Replied && !e.Flags.Timeout {
			st.ConsecutiveRcvd++
		} else {
			rcvdOpen = false
		}
		if !waitingOpen && !missingOpen && !rcvdOpen {
			break
		}
	}

	return st
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
