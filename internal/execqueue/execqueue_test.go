package execqueue

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeProcess is a controllable Process for tests: Wait blocks until done
// is closed, so a test can control exactly when a "child" exits.
type fakeProcess struct {
	pid  int
	done chan error
}

func (p *fakeProcess) PID() int { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.done }

type fakeForker struct {
	mu      sync.Mutex
	nextPID int
	started []int
}

func (f *fakeForker) Start(argv, envp []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	pid := f.nextPID
	f.started = append(f.started, pid)
	return &fakeProcess{pid: pid, done: make(chan error, 1)}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestQueueSerializesOneChildAtATime(t *testing.T) {
	t.Parallel()

	forker := &fakeForker{}
	d := NewDispatcher(discardLogger(), forker)

	require.NoError(t, d.Add("Q", []string{"/bin/true", "a"}, nil))
	require.NoError(t, d.Add("Q", []string{"/bin/true", "b"}, nil))

	d.Process()
	require.Len(t, forker.started, 1, "want exactly one child forked")
	firstPID := forker.started[0]

	// A second Process call while the head is still running must not fork
	// the second entry: non-head entries are never touched.
	d.Process()
	require.Len(t, forker.started, 1, "want still exactly one")

	d.Delete(firstPID)
	d.Process()
	require.Len(t, forker.started, 2, "want second child forked after first deleted")
}

func TestDeleteUnknownPIDIsNoop(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(discardLogger(), &fakeForker{})
	require.NotPanics(t, func() { d.Delete(12345) })
}

func TestQueuesAdvanceIndependently(t *testing.T) {
	t.Parallel()

	forker := &fakeForker{}
	d := NewDispatcher(discardLogger(), forker)
	require.NoError(t, d.Add("Q1", []string{"/bin/true"}, nil))
	require.NoError(t, d.Add("Q2", []string{"/bin/true"}, nil))

	d.Process()
	require.Len(t, forker.started, 2, "want one child per queue running concurrently")
}

func TestReapedChannelDeliversCompletion(t *testing.T) {
	t.Parallel()

	forker := &fakeForker{}
	d := NewDispatcher(discardLogger(), forker)
	require.NoError(t, d.Add("Q", []string{"/bin/true"}, nil))
	d.Process()

	head := d.queues[0].entries[0]
	fp := head.proc.(*fakeProcess)
	fp.done <- nil

	r := <-d.Reaped()
	require.Equal(t, head.pid, r.PID)
}
