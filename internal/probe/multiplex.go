//go:build linux

package probe

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultSelectWait is the default poll timeout used to drain inbound
// replies between sends.
const DefaultSelectWait = 10_000_000 // nanoseconds, 10ms

// Multiplexer watches every registered target's socket with a single poll()
// call and reports which ones are readable: a monitor iteration needs to
// watch dozens of targets' sockets across three different transports
// (ICMPv4/ICMPv6/ARP raw fds) in one syscall rather than read-loop any
// single socket.
type Multiplexer struct {
	fds []unix.PollFd
	idx []int // fds[i] belongs to socket idx[i] in the last Register call
	efd int
}

// NewMultiplexer creates a multiplexer with its own eventfd so a blocked
// Wait can be interrupted from another goroutine.
func NewMultiplexer() (*Multiplexer, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("multiplex: eventfd: %w", err)
	}
	return &Multiplexer{efd: efd}, nil
}

func (m *Multiplexer) Close() {
	if m.efd >= 0 {
		unix.Close(m.efd)
		m.efd = -1
	}
}

// Wake interrupts a blocked Wait call; safe to call from another goroutine.
func (m *Multiplexer) Wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(m.efd, one[:])
}

// Register rebuilds the poll set from the currently open sockets. Called
// once per tick before Wait, since a socket can close and reopen between
// ticks (e.g. after a transient error) and change file descriptor.
func (m *Multiplexer) Register(sockets []Socket) {
	m.fds = m.fds[:0]
	m.idx = m.idx[:0]
	for i, sock := range sockets {
		if sock == nil {
			continue
		}
		fd := sock.FD()
		if fd < 0 {
			continue
		}
		m.fds = append(m.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		m.idx = append(m.idx, i)
	}
	m.fds = append(m.fds, unix.PollFd{Fd: int32(m.efd), Events: unix.POLLIN})
}

// Wait blocks up to timeoutMs (-1 for indefinitely) and returns the indices
// (into the slice last passed to Register) of sockets that are now
// readable. A true woken return means the wait was interrupted by Wake
// rather than (or as well as) timing out or finding ready sockets.
func (m *Multiplexer) Wait(timeoutMs int) (ready []int, woken bool, err error) {
	for {
		n, err := unix.Poll(m.fds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, false, fmt.Errorf("multiplex: poll: %w", err)
		}
		if n == 0 {
			return nil, false, nil
		}
		last := len(m.fds) - 1
		if m.fds[last].Revents&unix.POLLIN != 0 {
			var tmp [8]byte
			_, _ = unix.Read(m.efd, tmp[:])
			woken = true
		}
		for i := 0; i < last; i++ {
			if m.fds[i].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
				ready = append(ready, m.idx[i])
			}
		}
		return ready, woken, nil
	}
}
