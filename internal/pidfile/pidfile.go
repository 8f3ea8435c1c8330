// Package pidfile implements PID-file management for the daemon: open (or
// create), flock exclusively so a second instance against the same path
// refuses to start, and rewrite the running pid on demand.
package pidfile

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// File is an open, exclusively-locked PID file.
type File struct {
	f    *os.File
	path string
}

// Open creates (if absent) and exclusively locks path, refusing to start a
// second instance against the same pidfile. The lock is released
// automatically when the process exits or Close is called.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_CLOEXEC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: %s is locked by another instance: %w", path, err)
	}
	return &File{f: f, path: path}, nil
}

// Write truncates the file and rewrites the current process's pid.
func (pf *File) Write() error {
	if pf == nil {
		return nil
	}
	if err := pf.f.Truncate(0); err != nil {
		return fmt.Errorf("pidfile: truncate: %w", err)
	}
	if _, err := pf.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("pidfile: write: %w", err)
	}
	return nil
}

// Close releases the lock, closes the file and removes it from disk so a
// clean shutdown leaves no stale pidfile behind. Safe to call on a nil
// File (the no-daemonize / foreground path never opens one).
func (pf *File) Close() error {
	if pf == nil {
		return nil
	}
	err := pf.f.Close()
	if rmErr := os.Remove(pf.path); err == nil {
		err = rmErr
	}
	return err
}
