// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package dirlock implements the process-wide, single-writer lock on a
// store directory described in spec.md §5: an exclusive advisory lock
// on a file in the directory, with a configurable retry/backoff and an
// optional forced takeover when the current holder's PID is dead. The
// teacher has no equivalent (its own cmd/tester/locktest.go exercises
// concurrent access patterns against a single in-process FlatFile, but
// never guards against a second OS process); this is grounded on
// gofrs/flock, the advisory-file-lock dependency carried by every
// blockchain-node repo in the pack for exactly this purpose.
package dirlock

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

const lockFileName = "lock"

// Lock is a held directory lock. The zero value is not usable; obtain
// one via Acquire.
type Lock struct {
	flock *flock.Flock
	path  string
}

// Options configures Acquire's retry and stale-holder behavior.
type Options struct {
	// MaxRetries is how many additional attempts Acquire makes after
	// the first failed TryLock, 0 meaning try once only.
	MaxRetries int
	// PauseBetween is the delay between retries.
	PauseBetween time.Duration
	// StaleTimeout, if non-zero, lets Acquire force-take the lock once
	// this much time has elapsed and the recorded holder PID is no
	// longer alive.
	StaleTimeout time.Duration
}

// Acquire takes the exclusive lock on dir, retrying per opts. On
// success it writes its own PID into the lock file.
func Acquire(dir string, opts Options) (*Lock, error) {
	path := dir + string(os.PathSeparator) + lockFileName
	fl := flock.New(path)

	deadline := time.Now().Add(opts.StaleTimeout)
	attempt := 0
	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("dirlock: trylock error: %w", err)
		}
		if ok {
			break
		}
		if opts.StaleTimeout > 0 && time.Now().After(deadline) {
			if takenOver, err := forceTakeoverIfDead(path); err != nil {
				return nil, err
			} else if takenOver {
				ok, err := fl.TryLock()
				if err != nil {
					return nil, fmt.Errorf("dirlock: trylock error: %w", err)
				}
				if ok {
					break
				}
			}
		}
		if attempt >= opts.MaxRetries {
			return nil, fmt.Errorf("dirlock: directory %q is locked by another process", dir)
		}
		attempt++
		time.Sleep(opts.PauseBetween)
	}

	l := &Lock{flock: fl, path: path}
	if err := l.writeHolderPID(); err != nil {
		fl.Unlock()
		return nil, err
	}
	return l, nil
}

// forceTakeoverIfDead reads the PID recorded in the lock file; if that
// process is no longer alive, it removes the stale lock file so a
// subsequent TryLock can succeed.
func forceTakeoverIfDead(path string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("dirlock: read lock file error: %w", err)
	}
	pid, err := strconv.Atoi(string(b))
	if err != nil {
		return false, nil
	}
	if processAlive(pid) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("dirlock: remove stale lock error: %w", err)
	}
	return true, nil
}

// processAlive reports whether pid refers to a live process. Signal 0
// performs no actual signalling but still validates pid's existence
// and permissions.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (l *Lock) writeHolderPID() error {
	return os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("dirlock: unlock error: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dirlock: remove lock file error: %w", err)
	}
	return nil
}
