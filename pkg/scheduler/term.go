// Package scheduler hosts the two long-running background workers of the
// scheduler process: the dispatcher that pulls jobs from the upstream
// build system and routes them onto broker queues, and the monitor that
// reconciles persisted task status against the result store.
package scheduler

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

// TerminationEvents carries the two shutdown signals shared by the
// background workers. Graceful lets in-flight iterations settle; the
// loops only exit once the hard event is set as well.
type TerminationEvents struct {
	graceful atomic.Bool
	hard     atomic.Bool
	hardCh   chan struct{}
}

// NewTerminationEvents returns unset termination events.
func NewTerminationEvents() *TerminationEvents {
	return &TerminationEvents{hardCh: make(chan struct{})}
}

// SetGraceful requests a graceful drain.
func (t *TerminationEvents) SetGraceful() {
	t.graceful.Store(true)
}

// SetHard requests termination and cuts any pending sleep short.
func (t *TerminationEvents) SetHard() {
	if t.hard.CompareAndSwap(false, true) {
		close(t.hardCh)
	}
}

// ShouldExit reports whether both events are set.
func (t *TerminationEvents) ShouldExit() bool {
	return t.graceful.Load() && t.hard.Load()
}

// HardSet reports whether the hard event is set.
func (t *TerminationEvents) HardSet() bool {
	return t.hard.Load()
}

// Sleep waits for d, returning early when the hard event fires.
func (t *TerminationEvents) Sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-t.hardCh:
	}
}

// Notify installs the process signal handlers: SIGINT/SIGTERM set the
// hard event, SIGUSR1 the graceful one.
func (t *TerminationEvents) Notify() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				t.SetGraceful()
			} else {
				t.SetHard()
			}
		}
	}()
}
