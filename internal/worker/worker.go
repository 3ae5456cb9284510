// Package worker coordinates the single background slot reserved for long
// external-application calls. There is no pool and no queue: one named
// operation may run at a time, gated by the is_toolkit_busy flag in the
// shared property record.
package worker

import (
	"sync"
	"time"

	"aedthub/internal/logging"
	"aedthub/internal/properties"
)

// State is the computed coordinator status. It is derived on every call to
// Status, never stored.
type State int

const (
	// Idle means no operation is running and the busy flag is clear.
	Idle State = iota
	// Busy means an operation is running and the busy flag is set.
	Busy
	// Crashed means exactly one of the two signals is set: the goroutine
	// exited without the flag being cleared, or the flag was raised with no
	// goroutine behind it. Either way something external went wrong and the
	// disagreement is surfaced rather than repaired.
	Crashed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return "crashed"
	}
}

// Coordinator owns the background slot. It holds the handle to the running
// goroutine directly (a done channel) instead of probing a thread registry,
// so liveness checks cannot be confused by unrelated goroutines.
type Coordinator struct {
	mu    sync.Mutex
	props *properties.Record
	name  string
	done  chan struct{}
}

// New creates a Coordinator gated by the given record's busy flag.
func New(props *properties.Record) *Coordinator {
	return &Coordinator{props: props}
}

// Launch starts op in the background slot. If the busy flag is already set it
// returns false immediately; there is no queueing and no blocking wait. The
// flag is set before Launch returns, which is the sole mutual-exclusion
// guarantee: two racing calls cannot both observe a free slot.
//
// The flag is cleared when op returns. Launch never recovers a panicking
// operation; an op that hangs leaves the coordinator Busy forever, and
// callers must bound their own waits (see WaitToBeIdle).
func (c *Coordinator) Launch(name string, op func()) bool {
	c.mu.Lock()
	if c.props.Busy() {
		c.mu.Unlock()
		logging.Debug("Background slot busy, rejecting operation", "name", name)
		return false
	}
	c.props.SetBusy(true)
	done := make(chan struct{})
	c.done = done
	c.name = name
	c.mu.Unlock()

	logging.Info("Background operation started", "name", name)
	go func() {
		// Deliberate ordering: the flag clears before done closes, so at
		// operation end Status can transiently read running+not-busy
		// (crashed). Swapping the defers only mirrors the window to
		// not-running+busy; keep the flag-first order, which matches the
		// clear-flag-then-exit lifecycle callers observe.
		defer close(done)
		defer c.props.SetBusy(false)
		op()
		logging.Info("Background operation finished", "name", name)
	}()
	return true
}

// Running reports whether the most recently launched operation is still
// executing.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// OperationName returns the name of the last launched operation.
func (c *Coordinator) OperationName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Status compares goroutine liveness against the busy flag. Agreement means
// Idle or Busy; disagreement means Crashed.
func (c *Coordinator) Status() State {
	running := c.Running()
	busy := c.props.Busy()

	switch {
	case running && busy:
		return Busy
	case !running && !busy:
		return Idle
	default:
		logging.Warn("Coordinator state disagreement",
			"running", running, "busyFlag", busy, "operation", c.OperationName())
		return Crashed
	}
}

// WaitToBeIdle polls Status once per second until it reaches Idle, for at
// most timeout iterations. It returns false on timeout, including when the
// coordinator is stuck Crashed with the busy flag raised. The running
// operation is not cancelled when the waiter gives up; there is no
// cancellation at all.
func (c *Coordinator) WaitToBeIdle(timeout int) bool {
	for i := 0; i < timeout; i++ {
		if c.Status() == Idle {
			return true
		}
		time.Sleep(1 * time.Second)
	}
	return c.Status() == Idle
}
