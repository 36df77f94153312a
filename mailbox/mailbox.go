// Copyright (c) 2016 The Decred developers.

// Package mailbox holds the two mutex-protected records the coordinator
// and the mining worker communicate through. Locks here are held only for
// the duration of a single field read/write or ownership transfer, never
// across a call into an algorithm implementation or a provider wait.
package mailbox

import (
	"sync"

	"github.com/hashforge/coreminer/algorithm"
	"github.com/hashforge/coreminer/work"
)

// WorkSource identifies whoever is currently feeding work units to the
// coordinator (a Stratum pool connection, or nil to mean "idle").
type WorkSource interface {
	PoolName() string
}

// Inbox carries data from the owner thread to the mining worker.
type Inbox struct {
	mu sync.Mutex

	terminate   bool
	checkNonces bool

	// activeImpl is a one-shot handoff slot: produced by the owner
	// thread, taken exactly once by the worker at startup.
	activeImpl algorithm.Implementation

	owner     WorkSource
	pendingWU *work.Unit
}

// NewInbox returns an Inbox with nonce checking enabled by default.
func NewInbox() *Inbox {
	return &Inbox{checkNonces: true}
}

// RequestTerminate sets the cooperative-cancellation flag.
func (ib *Inbox) RequestTerminate() {
	ib.mu.Lock()
	ib.terminate = true
	ib.mu.Unlock()
}

// Terminating reports whether termination has been requested.
func (ib *Inbox) Terminating() bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.terminate
}

// SetCheckNonces toggles CPU-side nonce verification.
func (ib *Inbox) SetCheckNonces(check bool) {
	ib.mu.Lock()
	ib.checkNonces = check
	ib.mu.Unlock()
}

// CheckNonces reports whether CPU-side nonce verification is enabled.
func (ib *Inbox) CheckNonces() bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.checkNonces
}

// HandoffImplementation sets the one-shot implementation slot. It is only
// meaningful before the worker has started; calling it twice silently
// replaces the pending handoff, since assignment here always replaces.
func (ib *Inbox) HandoffImplementation(impl algorithm.Implementation) {
	ib.mu.Lock()
	ib.activeImpl = impl
	ib.mu.Unlock()
}

// TakeImplementation removes and returns the handed-off implementation,
// leaving the slot empty. Safe to call more than once; returns nil after
// the first successful take.
func (ib *Inbox) TakeImplementation() algorithm.Implementation {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	impl := ib.activeImpl
	ib.activeImpl = nil
	return impl
}

// SetWork writes a new pool reference and work unit (submit_work). Either
// may be nil to signal "go idle."
func (ib *Inbox) SetWork(owner WorkSource, wu *work.Unit) {
	ib.mu.Lock()
	ib.owner = owner
	ib.pendingWU = wu
	ib.mu.Unlock()
}

// CurrentPool mirrors a read of the owner field without consuming it.
func (ib *Inbox) CurrentPool() WorkSource {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.owner
}

// Snapshot is the worker's steady-state read: it observes whether
// termination was requested, the current pool reference, and takes
// (one-shot) any pending work unit.
func (ib *Inbox) Snapshot() (owner WorkSource, wu *work.Unit, terminate bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	owner = ib.owner
	wu = ib.pendingWU
	ib.pendingWU = nil
	terminate = ib.terminate
	return owner, wu, terminate
}

// Outbox carries data from the mining worker back to the owner thread.
type Outbox struct {
	mu sync.Mutex

	found       []work.Nonces
	terminated  bool
	initialized bool
	err         error
}

// NewOutbox returns an empty Outbox.
func NewOutbox() *Outbox { return &Outbox{} }

// SetInitialized marks the worker as having finished its init phase.
func (ob *Outbox) SetInitialized() {
	ob.mu.Lock()
	ob.initialized = true
	ob.mu.Unlock()
}

// Initialized mirrors a read of the initialized flag.
func (ob *Outbox) Initialized() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.initialized
}

// AppendFound appends newly discovered shares, preserving discovery order
// for a given (job, nonce2); across different jobs no order is
// guaranteed.
func (ob *Outbox) AppendFound(n work.Nonces) {
	ob.mu.Lock()
	ob.found = append(ob.found, n)
	ob.mu.Unlock()
}

// DrainFound moves every queued share out of the outbox. Idempotent when
// no worker activity intervenes between calls (a second call with nothing
// new produced returns nil).
func (ob *Outbox) DrainFound() []work.Nonces {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.found) == 0 {
		return nil
	}
	drained := ob.found
	ob.found = nil
	return drained
}

// SetTerminated marks the worker as having exited; if err is non-nil the
// termination was abnormal.
func (ob *Outbox) SetTerminated(err error) {
	ob.mu.Lock()
	ob.err = err
	ob.terminated = true
	ob.mu.Unlock()
}

// Terminated mirrors a read of the terminated flag.
func (ob *Outbox) Terminated() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.terminated
}

// Error returns the abnormal-termination error, if any was set.
func (ob *Outbox) Error() error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.err
}
