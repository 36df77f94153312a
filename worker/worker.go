// Copyright (c) 2016 The Decred developers.

// Package worker runs the long-lived mining task: it owns one algorithm
// implementation's device resources for its entire lifetime, feeds it
// work units drawn from the inbox, and deposits verified shares in the
// outbox, driving an algorithm.Implementation instead of a single
// hardcoded kernel.
package worker

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/hashforge/coreminer/algorithm"
	"github.com/hashforge/coreminer/mailbox"
	"github.com/hashforge/coreminer/mlog"
	"github.com/hashforge/coreminer/provider"
	"github.com/hashforge/coreminer/work"
)

// waitTimeout bounds every pause in the steady-state loop: the provider's
// wait-events primitive, or a plain sleep of the same length when no slot
// has a wait event pending.
const waitTimeout = 250 * time.Millisecond

// Worker drives one algorithm.Implementation to completion. Callers
// obtain one via New and then call Run in its own goroutine; Run returns
// once the inbox's terminate flag is observed or an unrecoverable error
// occurs.
type Worker struct {
	provider provider.Provider
	in       *mailbox.Inbox
	out      *mailbox.Outbox
	log      mlog.Logger
}

// New returns a Worker over p, reading from in and writing to out. log
// may be mlog.Disabled() if the caller does not want worker diagnostics.
func New(p provider.Provider, in *mailbox.Inbox, out *mailbox.Outbox, log mlog.Logger) *Worker {
	return &Worker{provider: p, in: in, out: out, log: log}
}

// pipelineSlot is one (setting, instance) pair the worker drives.
type pipelineSlot struct {
	setIdx, instIdx int
}

// Run is the three-phase loop described for the mining worker: init,
// steady state, exit. It never returns an error; abnormal termination is
// reported through the outbox, matching the contract that the owner
// thread only ever observes the worker through the mailboxes.
func (w *Worker) Run() {
	impl := w.in.TakeImplementation()
	if impl == nil {
		w.out.SetTerminated(fmt.Errorf("worker: no implementation handed off"))
		return
	}

	slots, err := w.initPhase(impl)
	if err != nil {
		w.out.SetTerminated(err)
		return
	}
	w.out.SetInitialized()

	var lastUnit *work.Unit
	for {
		owner, wu, terminate := w.in.Snapshot()
		_ = owner // reserved for future pool-aware behavior (e.g. per-pool stats)
		if terminate {
			break
		}
		if wu != nil {
			lastUnit = wu
			w.beginWhereReady(impl, slots, wu)
		}

		anyWorking := w.dispatchAll(impl, slots, lastUnit)

		if !anyWorking {
			events := w.collectWaitEvents(impl, slots)
			if len(events) > 0 {
				if _, err := w.provider.Wait(events, waitTimeout); err != nil && w.log != nil {
					w.log.Debugf("worker: wait error: %v", err)
				}
			} else {
				time.Sleep(waitTimeout)
			}
		}
	}

	impl.Clear(w.provider)
	w.out.SetTerminated(nil)
}

// initPhase allocates resources for the handed-off implementation and
// returns the list of pipeline slots it produced.
func (w *Worker) initPhase(impl algorithm.Implementation) ([]pipelineSlot, error) {
	usage, err := impl.Allocate(w.provider)
	if err != nil {
		return nil, fmt.Errorf("worker: allocate failed: %w", err)
	}
	var slots []pipelineSlot
	for _, u := range usage {
		for inst := 0; inst < u.Instances; inst++ {
			slots = append(slots, pipelineSlot{setIdx: u.SettingIndex, instIdx: inst})
		}
	}
	if w.log != nil {
		w.log.Debugf("worker: initialized %d pipeline slot(s)", len(slots))
	}
	return slots, nil
}

// beginWhereReady starts every idle slot on the newly arrived work unit.
func (w *Worker) beginWhereReady(impl algorithm.Implementation, slots []pipelineSlot, wu *work.Unit) {
	for _, s := range slots {
		if !impl.CanAcceptInput(s.setIdx, s.instIdx) {
			continue
		}
		if _, err := impl.Begin(s.setIdx, s.instIdx, wu, wu.Nonce2); err != nil && w.log != nil {
			w.log.Warnf("worker: begin(%d,%d) failed: %v", s.setIdx, s.instIdx, err)
		}
	}
}

// dispatchAll advances every slot by one step, harvesting and verifying
// any results that became available, and reports whether at least one
// slot is still doing CPU-side work this pass (as opposed to waiting on
// a device event).
func (w *Worker) dispatchAll(impl algorithm.Implementation, slots []pipelineSlot, wu *work.Unit) bool {
	anyWorking := false
	for _, s := range slots {
		progressing, err := impl.Dispatch(s.setIdx, s.instIdx)
		if err != nil {
			if w.log != nil {
				w.log.Warnf("worker: dispatch(%d,%d) failed: %v", s.setIdx, s.instIdx, err)
			}
			continue
		}
		// Dispatch returns false while the slot waits for results; a slot
		// that is idle (ready for new input) has nothing to advance either.
		if progressing && !impl.CanAcceptInput(s.setIdx, s.instIdx) {
			anyWorking = true
		}

		start, candidates, ok := impl.ResultsAvailable(s.setIdx, s.instIdx)
		if !ok || len(candidates) == 0 {
			continue
		}
		w.harvest(impl, s, start, candidates, wu)
		anyWorking = true
	}
	return anyWorking
}

// harvest verifies (if enabled) and records candidate nonces produced by
// one slot.
func (w *Worker) harvest(impl algorithm.Implementation, s pipelineSlot, start *algorithm.IterationStart, candidates []uint32, wu *work.Unit) {
	checkNonces := w.in.CheckNonces()
	var accepted []uint32
	for _, nonce := range candidates {
		if !checkNonces {
			accepted = append(accepted, nonce)
			continue
		}
		header := start.Header
		off := work.HeaderSize - 4
		header[off] = byte(nonce)
		header[off+1] = byte(nonce >> 8)
		header[off+2] = byte(nonce >> 16)
		header[off+3] = byte(nonce >> 24)

		digest := impl.HashHeader(header, s.setIdx, s.instIdx)
		if wu != nil && !hashMeetsTarget(digest, wu) {
			if w.log != nil {
				w.log.Tracef("worker: discarding nonce %d, failed CPU verification: %s",
					nonce, spew.Sdump(digest))
			}
			continue
		}
		accepted = append(accepted, nonce)
	}
	if len(accepted) == 0 {
		return
	}
	w.out.AppendFound(work.Nonces{
		JobID:          start.JobID,
		Nonce2:         start.Nonce2,
		HeaderSnapshot: start.Header,
		Candidates:     accepted,
	})
}

// collectWaitEvents gathers every slot's pending wait handle.
func (w *Worker) collectWaitEvents(impl algorithm.Implementation, slots []pipelineSlot) []*provider.WaitEvent {
	var events []*provider.WaitEvent
	for _, s := range slots {
		events = append(events, impl.WaitEvents(s.setIdx, s.instIdx)...)
	}
	return events
}

// hashMeetsTarget reports whether digest, read as a little-endian 256-bit
// integer, is strictly below wu.ShareTarget.
func hashMeetsTarget(digest [32]byte, wu *work.Unit) bool {
	if wu.ShareTarget == nil {
		return true
	}
	rev := make([]byte, 32)
	for i := 0; i < 32; i++ {
		rev[i] = digest[31-i]
	}
	tb := wu.ShareTarget.Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(tb):], tb)
	for i := 0; i < 32; i++ {
		if rev[i] < padded[i] {
			return true
		}
		if rev[i] > padded[i] {
			return false
		}
	}
	return false
}
