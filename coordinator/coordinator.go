// Copyright (c) 2016 The Decred developers.

// Package coordinator implements the thread-safe facade the outer pool
// layer drives: it owns the algorithm families, the mining worker's
// lifetime, and the two mutex-guarded mailboxes the worker goroutine
// communicates through, generalized from one hardcoded kernel to an
// algorithm.Family-driven plug-in architecture.
package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashforge/coreminer/algorithm"
	"github.com/hashforge/coreminer/mailbox"
	"github.com/hashforge/coreminer/mlog"
	"github.com/hashforge/coreminer/provider"
	"github.com/hashforge/coreminer/work"
	"github.com/hashforge/coreminer/worker"
)

// teardownTimeout bounds how long Close waits for the worker to observe
// RequestTerminate and set Outbox.Terminated before it gives up and
// abandons the join.
const teardownTimeout = 10 * time.Second

var (
	// ErrAlreadyBound is returned by SetCurrent when an implementation is
	// already bound; runtime algorithm switching is out of scope.
	ErrAlreadyBound = errors.New("coordinator: an implementation is already bound")

	// ErrUnknownAlgorithm is returned when algo does not match any
	// registered family.
	ErrUnknownAlgorithm = errors.New("coordinator: unknown algorithm family")

	// ErrUnknownImplementation is returned when impl does not match any
	// implementation inside the named family.
	ErrUnknownImplementation = errors.New("coordinator: unknown implementation")

	// ErrNoActiveImplementation is returned by Start when no
	// implementation has been bound via SetCurrent.
	ErrNoActiveImplementation = errors.New("coordinator: no active implementation bound")
)

// Coordinator is the public facade: it owns the families, the provider,
// the worker goroutine handle, and the inbox/outbox mailboxes. Callers on
// the owner goroutine only ever block on mailbox mutex acquisition and,
// at teardown, the bounded join below; nothing here calls into an
// algorithm implementation while holding a mailbox lock.
type Coordinator struct {
	mu       sync.Mutex
	families []*algorithm.Family
	current  algorithm.Implementation
	currentF string
	currentI string

	provider provider.Provider
	log      mlog.Logger

	in  *mailbox.Inbox
	out *mailbox.Outbox

	started    bool
	workerDone chan struct{}
}

// New returns an idle Coordinator over p, with the given algorithm
// families registered in declaration order (declaration order matters
// for Close, which clears every family's resources in that order).
func New(p provider.Provider, log mlog.Logger, families ...*algorithm.Family) *Coordinator {
	if log == nil {
		log = mlog.Disabled()
	}
	return &Coordinator{
		families: families,
		provider: p,
		log:      log,
		in:       mailbox.NewInbox(),
		out:      mailbox.NewOutbox(),
	}
}

// EnumerateAlgos returns a comma-separated list of registered family
// names.
func (c *Coordinator) EnumerateAlgos() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.families))
	for i, f := range c.families {
		names[i] = f.Name
	}
	return strings.Join(names, ",")
}

// EnumerateImpls returns a comma-separated list of implementation names
// inside the named family, or an error if algo does not match any family.
func (c *Coordinator) EnumerateImpls(algo string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.findFamily(algo)
	if f == nil {
		return "", ErrUnknownAlgorithm
	}
	return strings.Join(f.ImplementationNames(), ","), nil
}

func (c *Coordinator) findFamily(algo string) *algorithm.Family {
	for _, f := range c.families {
		if f.MatchesName(algo) {
			return f
		}
	}
	return nil
}

// SetCurrent binds the active implementation. It fails with
// ErrAlreadyBound if an implementation is already bound: runtime
// algorithm switching is a declared non-goal.
func (c *Coordinator) SetCurrent(algo, impl string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return ErrAlreadyBound
	}
	f := c.findFamily(algo)
	if f == nil {
		return ErrUnknownAlgorithm
	}
	imp := f.Find(impl)
	if imp == nil {
		return ErrUnknownImplementation
	}
	c.current = imp
	c.currentF = f.Name
	c.currentI = imp.Name()
	return nil
}

// CurrentName returns "family/implementation" for the bound
// implementation, or "" if none is bound yet.
func (c *Coordinator) CurrentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.currentF + "/" + c.currentI
}

// CurrentImplInfo returns the bound implementation's versioning hash
// alongside its name, for introspection/diagnostics callers.
func (c *Coordinator) CurrentImplInfo() (name string, versioningHash uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", 0, false
	}
	return c.currentI, c.current.VersioningHash(), true
}

// AddSettings walks the nested configuration structure
// {family -> {impl -> settings | [settings...]}} and forwards each leaf
// settings record to the matching implementation's AddSettings. Unknown
// keys are ignored, per the external-interface contract. Resolves Open
// Question (ii): a leaf that is a list of settings advances its element
// index on every iteration (the source this advances past did not).
func (c *Coordinator) AddSettings(config map[string]map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for famName, impls := range config {
		f := c.findFamily(famName)
		if f == nil {
			continue
		}
		for implName, leaf := range impls {
			imp := f.Find(implName)
			if imp == nil {
				continue
			}
			if err := addLeaf(imp, leaf); err != nil {
				return fmt.Errorf("coordinator: %s/%s: %w", famName, implName, err)
			}
		}
	}
	return nil
}

// addLeaf forwards a single configuration leaf, which is either one
// settings record or a list of them, to imp.AddSettings.
func addLeaf(imp algorithm.Implementation, leaf any) error {
	switch v := leaf.(type) {
	case map[string]any:
		return imp.AddSettings(v)
	case []map[string]any:
		for i := range v {
			if err := imp.AddSettings(v[i]); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i := range v {
			m, ok := v[i].(map[string]any)
			if !ok {
				return fmt.Errorf("settings element %d is not a record", i)
			}
			if err := imp.AddSettings(m); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported settings leaf type %T", leaf)
	}
}

// Start requires a current implementation is bound. It runs
// SelectSettings over the provider, hands a resource-less clone into the
// inbox, and spawns the worker goroutine.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return ErrNoActiveImplementation
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	impl := c.current
	c.mu.Unlock()

	if err := impl.SelectSettings(c.provider); err != nil {
		return fmt.Errorf("coordinator: select settings: %w", err)
	}

	c.in.HandoffImplementation(impl.CloneWithoutResources())

	w := worker.New(c.provider, c.in, c.out, c.log)
	c.workerDone = make(chan struct{})
	go func() {
		defer close(c.workerDone)
		w.Run()
	}()

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// SubmitWork writes a new pool reference and moves wu into the inbox.
// Either argument may be nil to signal "go idle."
func (c *Coordinator) SubmitWork(pool mailbox.WorkSource, wu *work.Unit) {
	c.in.SetWork(pool, wu)
}

// CurrentPool mirrors a read of the inbox's pool field.
func (c *Coordinator) CurrentPool() mailbox.WorkSource {
	return c.in.CurrentPool()
}

// DrainShares moves every queued share out of the outbox.
func (c *Coordinator) DrainShares() []work.Nonces {
	return c.out.DrainFound()
}

// CheckNonces toggles CPU-side share verification.
func (c *Coordinator) CheckNonces(check bool) {
	c.in.SetCheckNonces(check)
}

// DeviceConfig reports how the last SelectSettings pass bound the
// provider-linear device deviceIdx: 0 if unbound, else 1 + the setting
// index. It returns false if deviceIdx is out of range for the provider.
func (c *Coordinator) DeviceConfig(deviceIdx int) (bool, int) {
	c.mu.Lock()
	impl := c.current
	c.mu.Unlock()
	if impl == nil {
		return false, 0
	}
	dev, ok := c.provider.DeviceLinear(deviceIdx)
	if !ok {
		return false, 0
	}
	return true, impl.DeviceUsedConfig(*dev)
}

// BadConfigReasons returns the diagnostic strings BadConfigReasons
// produces for the device at deviceIdx against the active implementation.
func (c *Coordinator) BadConfigReasons(deviceIdx int) ([]string, error) {
	c.mu.Lock()
	impl := c.current
	c.mu.Unlock()
	if impl == nil {
		return nil, ErrNoActiveImplementation
	}
	dev, ok := c.provider.DeviceLinear(deviceIdx)
	if !ok {
		return nil, fmt.Errorf("coordinator: device index %d out of range", deviceIdx)
	}
	plat, ok := c.provider.PlatformOf(dev)
	if !ok {
		return nil, fmt.Errorf("coordinator: no platform for device %d", deviceIdx)
	}
	return impl.BadConfigReasons(*plat, *dev), nil
}

// UnexpectedlyTerminated reports whether the worker set Outbox.Terminated
// without RequestTerminate having been called, i.e. it died on its own.
// When true, desc receives the abnormal-termination error message if one
// was recorded.
func (c *Coordinator) UnexpectedlyTerminated() (terminated bool, desc string) {
	if !c.out.Terminated() {
		return false, ""
	}
	if c.in.Terminating() {
		return false, ""
	}
	if err := c.out.Error(); err != nil {
		return true, err.Error()
	}
	return true, ""
}

// Working mirrors Outbox.Initialized.
func (c *Coordinator) Working() bool {
	return c.out.Initialized()
}

// Close requests termination, waits up to teardownTimeout for the worker
// to acknowledge, joins it if it did, and clears every family's resources
// in declaration order regardless of whether the join succeeded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	if started {
		c.in.RequestTerminate()

		deadline := time.Now().Add(teardownTimeout)
		for time.Now().Before(deadline) {
			if c.out.Terminated() {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		if c.out.Terminated() && c.workerDone != nil {
			<-c.workerDone
		} else if c.log != nil {
			c.log.Warnf("coordinator: worker did not terminate within %s, abandoning join", teardownTimeout)
		}
	}

	for _, f := range c.families {
		f.Clear(c.provider)
	}
}
