// Copyright (c) 2016 The Decred developers.

// Package scrypt is the reference algorithm plug-in: a scrypt-family
// implementation of algorithm.Implementation. It stands in for the
// per-algorithm kernel implementations the coordination engine treats as
// external collaborators, included so the coordination engine can be
// exercised end to end without a real GPU kernel.
//
// Dispatch is simulated on the CPU via golang.org/x/crypto/scrypt rather
// than an OpenCL/CUDA kernel; a real GPU implementation would replace only
// Begin/Dispatch/ResultsAvailable/WaitEvents/Allocate, keeping the same
// contract.
package scrypt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/hashforge/coreminer/algorithm"
	"github.com/hashforge/coreminer/provider"
	"github.com/hashforge/coreminer/work"
)

const (
	name    = "scrypt"
	version = "coreminer-scrypt-1.0"

	// defaultBatch is how many nonces one pass (started by Begin)
	// searches per unit of intensity, or in total when a setting's
	// intensity is 0, standing in for one kernel launch's worth of
	// parallel lanes on real hardware.
	defaultBatch = 256
)

// Setting is one candidate configuration: the scrypt cost parameters plus
// which devices it is eligible to run on and how many concurrent instances
// per device.
type Setting struct {
	N, R, P      int
	Intensity    int
	MinDeviceMem int // bytes; devices below this are rejected
	Devices      []int
}

func (s Setting) String() string {
	return fmt.Sprintf("N=%d r=%d p=%d intensity=%d", s.N, s.R, s.P, s.Intensity)
}

type slotKey struct{ setIdx, instIdx int }

type slot struct {
	deviceIdx int

	mu         sync.Mutex
	accepting  bool
	running    bool
	event      *provider.WaitEvent
	start      algorithm.IterationStart
	candidates []uint32
	ready      bool
	nextNonce  uint32
}

// Implementation is the scrypt algorithm plug-in.
type Implementation struct {
	errorCallback func(string)

	mu       sync.Mutex
	settings []Setting

	// deviceConfig[deviceIndex] is 0 if unused, else 1+settings index,
	// filled in by SelectSettings.
	deviceConfig map[int]int

	events provider.EventSource
	slots  map[slotKey]*slot
	// instancesPerSetting records how many instances Allocate created
	// for each active setting index.
	instancesPerSetting map[int]int
}

// New returns an unconfigured scrypt implementation. errorCallback, if
// non-nil, receives a human-readable description whenever a candidate
// nonce is discarded for missing the share target; a nonce mismatch is
// logged, never surfaced through the outbox.
func New(errorCallback func(string)) *Implementation {
	return &Implementation{
		errorCallback:       errorCallback,
		deviceConfig:        make(map[int]int),
		slots:               make(map[slotKey]*slot),
		instancesPerSetting: make(map[int]int),
	}
}

// Settings returns a snapshot of the candidate configurations accumulated
// so far by AddSettings, mostly useful to tests and diagnostics.
func (i *Implementation) Settings() []Setting {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Setting(nil), i.settings...)
}

// MatchesName implements algorithm.Implementation.
func (i *Implementation) MatchesName(n string) bool { return strings.EqualFold(n, name) }

// Name implements algorithm.Implementation.
func (i *Implementation) Name() string { return name }

// VersioningHash implements algorithm.Implementation.
func (i *Implementation) VersioningHash() uint64 {
	return algorithm.VersioningHash(version, i.SourceFor)
}

// SourceFor implements algorithm.Implementation. The reference
// implementation has no kernel source files (it runs on the CPU); it
// reports a single synthetic "step" so VersioningHash still folds in a
// file and entry name and changes if either ever does.
func (i *Implementation) SourceFor(step int) (string, string) {
	if step != 0 {
		return "", ""
	}
	return "scrypt.go", "scryptHash"
}

// AddSettings implements algorithm.Implementation. config keys: "N", "r",
// "p", "intensity", "minDeviceMem", "devices" ([]int, provider-linear
// indices).
func (i *Implementation) AddSettings(config map[string]any) error {
	s := Setting{N: 1024, R: 1, P: 1, Intensity: 16}
	if v, ok := config["N"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("scrypt: bad N: %w", err)
		}
		s.N = n
	}
	if v, ok := config["r"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("scrypt: bad r: %w", err)
		}
		s.R = n
	}
	if v, ok := config["p"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("scrypt: bad p: %w", err)
		}
		s.P = n
	}
	if v, ok := config["intensity"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("scrypt: bad intensity: %w", err)
		}
		s.Intensity = n
	}
	if v, ok := config["minDeviceMem"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("scrypt: bad minDeviceMem: %w", err)
		}
		s.MinDeviceMem = n
	}
	if v, ok := config["devices"]; ok {
		devs, ok := v.([]int)
		if !ok {
			return errors.New("scrypt: devices must be []int")
		}
		s.Devices = devs
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.settings = append(i.settings, s)
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// ChooseSettings implements algorithm.Implementation. CPU devices are
// always rejected (this is a GPU-class algorithm); a setting is eligible
// for a GPU device if the device either appears in the setting's explicit
// device list or the setting declares no explicit list at all.
func (i *Implementation) ChooseSettings(plat provider.Platform, dev provider.Device, reject algorithm.RejectFunc) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	if dev.Kind != "GPU" {
		if reject != nil {
			reject(fmt.Sprintf("device %d (%s) is not a GPU", dev.Index, dev.Kind))
		}
		return len(i.settings)
	}
	for idx, s := range i.settings {
		if len(s.Devices) == 0 {
			return idx
		}
		for _, d := range s.Devices {
			if d == dev.Index {
				return idx
			}
		}
		if reject != nil {
			reject(fmt.Sprintf("device %d not listed for setting %d (%s)", dev.Index, idx, s))
		}
	}
	return len(i.settings)
}

// SelectSettings implements algorithm.Implementation.
func (i *Implementation) SelectSettings(p provider.Provider) error {
	i.mu.Lock()
	i.deviceConfig = make(map[int]int)
	i.mu.Unlock()

	for _, plat := range p.Platforms() {
		for _, dev := range plat.Devices {
			idx := i.ChooseSettings(plat, dev, nil)
			i.mu.Lock()
			if idx < len(i.settings) {
				i.deviceConfig[dev.Index] = 1 + idx
			}
			i.mu.Unlock()
		}
	}
	return nil
}

// Allocate implements algorithm.Implementation.
func (i *Implementation) Allocate(p provider.Provider) ([]algorithm.SettingUsage, error) {
	events, ok := p.(provider.EventSource)
	if !ok {
		return nil, errors.New("scrypt: provider does not support event simulation")
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	i.events = events
	i.slots = make(map[slotKey]*slot)
	i.instancesPerSetting = make(map[int]int)

	bySetting := make(map[int][]int) // settingIdx -> device indices
	for dev, cfg := range i.deviceConfig {
		if cfg == 0 {
			continue
		}
		settingIdx := cfg - 1
		bySetting[settingIdx] = append(bySetting[settingIdx], dev)
	}

	var usage []algorithm.SettingUsage
	for settingIdx, devs := range bySetting {
		for instIdx, devIdx := range devs {
			i.slots[slotKey{settingIdx, instIdx}] = &slot{deviceIdx: devIdx, accepting: true}
		}
		i.instancesPerSetting[settingIdx] = len(devs)
		usage = append(usage, algorithm.SettingUsage{SettingIndex: settingIdx, Instances: len(devs)})
	}
	return usage, nil
}

// Clear implements algorithm.Implementation.
func (i *Implementation) Clear(p provider.Provider) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.slots = make(map[slotKey]*slot)
	i.instancesPerSetting = make(map[int]int)
	i.events = nil
}

func (i *Implementation) slot(setIdx, instIdx int) *slot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.slots[slotKey{setIdx, instIdx}]
}

// CanAcceptInput implements algorithm.Implementation.
func (i *Implementation) CanAcceptInput(setIdx, instIdx int) bool {
	s := i.slot(setIdx, instIdx)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// Begin implements algorithm.Implementation.
func (i *Implementation) Begin(setIdx, instIdx int, wu *work.Unit, prevHashes uint32) (uint32, error) {
	s := i.slot(setIdx, instIdx)
	if s == nil {
		return 0, fmt.Errorf("scrypt: no such slot (%d, %d)", setIdx, instIdx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return 0, errors.New("scrypt: slot cannot accept input right now")
	}

	start := prevHashes
	s.nextNonce = start
	s.accepting = false
	s.ready = false
	s.candidates = nil
	s.start = algorithm.IterationStart{JobID: wu.JobID, Nonce2: wu.Nonce2, Header: wu.Header}

	i.mu.Lock()
	setting := i.settings[setIdx]
	i.mu.Unlock()

	header := wu.Header
	target := wu.ShareTarget
	batch := uint32(defaultBatch)
	if setting.Intensity > 0 {
		batch = uint32(setting.Intensity) * defaultBatch
	}

	errorCallback := i.errorCallback
	s.running = true
	ev := i.events.NewEvent()
	s.event = ev
	go func(header [work.HeaderSize]byte, nonce, batch uint32, setting Setting, ev *provider.WaitEvent) {
		var found []uint32
		for n := nonce; n < nonce+batch; n++ {
			h := header
			putNonce(&h, n)
			digest, err := scryptHash(h[:], setting.N, setting.R, setting.P)
			if err != nil {
				continue
			}
			if target == nil || hashBelowTarget(digest, target) {
				found = append(found, n)
			} else if errorCallback != nil {
				errorCallback(fmt.Sprintf("scrypt: nonce %d above share target, discarded", n))
			}
		}
		s.mu.Lock()
		s.candidates = found
		s.ready = true
		s.running = false
		s.nextNonce = nonce + batch
		s.mu.Unlock()
		i.events.Complete(ev)
	}(header, start, batch, setting, ev)

	return start, nil
}

// ResultsAvailable implements algorithm.Implementation.
func (i *Implementation) ResultsAvailable(setIdx, instIdx int) (*algorithm.IterationStart, []uint32, bool) {
	s := i.slot(setIdx, instIdx)
	if s == nil {
		return nil, nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, nil, false
	}
	start := s.start
	cands := s.candidates
	s.ready = false
	s.accepting = true
	return &start, cands, true
}

// WaitEvents implements algorithm.Implementation.
func (i *Implementation) WaitEvents(setIdx, instIdx int) []*provider.WaitEvent {
	s := i.slot(setIdx, instIdx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.event == nil {
		return nil
	}
	return []*provider.WaitEvent{s.event}
}

// Dispatch implements algorithm.Implementation. The reference
// implementation does all its work inside Begin's goroutine; Dispatch only
// reports whether the slot is still waiting on that goroutine.
func (i *Implementation) Dispatch(setIdx, instIdx int) (bool, error) {
	s := i.slot(setIdx, instIdx)
	if s == nil {
		return true, fmt.Errorf("scrypt: no such slot (%d, %d)", setIdx, instIdx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running, nil
}

// HashHeader implements algorithm.Implementation.
func (i *Implementation) HashHeader(header [work.HeaderSize]byte, setIdx, instIdx int) [32]byte {
	i.mu.Lock()
	setting := i.settings[setIdx]
	i.mu.Unlock()
	digest, err := scryptHash(header[:], setting.N, setting.R, setting.P)
	if err != nil {
		return [32]byte{}
	}
	return digest
}

// CloneWithoutResources implements algorithm.Implementation. The clone
// carries settings and the last SelectSettings device binding (both
// structural) but no per-device resources, so it is safe to hand to the
// worker (which allocates its own resources from the binding) or inspect
// from the owner thread via BadConfigReasons.
func (i *Implementation) CloneWithoutResources() algorithm.Implementation {
	i.mu.Lock()
	defer i.mu.Unlock()
	clone := New(i.errorCallback)
	clone.settings = append([]Setting(nil), i.settings...)
	clone.deviceConfig = make(map[int]int, len(i.deviceConfig))
	for k, v := range i.deviceConfig {
		clone.deviceConfig[k] = v
	}
	return clone
}

// DeviceUsedConfig implements algorithm.Implementation.
func (i *Implementation) DeviceUsedConfig(dev provider.Device) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deviceConfig[dev.Index]
}

// DeviceIndex implements algorithm.Implementation.
func (i *Implementation) DeviceIndex(setIdx, instIdx int) int {
	s := i.slot(setIdx, instIdx)
	if s == nil {
		return -1
	}
	return s.deviceIdx
}

// BadConfigReasons implements algorithm.Implementation.
func (i *Implementation) BadConfigReasons(plat provider.Platform, dev provider.Device) []string {
	clone := i.CloneWithoutResources().(*Implementation)
	var reasons []string
	clone.ChooseSettings(plat, dev, func(reason string) { reasons = append(reasons, reason) })
	return reasons
}

func putNonce(header *[work.HeaderSize]byte, nonce uint32) {
	off := work.HeaderSize - 4
	header[off] = byte(nonce)
	header[off+1] = byte(nonce >> 8)
	header[off+2] = byte(nonce >> 16)
	header[off+3] = byte(nonce >> 24)
}

func scryptHash(header []byte, n, r, p int) ([32]byte, error) {
	var out [32]byte
	key, err := scrypt.Key(header, header, n, r, p, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], key)
	return out, nil
}

// hashBelowTarget treats digest as a little-endian 256-bit integer and
// reports whether it is strictly less than target, the share-validity
// relation from the glossary.
func hashBelowTarget(digest [32]byte, target interface{ Bytes() []byte }) bool {
	rev := make([]byte, 32)
	for idx := 0; idx < 32; idx++ {
		rev[idx] = digest[31-idx]
	}
	tb := target.Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(tb):], tb)
	for idx := 0; idx < 32; idx++ {
		if rev[idx] < padded[idx] {
			return true
		}
		if rev[idx] > padded[idx] {
			return false
		}
	}
	return false
}
