// Copyright (c) 2016 The Decred developers.

// Package algorithm defines the plug-in contract every hashing algorithm
// implementation must satisfy and the Family wrapper that groups
// alternative implementations of one named algorithm.
package algorithm

import (
	"crypto/sha256"
	"strings"

	"github.com/hashforge/coreminer/provider"
	"github.com/hashforge/coreminer/work"
)

// RejectFunc is called once per rejected device/setting pairing so the
// caller can collect human-readable diagnostics (GetBadConfigReasons).
type RejectFunc func(reason string)

// SettingUsage reports how many concurrent instances are active under one
// setting index, as returned by Allocate.
type SettingUsage struct {
	SettingIndex int
	Instances    int
}

// IterationStart is the snapshot of what a pipeline slot was working on
// when its results became available: enough to reconstruct a Nonces record
// and to re-hash the header on the CPU for verification.
type IterationStart struct {
	JobID  string
	Nonce2 uint32
	Header [work.HeaderSize]byte
}

// Implementation is the contract every algorithm plug-in provides. The
// hot-path methods (Dispatch, WaitEvents, ResultsAvailable) are expected
// to never block.
type Implementation interface {
	// MatchesName reports whether name identifies this implementation,
	// case-insensitively.
	MatchesName(name string) bool

	// Name returns the implementation's canonical display name.
	Name() string

	// VersioningHash is a 64-bit signature: the SHA-256 of the version
	// string followed by every kernel source file name and entry name
	// enumerated by SourceFor, XOR-folded into 64 bits. It is stable
	// across runs and changes when the version, a file name or an entry
	// name changes; file contents are not read, so editing a kernel
	// source file without renaming it leaves the signature unchanged.
	VersioningHash() uint64

	// AddSettings appends a candidate configuration described by a
	// declarative settings record. The record's shape is
	// implementation-specific (intensity, work size, algorithm
	// parameters); this package only requires it be representable as a
	// map so the coordinator's generic config walker can reach it.
	AddSettings(config map[string]any) error

	// ChooseSettings returns the index into this implementation's
	// settings list best matching dev, or an index >= the number of
	// settings if dev is ineligible. Every rejection reason is reported
	// through reject.
	ChooseSettings(plat provider.Platform, dev provider.Device, reject RejectFunc) int

	// SelectSettings binds every device in p to its best-fit setting in
	// one pass.
	SelectSettings(p provider.Provider) error

	// Allocate produces the list of active (setting, instance-count)
	// pairs and allocates every per-instance resource they need.
	Allocate(p provider.Provider) ([]SettingUsage, error)

	// Clear releases every resource allocated by Allocate, but keeps the
	// settings list intact.
	Clear(p provider.Provider)

	// CanAcceptInput reports whether the (setting, instance) pipeline
	// slot is ready to be given a new header.
	CanAcceptInput(setIdx, instIdx int) bool

	// Begin is only valid when CanAcceptInput is true. It resets any
	// kernel-side state bound to the slot and returns the starting nonce
	// assigned to this pass.
	Begin(setIdx, instIdx int, wu *work.Unit, prevHashes uint32) (uint32, error)

	// ResultsAvailable returns the iteration metadata and candidate
	// nonces if the slot finished and can be extracted without blocking.
	ResultsAvailable(setIdx, instIdx int) (*IterationStart, []uint32, bool)

	// WaitEvents returns the provider wait handles the worker must
	// aggregate if the slot cannot make progress without blocking; it
	// returns nil if the slot can continue unblocked.
	WaitEvents(setIdx, instIdx int) []*provider.WaitEvent

	// Dispatch advances the slot by one step. It returns false if the
	// slot is now waiting for results.
	Dispatch(setIdx, instIdx int) (bool, error)

	// HashHeader computes the 32-byte CPU-side hash of header under the
	// parameters bound to (setIdx, instIdx); different settings of the
	// same algorithm (e.g. varying scrypt's N) can hash differently.
	HashHeader(header [work.HeaderSize]byte, setIdx, instIdx int) [32]byte

	// CloneWithoutResources returns a structural copy carrying settings
	// only, safe to inspect from the owner thread (used by
	// BadConfigReasons).
	CloneWithoutResources() Implementation

	// DeviceUsedConfig returns 0 if dev is unused by the last
	// SelectSettings pass, else 1+the setting index it was bound to.
	DeviceUsedConfig(dev provider.Device) int

	// DeviceIndex returns the provider-linear device index bound to
	// (setIdx, instIdx).
	DeviceIndex(setIdx, instIdx int) int

	// BadConfigReasons runs ChooseSettings on a resource-less clone and
	// collects every rejection reason.
	BadConfigReasons(plat provider.Platform, dev provider.Device) []string

	// SourceFor enumerates the kernel source file and entry name used at
	// the given step for VersioningHash's custom-versioning string. It
	// returns an empty file name once every step has been enumerated.
	SourceFor(step int) (file, entry string)
}

// VersioningHash computes the standard versioning signature for an
// implementation: version + custom-versioning string (built by walking
// SourceFor until it reports no more steps), SHA-256'd, then XOR-folded in
// 8-byte chunks into a uint64. Concrete implementations call this from
// their own VersioningHash method so the folding logic lives in one place.
func VersioningHash(version string, sourceFor func(step int) (file, entry string)) uint64 {
	sign := version + customVersioningString(sourceFor)
	digest := sha256.Sum256([]byte(sign))
	var ret uint64
	for i := 0; i+8 <= len(digest); i += 8 {
		var chunk uint64
		for b := 0; b < 8; b++ {
			chunk |= uint64(digest[i+b]) << (8 * uint(b))
		}
		ret ^= chunk
	}
	return ret
}

func customVersioningString(sourceFor func(step int) (file, entry string)) string {
	var blob strings.Builder
	for step := 0; ; step++ {
		file, entry := sourceFor(step)
		if file == "" {
			break
		}
		blob.WriteString(file)
		blob.WriteString(entry)
	}
	return blob.String()
}

// Family is a named group of alternative implementations of one algorithm.
// Name comparisons are case-insensitive; Family itself performs no
// dispatch logic beyond routing to the right Implementation.
type Family struct {
	Name            string
	Implementations []Implementation
}

// MatchesName reports whether name identifies this family, case
// insensitively.
func (f *Family) MatchesName(name string) bool {
	return strings.EqualFold(f.Name, name)
}

// Find returns the implementation in this family matching name, or nil.
func (f *Family) Find(name string) Implementation {
	for _, imp := range f.Implementations {
		if imp.MatchesName(name) {
			return imp
		}
	}
	return nil
}

// ImplementationNames returns the display names of every implementation in
// declaration order.
func (f *Family) ImplementationNames() []string {
	names := make([]string, len(f.Implementations))
	for i, imp := range f.Implementations {
		names[i] = imp.Name()
	}
	return names
}

// Clear releases every implementation's resources, in declaration order.
func (f *Family) Clear(p provider.Provider) {
	for _, imp := range f.Implementations {
		imp.Clear(p)
	}
}
