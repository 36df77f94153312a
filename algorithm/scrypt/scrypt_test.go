package scrypt

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashforge/coreminer/algorithm"
	"github.com/hashforge/coreminer/provider"
	"github.com/hashforge/coreminer/provider/cpu"
	"github.com/hashforge/coreminer/work"
)

func TestVersioningHashDeterministicAndSensitive(t *testing.T) {
	imp := New(nil)
	h1 := imp.VersioningHash()
	h2 := imp.VersioningHash()
	require.Equal(t, h1, h2)

	imp2 := New(nil)
	require.Equal(t, h1, imp2.VersioningHash())

	renamed := algorithm.VersioningHash(version, func(step int) (string, string) {
		if step != 0 {
			return "", ""
		}
		return "scrypt.go", "scryptHashRenamed"
	})
	require.NotEqual(t, h1, renamed)
}

func TestChooseSettingsRejectsCPU(t *testing.T) {
	imp := New(nil)
	require.NoError(t, imp.AddSettings(map[string]any{"N": 16, "r": 1, "p": 1}))

	var reasons []string
	idx := imp.ChooseSettings(provider.Platform{}, provider.Device{Index: 0, Kind: "CPU"}, func(r string) {
		reasons = append(reasons, r)
	})
	require.Equal(t, 1, idx) // == len(settings), i.e. rejected
	require.Len(t, reasons, 1)
}

func TestDeviceUsedConfigAndSelectSettings(t *testing.T) {
	imp := New(nil)
	require.NoError(t, imp.AddSettings(map[string]any{"N": 16, "r": 1, "p": 1}))

	p := cpu.New(2)
	// Device 0 is a CPU core (cpu.New always produces CPU-kind devices),
	// so no setting should ever bind to it: a pure-CPU device tree must
	// leave every device unbound for a GPU-class algorithm.
	require.NoError(t, imp.SelectSettings(p))
	for _, plat := range p.Platforms() {
		for _, dev := range plat.Devices {
			require.Equal(t, 0, imp.DeviceUsedConfig(dev))
		}
	}
}

func TestAllocateRequiresEventSource(t *testing.T) {
	imp := New(nil)
	require.NoError(t, imp.AddSettings(map[string]any{"N": 16, "r": 1, "p": 1}))
	_, err := imp.Allocate(fakeProvider{})
	require.Error(t, err)
}

func TestHashHeaderMatchesScryptParams(t *testing.T) {
	imp := New(nil)
	require.NoError(t, imp.AddSettings(map[string]any{"N": 16, "r": 1, "p": 1}))

	var header [work.HeaderSize]byte
	got := imp.HashHeader(header, 0, 0)

	want, err := scryptHash(header[:], 16, 1, 1)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBeginDispatchResultsAvailableRoundTrip(t *testing.T) {
	imp := New(nil)
	require.NoError(t, imp.AddSettings(map[string]any{"N": 16, "r": 1, "p": 1, "intensity": 1}))

	p := cpu.New(1)
	// Force the one CPU device to look like a GPU so it can be bound.
	forced := forcedGPUProvider{p}
	require.NoError(t, imp.SelectSettings(forced))

	usage, err := imp.Allocate(p)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	setIdx := usage[0].SettingIndex

	require.True(t, imp.CanAcceptInput(setIdx, 0))

	var blank [work.HeaderSize]byte
	maxTarget := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	wu, err := work.New("job", nil, maxTarget, 1,
		work.Coinbase{Bytes: []byte{1, 2, 3, 4}, MerkleOffsetInHeader: 0}, 0, blank, true, nil)
	require.NoError(t, err)

	_, err = imp.Begin(setIdx, 0, wu, 0)
	require.NoError(t, err)
	require.False(t, imp.CanAcceptInput(setIdx, 0))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := imp.WaitEvents(setIdx, 0)
		if len(events) == 0 {
			done, err := imp.Dispatch(setIdx, 0)
			require.NoError(t, err)
			if done {
				break
			}
			continue
		}
		_, _ = p.Wait(events, 50*time.Millisecond)
	}

	start, candidates, ok := imp.ResultsAvailable(setIdx, 0)
	require.True(t, ok)
	require.Equal(t, "job", start.JobID)
	require.NotNil(t, candidates) // maximum (lowest-difficulty) target: every nonce qualifies
	require.True(t, imp.CanAcceptInput(setIdx, 0))
}

type fakeProvider struct{}

func (fakeProvider) Platforms() []provider.Platform                  { return nil }
func (fakeProvider) DeviceLinear(int) (*provider.Device, bool)       { return nil, false }
func (fakeProvider) PlatformOf(*provider.Device) (*provider.Platform, bool) { return nil, false }
func (fakeProvider) Wait([]*provider.WaitEvent, time.Duration) (int, error) { return 0, nil }

// forcedGPUProvider relabels every device as a GPU so ChooseSettings will
// accept it, while still delegating to the real cpu.Provider for
// everything else (event sourcing, waiting).
type forcedGPUProvider struct{ *cpu.Provider }

func (f forcedGPUProvider) Platforms() []provider.Platform {
	plats := f.Provider.Platforms()
	out := make([]provider.Platform, len(plats))
	for i, p := range plats {
		devs := make([]provider.Device, len(p.Devices))
		for j, d := range p.Devices {
			d.Kind = "GPU"
			devs[j] = d
		}
		p.Devices = devs
		out[i] = p
	}
	return out
}
