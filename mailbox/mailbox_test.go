package mailbox

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashforge/coreminer/algorithm/scrypt"
	"github.com/hashforge/coreminer/work"
)

type fakeSource struct{ name string }

func (f fakeSource) PoolName() string { return f.name }

func TestInboxSnapshotTakesWorkOnce(t *testing.T) {
	ib := NewInbox()
	require.True(t, ib.CheckNonces())

	wu := &work.Unit{JobID: "a"}
	ib.SetWork(fakeSource{"pool1"}, wu)

	owner, got, terminate := ib.Snapshot()
	require.Equal(t, "pool1", owner.PoolName())
	require.Same(t, wu, got)
	require.False(t, terminate)

	// second snapshot sees the same owner but no pending work unit.
	owner2, got2, _ := ib.Snapshot()
	require.Equal(t, "pool1", owner2.PoolName())
	require.Nil(t, got2)
}

func TestInboxTerminate(t *testing.T) {
	ib := NewInbox()
	require.False(t, ib.Terminating())
	ib.RequestTerminate()
	require.True(t, ib.Terminating())
}

func TestInboxImplementationHandoffIsOneShot(t *testing.T) {
	ib := NewInbox()
	require.Nil(t, ib.TakeImplementation())

	ib.HandoffImplementation(scrypt.New(nil))
	impl := ib.TakeImplementation()
	require.NotNil(t, impl)
	require.Nil(t, ib.TakeImplementation())
}

func TestOutboxDrainFoundIsEmptyUntilAppended(t *testing.T) {
	ob := NewOutbox()
	require.Nil(t, ob.DrainFound())

	ob.AppendFound(work.Nonces{JobID: "a", Candidates: []uint32{1}})
	ob.AppendFound(work.Nonces{JobID: "a", Candidates: []uint32{2}})

	drained := ob.DrainFound()
	require.Len(t, drained, 2)
	require.Nil(t, ob.DrainFound())
}

func TestOutboxTerminatedCarriesError(t *testing.T) {
	ob := NewOutbox()
	require.False(t, ob.Terminated())
	require.NoError(t, ob.Error())

	ob.SetTerminated(errBoom)
	require.True(t, ob.Terminated())
	require.Error(t, ob.Error())
}

func TestMailboxConcurrentAccess(t *testing.T) {
	ib := NewInbox()
	ob := NewOutbox()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			ib.SetWork(fakeSource{"pool"}, &work.Unit{JobID: "x"})
			ib.Snapshot()
		}(i)
		go func(n int) {
			defer wg.Done()
			ob.AppendFound(work.Nonces{JobID: "x"})
			ob.DrainFound()
		}(i)
	}
	wg.Wait()
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
