package workgroup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/arkveil/floorrt/internal/instance"
	"github.com/stretchr/testify/require"
)

func TestRunGroupComputesIdsAndRunsAllWorkItems(t *testing.T) {
	e := NewExecutor(4, false)

	ids := instance.Ids{
		WorkDim:    2,
		GlobalSize: [3]uint32{8, 2, 1},
		LocalSize:  [3]uint32{4, 2, 1},
		GroupID:    [3]uint32{1, 0, 0},
		GroupSize:  [3]uint32{2, 1, 1},
	}

	var mu sync.Mutex
	seen := map[[2]uint32]bool{}

	err := e.RunGroup(ids, func(wi *WorkItem) {
		mu.Lock()
		seen[[2]uint32{wi.Ids.GlobalID[0], wi.Ids.GlobalID[1]}] = true
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, seen, 8)
	require.True(t, seen[[2]uint32{4, 0}])
	require.True(t, seen[[2]uint32{7, 1}])
}

func TestRunGroupBarrierSynchronizesTwoPhases(t *testing.T) {
	e := NewExecutor(4, false)
	ids := instance.Ids{LocalSize: [3]uint32{4, 1, 1}, GroupSize: [3]uint32{1, 1, 1}}

	var phase1 int32
	var sawAllBeforeSecondPhase atomic.Bool
	sawAllBeforeSecondPhase.Store(true)

	err := e.RunGroup(ids, func(wi *WorkItem) {
		atomic.AddInt32(&phase1, 1)
		wi.Barrier()
		if atomic.LoadInt32(&phase1) != 4 {
			sawAllBeforeSecondPhase.Store(false)
		}
	})
	require.NoError(t, err)
	require.True(t, sawAllBeforeSecondPhase.Load())
}

func TestWorkItemShuffleExchangesValuesAcrossLanes(t *testing.T) {
	e := NewExecutor(4, false)
	ids := instance.Ids{LocalSize: [3]uint32{4, 1, 1}, GroupSize: [3]uint32{1, 1, 1}}

	results := make([]uint64, 4)
	var mu sync.Mutex

	err := e.RunGroup(ids, func(wi *WorkItem) {
		v := wi.Shuffle(uint64(wi.Ids.SubGroupLocalIndex)*10, 0)
		mu.Lock()
		results[wi.Ids.LocalLinearIndex] = v
		mu.Unlock()
	})
	require.NoError(t, err)
	for _, v := range results {
		require.EqualValues(t, 0, v)
	}
}

func TestWorkItemShuffleOutOfRangeSrcLaneReturnsOwnValue(t *testing.T) {
	e := NewExecutor(4, false)
	ids := instance.Ids{LocalSize: [3]uint32{4, 1, 1}, GroupSize: [3]uint32{1, 1, 1}}

	results := make([]uint64, 4)
	var mu sync.Mutex

	err := e.RunGroup(ids, func(wi *WorkItem) {
		own := uint64(wi.Ids.SubGroupLocalIndex) + 1
		v := wi.Shuffle(own, 99)
		mu.Lock()
		results[wi.Ids.LocalLinearIndex] = v
		mu.Unlock()
	})
	require.NoError(t, err)
	for lane, v := range results {
		require.EqualValues(t, lane+1, v)
	}
}

func TestWorkItemShuffleRespectsIndependentSubGroups(t *testing.T) {
	e := NewExecutor(4, false)
	ids := instance.Ids{LocalSize: [3]uint32{8, 1, 1}, GroupSize: [3]uint32{1, 1, 1}}

	results := make([]uint64, 8)
	var mu sync.Mutex

	err := e.RunGroup(ids, func(wi *WorkItem) {
		v := wi.Shuffle(uint64(wi.Ids.LocalLinearIndex), 0)
		mu.Lock()
		results[wi.Ids.LocalLinearIndex] = v
		mu.Unlock()
	})
	require.NoError(t, err)
	require.EqualValues(t, []uint64{0, 0, 0, 0, 4, 4, 4, 4}, results)
}

func TestWorkItemBallotAggregatesPredicateAcrossLanes(t *testing.T) {
	e := NewExecutor(4, false)
	ids := instance.Ids{LocalSize: [3]uint32{4, 1, 1}, GroupSize: [3]uint32{1, 1, 1}}

	masks := make([]uint64, 4)
	var mu sync.Mutex

	err := e.RunGroup(ids, func(wi *WorkItem) {
		even := wi.Ids.SubGroupLocalIndex%2 == 0
		mask := wi.Ballot(even)
		mu.Lock()
		masks[wi.Ids.LocalLinearIndex] = mask
		mu.Unlock()
	})
	require.NoError(t, err)
	for _, m := range masks {
		require.EqualValues(t, 0b0101, m)
	}
}

func TestLocalMemoryRequisitionAndOverflow(t *testing.T) {
	var m LocalMemory

	b, ok := m.Requisition(100)
	require.True(t, ok)
	require.Len(t, b, 100)
	require.False(t, m.Overflowed())

	_, ok = m.Requisition(LocalMemorySize)
	require.False(t, ok)
	require.True(t, m.Overflowed())

	m.Reset()
	require.False(t, m.Overflowed())
}

func TestRunGroupReportsLocalMemoryOverflow(t *testing.T) {
	e := NewExecutor(2, false)
	ids := instance.Ids{LocalSize: [3]uint32{2, 1, 1}, GroupSize: [3]uint32{1, 1, 1}}

	err := e.RunGroup(ids, func(wi *WorkItem) {
		if wi.Ids.LocalLinearIndex == 0 {
			wi.Local(LocalMemorySize + 1)
		}
	})
	require.ErrorIs(t, err, ErrLocalMemoryExhausted)
}
