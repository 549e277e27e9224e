package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/arkveil/floorrt/internal/functioninfo"
	"github.com/arkveil/floorrt/internal/runtime"
	"github.com/arkveil/floorrt/internal/workgroup"
	"github.com/stretchr/testify/require"
)

func TestComputeGeometryDividesEvenly(t *testing.T) {
	geo, err := computeGeometry(2, [3]uint32{16, 4, 1}, [3]uint32{4, 2, 1}, functioninfo.Function{})
	require.NoError(t, err)
	require.Equal(t, [3]uint32{4, 2, 1}, geo.groupDim)
	require.EqualValues(t, 8, geo.totalGroups)
}

func TestComputeGeometryRejectsNonDivisibleSize(t *testing.T) {
	_, err := computeGeometry(1, [3]uint32{10, 1, 1}, [3]uint32{3, 1, 1}, functioninfo.Function{})
	require.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestComputeGeometryEnforcesRequiredLocalSize(t *testing.T) {
	info := functioninfo.Function{RequiredLocalSize: functioninfo.RequiredSize{X: 8}}
	_, err := computeGeometry(1, [3]uint32{16, 1, 1}, [3]uint32{4, 1, 1}, info)
	require.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = computeGeometry(1, [3]uint32{16, 1, 1}, [3]uint32{8, 1, 1}, info)
	require.NoError(t, err)
}

func TestGeometryGroupIDRoundTrips(t *testing.T) {
	geo, err := computeGeometry(3, [3]uint32{8, 6, 4}, [3]uint32{2, 2, 2}, functioninfo.Function{})
	require.NoError(t, err)
	require.Equal(t, [3]uint32{4, 3, 2}, geo.groupDim)

	seen := map[[3]uint32]bool{}
	for t64 := uint64(0); t64 < geo.totalGroups; t64++ {
		seen[geo.groupID(t64)] = true
	}
	require.Len(t, seen, int(geo.totalGroups))
}

func TestMarshalArgsRejectsTooMany(t *testing.T) {
	args := make([]Arg, MaxArgs+1)
	_, err := marshalArgs(args)
	require.ErrorIs(t, err, ErrTooManyArgs)
}

func TestMarshalArgsProducesPointerPerArg(t *testing.T) {
	args := []Arg{
		Raw([]byte{1, 2, 3, 4}),
		BufferPointer(0xdeadbeef),
		BufferPointerArray([]uintptr{1, 2, 3}),
	}
	m, err := marshalArgs(args)
	require.NoError(t, err)
	require.Len(t, m.pointers, 3)
	require.EqualValues(t, 0xdeadbeef, m.pointers[1])
	require.NotZero(t, m.pointers[0])
	require.NotZero(t, m.pointers[2])
}

func TestExecuteHostVariantRunsEveryWorkItemOnce(t *testing.T) {
	rt := runtime.New()
	d := New(rt, 4, false)

	var count int32
	var mu sync.Mutex
	seen := map[[3]uint32]bool{}

	prog := &Program{
		Host: func(wi *workgroup.WorkItem, args []uintptr) {
			atomic.AddInt32(&count, 1)
			mu.Lock()
			seen[wi.Ids.GlobalID] = true
			mu.Unlock()
		},
	}

	var completions int32
	err := d.Execute(2, prog, 1, [3]uint32{16, 1, 1}, [3]uint32{4, 1, 1}, nil, func() {
		atomic.AddInt32(&completions, 1)
	})
	require.NoError(t, err)
	require.EqualValues(t, 16, count)
	require.Len(t, seen, 16)
	require.EqualValues(t, 1, completions)
}

func TestExecuteRejectsProgramWithNoEntryPoint(t *testing.T) {
	rt := runtime.New()
	d := New(rt, 4, false)

	err := d.Execute(1, &Program{}, 1, [3]uint32{4, 1, 1}, [3]uint32{4, 1, 1}, nil, nil)
	require.ErrorIs(t, err, ErrMissingEntryPoint)
}

func TestExecuteRejectsInvalidGeometryBeforeSpawningWorkers(t *testing.T) {
	rt := runtime.New()
	d := New(rt, 4, false)

	called := false
	prog := &Program{Host: func(wi *workgroup.WorkItem, args []uintptr) { called = true }}

	err := d.Execute(1, prog, 1, [3]uint32{10, 1, 1}, [3]uint32{3, 1, 1}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidGeometry)
	require.False(t, called)
}
