package workgroup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBindCurrentRoundTripsOnCallingThread(t *testing.T) {
	wi := &WorkItem{}
	wi.Ids.GlobalID = [3]uint32{7, 0, 0}

	require.Nil(t, currentWorkItem())

	unbind := BindCurrent(wi)
	require.Same(t, wi, currentWorkItem())
	require.EqualValues(t, 7, getGlobalID(0))

	unbind()
	require.Nil(t, currentWorkItem())
}

func TestBuiltinGettersReturnZeroWithNoBoundWorkItem(t *testing.T) {
	require.Zero(t, getGlobalID(0))
	require.Zero(t, getLocalID(1))
	require.Zero(t, getGroupID(2))
	require.Zero(t, getWorkDim())
	require.Zero(t, getLocalLinearID())
}

func TestRunBarrierIsNoOpWithNoBoundWorkItem(t *testing.T) {
	require.NotPanics(t, runBarrier)
}
