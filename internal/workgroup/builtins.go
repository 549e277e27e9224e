package workgroup

import (
	"sync"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/arkveil/floorrt/internal/reloc"
)

// current binds the work-item executing on each OS thread so the builtin
// external symbols registered in init below (called from relocated,
// RX-mapped machine code with no hidden context argument) can answer "who
// am I". This is the Go analogue of the original host_kernel.cpp's
// thread_local exec_context: Go has no thread-local storage, so the slot
// is keyed by the kernel thread id instead and rebound tightly around each
// native call (internal/dispatch.callDeviceKernel), never across a
// blocking fiber swap.
var (
	currentMu sync.RWMutex
	current   = map[int]*WorkItem{}
)

// BindCurrent associates wi with the calling OS thread for the duration of
// one native kernel invocation. The caller must invoke the returned unbind
// func before the goroutine could run any other work-item's native code on
// the same thread.
func BindCurrent(wi *WorkItem) (unbind func()) {
	tid := unix.Gettid()
	currentMu.Lock()
	current[tid] = wi
	currentMu.Unlock()
	return func() {
		currentMu.Lock()
		delete(current, tid)
		currentMu.Unlock()
	}
}

func currentWorkItem() *WorkItem {
	tid := unix.Gettid()
	currentMu.RLock()
	wi := current[tid]
	currentMu.RUnlock()
	return wi
}

// init populates reloc's built-in external-symbol table with the
// per-work-item id getters and barrier entry points host_kernel.cpp
// exposes to compiled kernel code (originally_source/compute/host/
// host_kernel.cpp), flattened from its thread_local uint3-returning
// accessors to dimension-indexed scalar getters so every entry point has a
// purego.NewCallback-compatible signature.
func init() {
	reloc.RegisterBuiltin("floor_get_global_id", purego.NewCallback(getGlobalID))
	reloc.RegisterBuiltin("floor_get_local_id", purego.NewCallback(getLocalID))
	reloc.RegisterBuiltin("floor_get_group_id", purego.NewCallback(getGroupID))
	reloc.RegisterBuiltin("floor_get_global_size", purego.NewCallback(getGlobalSize))
	reloc.RegisterBuiltin("floor_get_local_size", purego.NewCallback(getLocalSize))
	reloc.RegisterBuiltin("floor_get_num_groups", purego.NewCallback(getNumGroups))
	reloc.RegisterBuiltin("floor_get_work_dim", purego.NewCallback(getWorkDim))
	reloc.RegisterBuiltin("floor_get_local_linear_id", purego.NewCallback(getLocalLinearID))

	barrierEntry := purego.NewCallback(runBarrier)
	for _, name := range []string{"barrier", "global_barrier", "local_barrier", "image_barrier", "host_compute_device_barrier"} {
		reloc.RegisterBuiltin(name, barrierEntry)
	}
}

func getGlobalID(dim uint32) uint64 {
	wi := currentWorkItem()
	if wi == nil || dim >= 3 {
		return 0
	}
	return uint64(wi.Ids.GlobalID[dim])
}

func getLocalID(dim uint32) uint64 {
	wi := currentWorkItem()
	if wi == nil || dim >= 3 {
		return 0
	}
	return uint64(wi.Ids.LocalID[dim])
}

func getGroupID(dim uint32) uint64 {
	wi := currentWorkItem()
	if wi == nil || dim >= 3 {
		return 0
	}
	return uint64(wi.Ids.GroupID[dim])
}

func getGlobalSize(dim uint32) uint64 {
	wi := currentWorkItem()
	if wi == nil || dim >= 3 {
		return 0
	}
	return uint64(wi.Ids.GlobalSize[dim])
}

func getLocalSize(dim uint32) uint64 {
	wi := currentWorkItem()
	if wi == nil || dim >= 3 {
		return 0
	}
	return uint64(wi.Ids.LocalSize[dim])
}

func getNumGroups(dim uint32) uint64 {
	wi := currentWorkItem()
	if wi == nil || dim >= 3 {
		return 0
	}
	return uint64(wi.Ids.GroupSize[dim])
}

func getWorkDim() uint64 {
	wi := currentWorkItem()
	if wi == nil {
		return 0
	}
	return uint64(wi.Ids.WorkDim)
}

func getLocalLinearID() uint64 {
	wi := currentWorkItem()
	if wi == nil {
		return 0
	}
	return uint64(wi.Ids.LocalLinearIndex)
}

// runBarrier is the entry point compiled kernel code calls for every
// barrier flavor; memory fences are a separate, swap-free built-in and
// never reach this function (spec.md §4.E).
func runBarrier() {
	wi := currentWorkItem()
	if wi == nil {
		return
	}
	wi.Barrier()
}
