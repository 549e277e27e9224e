// Package workgroup executes one work-group's worth of work-items:
// spec.md §4.E's fiber array, barrier and SIMD sub-group machinery, with
// local memory management (spec.md §4.B/§4.E) layered on top. Barriers are
// single hops around internal/fiber's round-robin relay ring, and SIMD ops
// are two (shuffles) or three (ballot) hops around the sub-group's ring,
// as spec.md §4.E describes: because fiber execution is fully
// cooperative (only one goroutine is ever runnable at a time within a
// group), one swap_context to the next fiber in the ring is sufficient for
// every participant to observe that every other participant has also
// reached the same point.
package workgroup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arkveil/floorrt/internal/fiber"
	"github.com/arkveil/floorrt/internal/instance"
)

// ErrRuntime is the sentinel every per-group runtime failure wraps
// (local-memory exhaustion, barrier misuse), matching spec.md §7's
// RuntimeError kind.
var ErrRuntime = errors.New("workgroup runtime error")

var (
	// ErrLocalMemoryExhausted is returned when a work-group's kernels
	// requisitioned more local memory than LocalMemorySize allows.
	ErrLocalMemoryExhausted = fmt.Errorf("work-group local memory exhausted: %w", ErrRuntime)
	// ErrBarrierMismatch is returned in debug mode when a work-group's
	// work-items did not all reach the same number of barrier calls
	// within debugBarrierTimeout, which would otherwise hang forever.
	ErrBarrierMismatch = fmt.Errorf("work-group barrier call count mismatch across work-items: %w", ErrRuntime)
)

const debugBarrierTimeout = 5 * time.Second

// Kernel is the per-work-item entry point a dispatch supplies.
type Kernel func(wi *WorkItem)

// WorkItem is the per-lane handle a Kernel uses to read its identity and
// synchronize with the rest of its work-group and sub-group.
type WorkItem struct {
	Ids instance.Ids

	ctx      *fiber.Context
	subgroup *SubGroup
	lmem     *LocalMemory
}

// Barrier blocks until every work-item in the group has called Barrier,
// implementing the work-group execution barrier built-in: a single swap to
// the next fiber in the whole-group ring (spec.md §4.E).
func (wi *WorkItem) Barrier() { wi.ctx.SwapTo(wi.ctx.NextLinear) }

// Local requisitions size bytes of the work-group's shared local memory.
// It reports false if the group's local memory budget is exhausted.
func (wi *WorkItem) Local(size int) ([]byte, bool) { return wi.lmem.Requisition(size) }

// Ballot returns the bitmask of sub-group lanes whose predicate was true.
func (wi *WorkItem) Ballot(predicate bool) uint64 {
	return wi.subgroup.Ballot(wi.ctx, wi.Ids.SubGroupLocalIndex, predicate)
}

// Shuffle reads the value another lane in the same sub-group passed in.
func (wi *WorkItem) Shuffle(value uint64, srcLane int) uint64 {
	return wi.subgroup.Shuffle(wi.ctx, wi.Ids.SubGroupLocalIndex, value, srcLane)
}

// ShuffleDown reads the value delta lanes above this one.
func (wi *WorkItem) ShuffleDown(value uint64, delta int) uint64 {
	return wi.subgroup.ShuffleDown(wi.ctx, wi.Ids.SubGroupLocalIndex, value, delta)
}

// ShuffleUp reads the value delta lanes below this one.
func (wi *WorkItem) ShuffleUp(value uint64, delta int) uint64 {
	return wi.subgroup.ShuffleUp(wi.ctx, wi.Ids.SubGroupLocalIndex, value, delta)
}

// ShuffleXor reads the value from the lane this one's index xor mask.
func (wi *WorkItem) ShuffleXor(value uint64, mask int) uint64 {
	return wi.subgroup.ShuffleXor(wi.ctx, wi.Ids.SubGroupLocalIndex, value, mask)
}

// Executor runs successive work-groups of work-items as a pool of
// cooperative fibers, reusing a single local memory arena across groups.
// debug enables the barrier-mismatch watchdog, which gives up on a group
// that has not finished within debugBarrierTimeout.
type Executor struct {
	simdWidth int
	debug     bool

	lmem LocalMemory
}

// NewExecutor returns an Executor dispatching sub-groups of simdWidth
// lanes (clamped to at least 1).
func NewExecutor(simdWidth int, debug bool) *Executor {
	if simdWidth <= 0 {
		simdWidth = 1
	}
	return &Executor{simdWidth: simdWidth, debug: debug}
}

// RunGroup executes one work-group. ids carries the group's WorkDim,
// GlobalSize, LocalSize, GroupID and GroupSize; per-item GlobalID, LocalID
// and sub-group identity are computed here and handed to kernel on each
// work-item's own fiber.
func (e *Executor) RunGroup(ids instance.Ids, kernel Kernel) error {
	n := int(ids.LocalSize[0]) * int(ids.LocalSize[1]) * int(ids.LocalSize[2])
	if n == 0 {
		return nil
	}

	e.lmem.Reset()

	subgroups, subIndexOf, subLocalOf, subMembers := e.partitionSubGroups(n)

	items := make([]*WorkItem, n)
	for linear := 0; linear < n; linear++ {
		itemIds := ids
		itemIds.LocalLinearIndex = linear
		itemIds.LocalID = localIDFromLinear(linear, ids.LocalSize)
		itemIds.GlobalID = [3]uint32{
			ids.GroupID[0]*ids.LocalSize[0] + itemIds.LocalID[0],
			ids.GroupID[1]*ids.LocalSize[1] + itemIds.LocalID[1],
			ids.GroupID[2]*ids.LocalSize[2] + itemIds.LocalID[2],
		}
		itemIds.SubGroupIndex = subIndexOf[linear]
		itemIds.SubGroupLocalIndex = subLocalOf[linear]
		itemIds.SubGroupSize = subgroups[itemIds.SubGroupIndex].size
		itemIds.NumSubGroups = len(subgroups)

		items[linear] = &WorkItem{
			Ids:      itemIds,
			subgroup: subgroups[itemIds.SubGroupIndex],
			lmem:     &e.lmem,
		}
	}

	main := fiber.NewMain()

	var unfinished int32
	atomic.StoreInt32(&unfinished, int32(n))

	// Fibers are built back-to-front so each one's exitTo can reference
	// the already-constructed next fiber in program order; the last
	// fiber exits to main (spec.md §4.E point 3).
	fibers := make([]*fiber.Context, n)
	for linear := n - 1; linear >= 0; linear-- {
		wi := items[linear]
		exitTo := main
		if linear < n-1 {
			exitTo = fibers[linear+1]
		}
		fibers[linear] = fiber.New(linear, func(c *fiber.Context) {
			wi.ctx = c
			kernel(wi)
			atomic.AddInt32(&unfinished, -1)
		}, exitTo)
	}

	// Whole-group barrier ring: wraps from the last work-item back to the
	// first (spec.md §4.E's next_linear_ctx).
	for linear := 0; linear < n; linear++ {
		fibers[linear].NextLinear = fibers[(linear+1)%n]
	}
	// Sub-group ring: wraps within each sub-group's own membership only
	// (spec.md §4.E's next_simd_ctx).
	for _, members := range subMembers {
		for i, linear := range members {
			fibers[linear].NextSIMD = fibers[members[(i+1)%len(members)]]
		}
	}

	done := make(chan struct{})
	go func() {
		main.Enter(fibers[0])
		close(done)
	}()

	if e.debug {
		select {
		case <-done:
		case <-time.After(debugBarrierTimeout):
			slog.Error("work-group did not reconverge before deadline",
				"unfinished", atomic.LoadInt32(&unfinished), "total", n)
			return ErrBarrierMismatch
		}
	} else {
		<-done
	}

	if e.lmem.Overflowed() {
		return ErrLocalMemoryExhausted
	}
	return nil
}

// partitionSubGroups splits n work-items into contiguous sub-groups of
// e.simdWidth lanes, with a single shorter final sub-group if n does not
// divide evenly. members[i] lists the linear indices belonging to
// subgroups[i], in lane order, used to wire each sub-group's own SIMD
// barrier ring.
func (e *Executor) partitionSubGroups(n int) (subgroups []*SubGroup, subIndexOf, subLocalOf []int, members [][]int) {
	width := e.simdWidth
	if width > n {
		width = n
	}

	numFull := n / width
	rem := n % width
	count := numFull
	if rem > 0 {
		count++
	}

	subgroups = make([]*SubGroup, count)
	members = make([][]int, count)
	for i := 0; i < numFull; i++ {
		subgroups[i] = newSubGroup(width)
	}
	if rem > 0 {
		subgroups[numFull] = newSubGroup(rem)
	}

	subIndexOf = make([]int, n)
	subLocalOf = make([]int, n)
	for linear := 0; linear < n; linear++ {
		idx := linear / width
		subIndexOf[linear] = idx
		subLocalOf[linear] = linear % width
		members[idx] = append(members[idx], linear)
	}
	return subgroups, subIndexOf, subLocalOf, members
}

func localIDFromLinear(linear int, localSize [3]uint32) [3]uint32 {
	lx, ly := int(localSize[0]), int(localSize[1])
	if lx == 0 {
		lx = 1
	}
	if ly == 0 {
		ly = 1
	}
	plane := lx * ly
	z := linear / plane
	rem := linear % plane
	y := rem / lx
	x := rem % lx
	return [3]uint32{uint32(x), uint32(y), uint32(z)}
}
