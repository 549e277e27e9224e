package workgroup

import (
	"sync"

	"github.com/arkveil/floorrt/internal/fiber"
)

// SubGroup coordinates SIMD-width operations (ballot, shuffle family) among
// the work-items that share one sub-group within a work-group. Each
// shuffle is two hops around the sub-group's own fiber ring
// (ctx.NextSIMD) and a ballot is three: the first hop publishes every
// lane's input into shared storage, a closing hop lets the next operation
// safely reuse the same storage, and Ballot's extra hop lets lane 0 clear
// the shared mask (spec.md §4.E).
type SubGroup struct {
	size int

	mu       sync.Mutex
	exchange []uint64
	ballot   uint64
}

func newSubGroup(size int) *SubGroup {
	return &SubGroup{size: size, exchange: make([]uint64, size)}
}

// Shuffle returns the value the lane srcLane passed to its matching
// Shuffle call. An out-of-range srcLane returns the caller's own value
// (spec.md §8's testable invariant), the same fallback ShuffleDown/Up/Xor
// apply before calling this.
func (g *SubGroup) Shuffle(ctx *fiber.Context, lane int, value uint64, srcLane int) uint64 {
	if srcLane < 0 || srcLane >= g.size {
		srcLane = lane
	}

	g.mu.Lock()
	g.exchange[lane] = value
	g.mu.Unlock()

	ctx.SwapTo(ctx.NextSIMD)

	g.mu.Lock()
	result := g.exchange[srcLane]
	g.mu.Unlock()

	ctx.SwapTo(ctx.NextSIMD)
	return result
}

// ShuffleDown reads the value delta lanes above the caller, or its own
// value if that lane does not exist.
func (g *SubGroup) ShuffleDown(ctx *fiber.Context, lane int, value uint64, delta int) uint64 {
	src := lane + delta
	if src < 0 || src >= g.size {
		src = lane
	}
	return g.Shuffle(ctx, lane, value, src)
}

// ShuffleUp reads the value delta lanes below the caller, or its own value
// if that lane does not exist.
func (g *SubGroup) ShuffleUp(ctx *fiber.Context, lane int, value uint64, delta int) uint64 {
	src := lane - delta
	if src < 0 || src >= g.size {
		src = lane
	}
	return g.Shuffle(ctx, lane, value, src)
}

// ShuffleXor reads the value from the lane obtained by xor-ing the
// caller's lane with mask, or its own value if that lane does not exist.
func (g *SubGroup) ShuffleXor(ctx *fiber.Context, lane int, value uint64, mask int) uint64 {
	src := lane ^ mask
	if src < 0 || src >= g.size {
		src = lane
	}
	return g.Shuffle(ctx, lane, value, src)
}

// Ballot returns, identically to every lane in the sub-group, the bitmask
// of lanes whose predicate evaluated true. Sub-groups wider than 64 lanes
// are not supported: floorrt's host-compute backend caps SIMD width well
// below that.
func (g *SubGroup) Ballot(ctx *fiber.Context, lane int, predicate bool) uint64 {
	if predicate {
		g.mu.Lock()
		g.ballot |= 1 << uint(lane)
		g.mu.Unlock()
	}

	ctx.SwapTo(ctx.NextSIMD)

	g.mu.Lock()
	result := g.ballot
	g.mu.Unlock()

	ctx.SwapTo(ctx.NextSIMD)

	if lane == 0 {
		g.mu.Lock()
		g.ballot = 0
		g.mu.Unlock()
	}

	ctx.SwapTo(ctx.NextSIMD)
	return result
}
