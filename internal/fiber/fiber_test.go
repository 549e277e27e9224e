package fiber

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainRunsInOrderAndReturnsToMain(t *testing.T) {
	main := NewMain()
	var order []int

	var f0, f1, f2 *Context
	f2 = New(2, func(c *Context) { order = append(order, 2) }, main)
	f1 = New(1, func(c *Context) { order = append(order, 1) }, f2)
	f0 = New(0, func(c *Context) { order = append(order, 0) }, f1)

	main.Enter(f0)

	require.Equal(t, []int{0, 1, 2}, order)
}

func TestSwapToRendezvousesBackAndForth(t *testing.T) {
	main := NewMain()
	var trace []string

	var a, b *Context
	b = New(1, func(c *Context) {
		trace = append(trace, "b-start")
		c.SwapTo(a)
		trace = append(trace, "b-resumed")
	}, main)
	a = New(0, func(c *Context) {
		trace = append(trace, "a-start")
		c.SwapTo(b)
		trace = append(trace, "a-resumed")
		c.SwapTo(b)
	}, main)

	main.Enter(a)

	require.Equal(t, []string{"a-start", "b-start", "a-resumed", "b-resumed"}, trace)
}

func TestResetAllowsFiberReuseAcrossGroups(t *testing.T) {
	main := NewMain()
	runs := 0

	f := New(0, func(c *Context) { runs++ }, main)
	main.Enter(f)
	require.Equal(t, 1, runs)

	f.Reset()
	main.Enter(f)
	require.Equal(t, 2, runs)
}

// TestRingRelayVisitsFibersInOrderThenWrapsToStarter exercises NextLinear
// as a single relay baton pass (the shape internal/workgroup builds one
// barrier round from): fiber i records its position and hands off to
// i+1; the last fiber wraps back to fiber 0, which resumes past its own
// swap and finishes the chain.
func TestRingRelayVisitsFibersInOrderThenWrapsToStarter(t *testing.T) {
	const n = 4
	main := NewMain()
	fibers := make([]*Context, n)
	var order []int

	fibers[0] = New(0, nil, main)
	for i := 1; i < n; i++ {
		idx := i
		fibers[i] = New(idx, func(c *Context) {
			order = append(order, idx)
			c.SwapTo(c.NextLinear)
		}, main)
	}
	fibers[0].fn = func(c *Context) {
		order = append(order, 0)
		c.SwapTo(c.NextLinear)
		order = append(order, -1) // resumed once the ring wrapped back around
	}

	for i := 0; i < n; i++ {
		fibers[i].NextLinear = fibers[(i+1)%n]
	}

	main.Enter(fibers[0])

	require.Equal(t, []int{0, 1, 2, 3, -1}, order)
}
