// Package fiber implements the cooperative coroutine primitive spec.md
// §4.D describes as a register-save area plus a pinned stack and an
// assembly trampoline. This port takes the design note's escape hatch
// (§9(b)): each fiber is a goroutine parked on an unbuffered channel, and
// "swap_context" is a direct handoff between two such goroutines. A
// goroutine blocked on a channel receive keeps its full call stack, which
// gives the same observable effect as the assembly context switch
// (suspend here, resume exactly here) without hand-written registers or a
// stack-pointer-rounding trick to recover "the current context" — there is
// no such recovery step, because the context is simply whichever
// goroutine is unblocked.
package fiber

import "sync"

// Context is one fiber: either a work-item (created with New, running fn)
// or the executor's "main" context (created with NewMain, never runs a
// fn of its own — it is just the rendezvous point the calling goroutine
// blocks on while fibers run).
type Context struct {
	// LocalLinearIndex is the work-item's position within its work-group,
	// stable for the Context's lifetime. -1 on the main context.
	LocalLinearIndex int

	// NextLinear is the work-group barrier ring's next fiber
	// (spec.md §4.E's next_linear_ctx), wrapping from the last work-item
	// back to the first. Set by the owning executor before first use.
	NextLinear *Context
	// NextSIMD is the sub-group barrier ring's next fiber, wrapping within
	// the current sub-group only.
	NextSIMD *Context

	fn     func(c *Context)
	exitTo *Context

	mu      sync.Mutex
	started bool
	wake    chan struct{}
}

// New creates a fiber that runs fn when first resumed. exitTo is where
// control transfers when fn returns normally: the next fiber in the
// executor's chain, or the main context for the last fiber (spec.md §4.E
// point 3).
func New(localLinearIndex int, fn func(c *Context), exitTo *Context) *Context {
	return &Context{
		LocalLinearIndex: localLinearIndex,
		fn:               fn,
		exitTo:           exitTo,
		wake:             make(chan struct{}),
	}
}

// NewMain creates the executor's main context: the rendezvous point a
// worker thread blocks on while a work-group's fibers run.
func NewMain() *Context {
	return &Context{LocalLinearIndex: -1, started: true, wake: make(chan struct{})}
}

// Reset rewinds a fiber to its just-initialized state for the next
// work-group, without discarding or reallocating its goroutine's identity
// (spec.md §4.E point 2: "rewind SP ... set IP to enter_context").
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.wake = make(chan struct{})
}

// SwapTo saves the caller's point of execution and transfers control to
// next, blocking until some other fiber swaps back to the caller. This is
// the single primitive both barriers (§4.E) and SIMD sub-group ops use.
func (c *Context) SwapTo(next *Context) {
	next.resume()
	<-c.wake
}

// Enter is SwapTo for the worker thread's own goroutine entering the
// work-group for the first time: equivalent to a main context swapping
// into fiber 0.
func (main *Context) Enter(first *Context) {
	main.SwapTo(first)
}

func (c *Context) resume() {
	c.mu.Lock()
	first := !c.started
	c.started = true
	c.mu.Unlock()

	if first {
		go c.run()
		return
	}
	c.wake <- struct{}{}
}

func (c *Context) run() {
	c.fn(c)
	if c.exitTo != nil {
		c.exitTo.resume()
	}
}
