// Package runtime holds the process-wide state a floorrt dispatch needs
// outside any single Instance: the printf ring buffer, the dispatch-wide
// mutex serialising kernel execution (spec.md §5), and the logger every
// other package calls into. It replaces the ad hoc globals spec.md §9
// flags as a design smell in the original C++ runtime.
package runtime

import (
	"log/slog"
	"sync"
)

// Runtime is a process-wide handle shared by every dispatch. Callers
// construct one per process (or per test) and pass it into
// internal/dispatch.
type Runtime struct {
	// DispatchMu serialises kernel execution: "a process-wide mutex
	// serialises dispatches" (spec.md §4.F point 4). Only one dispatch's
	// workers run at a time.
	DispatchMu sync.Mutex

	// ThreadCap bounds how many worker OS threads a single dispatch may
	// spawn, regardless of the requested geometry's group count.
	ThreadCap int

	Printf *PrintfBuffer

	Log *slog.Logger
}

// Option configures a Runtime at construction time.
type Option func(*Runtime)

// WithThreadCap overrides the default worker thread cap.
func WithThreadCap(n int) Option {
	return func(r *Runtime) { r.ThreadCap = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.Log = l }
}

// WithPrintfBufferSize overrides the default printf ring buffer capacity.
func WithPrintfBufferSize(size int) Option {
	return func(r *Runtime) { r.Printf = NewPrintfBuffer(size) }
}

// New constructs a Runtime with sensible defaults: an unbounded thread cap
// (one worker per participating CPU), a 64KiB printf buffer, and the
// default slog logger.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		ThreadCap: 0,
		Printf:    NewPrintfBuffer(defaultPrintfBufferSize),
		Log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
