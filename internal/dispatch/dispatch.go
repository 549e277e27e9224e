// Package dispatch implements the host kernel dispatcher (spec.md §4.F):
// it marshals arguments, computes dispatch geometry, spawns one worker
// per participating CPU, and drives internal/workgroup through every
// group in the dispatch before invoking the caller's completion callback.
package dispatch

import (
	"errors"
	"fmt"
	osruntime "runtime"
	"sync/atomic"

	"github.com/ebitengine/purego"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/arkveil/floorrt/internal/functioninfo"
	"github.com/arkveil/floorrt/internal/instance"
	"github.com/arkveil/floorrt/internal/runtime"
	"github.com/arkveil/floorrt/internal/workgroup"
)

// ErrDispatch is the sentinel every dispatch-level failure wraps,
// matching spec.md §7's DispatchError kind.
var ErrDispatch = errors.New("dispatch error")

// ErrMissingInstance is returned when a device-variant program has no
// per-CPU instance to resolve against.
var ErrMissingInstance = fmt.Errorf("missing per-CPU instance: %w", ErrDispatch)

// ErrMissingEntryPoint is returned when a Program carries neither an ELF
// Instance nor a host variant.
var ErrMissingEntryPoint = fmt.Errorf("program has neither a device instance nor a host kernel: %w", ErrDispatch)

// HostKernel is the host (non-ELF) entry point shape: a statically linked
// Go function called with the same argument-pointer ABI a device kernel
// receives (spec.md §4.F point 5).
type HostKernel func(wi *workgroup.WorkItem, args []uintptr)

// Program is one compiled kernel entry point, in either its device (ELF
// Instance) or host variant.
type Program struct {
	Info functioninfo.Function

	// Loaded and FuncName select the device variant: each worker resolves
	// FuncName against its own per-CPU instance.Instance.
	Loaded   *instance.Loaded
	FuncName string

	// Host selects the host variant, used when Loaded is nil.
	Host HostKernel
}

// Dispatcher executes Programs against a shared runtime.Runtime.
type Dispatcher struct {
	RT        *runtime.Runtime
	SimdWidth int
	Debug     bool
}

// New returns a Dispatcher bound to rt.
func New(rt *runtime.Runtime, simdWidth int, debug bool) *Dispatcher {
	return &Dispatcher{RT: rt, SimdWidth: simdWidth, Debug: debug}
}

// Execute runs prog over the given geometry, marshalling args in
// declaration order. workers <= 0 means "every logical CPU", clamped by
// RT.ThreadCap if set. completion, if non-nil, is invoked exactly once
// after every worker has joined, only on successful completion (spec.md
// §4.F point 7).
func (d *Dispatcher) Execute(workers int, prog *Program, workDim int, global, local [3]uint32, args []Arg, completion func()) error {
	d.RT.DispatchMu.Lock()
	defer d.RT.DispatchMu.Unlock()

	if prog.Loaded == nil && prog.Host == nil {
		return ErrMissingEntryPoint
	}

	m, err := marshalArgs(args)
	if err != nil {
		return err
	}

	geo, err := computeGeometry(workDim, global, local, prog.Info)
	if err != nil {
		return err
	}

	if workers <= 0 {
		workers = osruntime.NumCPU()
	}
	if d.RT.ThreadCap > 0 && workers > d.RT.ThreadCap {
		workers = d.RT.ThreadCap
	}
	if uint64(workers) > geo.totalGroups {
		workers = int(geo.totalGroups)
	}
	if workers == 0 {
		if completion != nil {
			completion()
		}
		return nil
	}

	instances := make([]*instance.Instance, workers)
	if prog.Loaded != nil {
		for i := range instances {
			inst, err := prog.Loaded.NewInstance(nil)
			if err != nil {
				for _, built := range instances[:i] {
					if built != nil {
						_ = built.Close()
					}
				}
				return fmt.Errorf("building per-CPU instance %d: %w", i, errors.Join(err, ErrMissingInstance))
			}
			if _, ok := inst.Function(prog.FuncName); !ok {
				_ = inst.Close()
				return fmt.Errorf("function %q not found in instance %d: %w", prog.FuncName, i, ErrMissingInstance)
			}
			instances[i] = inst
		}
		defer func() {
			for _, inst := range instances {
				_ = inst.Close()
			}
		}()
	}

	var ticket atomic.Uint64

	eg := &errgroup.Group{}
	eg.SetLimit(workers)
	for cpu := 0; cpu < workers; cpu++ {
		cpu := cpu
		var inst *instance.Instance
		if prog.Loaded != nil {
			inst = instances[cpu]
		}
		eg.Go(func() error {
			d.runWorker(cpu, prog, inst, geo, workDim, &ticket, m.pointers)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	d.drainPrintfBuffer()

	if completion != nil {
		completion()
	}
	return nil
}

// runWorker pins itself to a CPU and repeatedly claims group tickets
// until the dispatch is exhausted, running each group to completion via
// internal/workgroup. A per-group RuntimeError (local memory exhaustion,
// barrier misuse) is logged and stops this worker's loop; it does not
// abort the dispatch (spec.md §7).
func (d *Dispatcher) runWorker(cpu int, prog *Program, inst *instance.Instance, geo geometry, workDim int, ticket *atomic.Uint64, argPointers []uintptr) {
	osruntime.LockOSThread()
	defer osruntime.UnlockOSThread()
	setAffinity(cpu)

	executor := workgroup.NewExecutor(d.SimdWidth, d.Debug)

	var fnAddr uintptr
	if inst != nil {
		fnAddr, _ = inst.Function(prog.FuncName)
	}

	for {
		t := ticket.Add(1) - 1
		if t >= geo.totalGroups {
			return
		}

		groupID := geo.groupID(t)
		ids := instance.Ids{
			WorkDim:    workDim,
			GlobalSize: geo.globalWorkSize,
			LocalSize:  geo.localWorkSize,
			GroupID:    groupID,
			GroupSize:  geo.groupDim,
		}

		var kernel workgroup.Kernel
		if inst != nil {
			inst.Reset(geo.globalWorkSize, geo.localWorkSize, geo.groupDim, workDim)
			kernel = func(wi *workgroup.WorkItem) { callDeviceKernel(fnAddr, wi, argPointers) }
		} else {
			kernel = func(wi *workgroup.WorkItem) { prog.Host(wi, argPointers) }
		}

		if err := executor.RunGroup(ids, kernel); err != nil {
			d.RT.Log.Error("work-group runtime error, worker stopping", "cpu", cpu, "group", groupID, "err", err)
			return
		}
	}
}

// callDeviceKernel invokes a relocated, RX-mapped machine-code entry
// point with the marshalled argument pointers. Kernels read their own
// work-item identity through external symbols resolved at relocation
// time (internal/reloc) rather than an extra hidden argument; wi is bound
// to the calling OS thread for the duration of the call so those built-in
// symbols (internal/workgroup's id getters and barrier entry points) can
// find it.
func callDeviceKernel(fnAddr uintptr, wi *workgroup.WorkItem, argPointers []uintptr) {
	if fnAddr == 0 {
		return
	}
	unbind := workgroup.BindCurrent(wi)
	defer unbind()
	purego.SyscallN(fnAddr, argPointers...)
}

// drainPrintfBuffer forwards the dispatch's printf buffer to the log once
// the join has completed, if any kernel wrote to it (spec.md §4.F point 6).
func (d *Dispatcher) drainPrintfBuffer() {
	if !d.RT.Printf.Advanced() {
		return
	}
	d.RT.Printf.Drain(d.RT.Log)
}

func setAffinity(cpu int) {
	if cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
