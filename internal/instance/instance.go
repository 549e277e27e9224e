// Package instance materialises a parsed ELF object (internal/elfobj) into
// live, pinned process memory: one Instance per logical CPU, each with its
// own executable, BSS and (when needed) read-only arenas and GOT, fully
// relocated (internal/reloc) and ready to call into.
package instance

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/arkveil/floorrt/internal/align"
	"github.com/arkveil/floorrt/internal/elfobj"
	"github.com/arkveil/floorrt/internal/iometa"
	"github.com/arkveil/floorrt/internal/reloc"
)

var (
	ErrNoTextSection = errors.New("object has no executable .text section")
)

// Ids is the per-work-item identity snapshot carried on an Instance.
// Instance.Reset rewrites the Instance's copy ahead of each work-group;
// internal/workgroup builds a separate per-work-item copy for each fiber.
type Ids struct {
	WorkDim int

	GlobalID, GlobalSize [3]uint32
	LocalID, LocalSize   [3]uint32
	GroupID, GroupSize   [3]uint32

	LocalLinearIndex int

	SubGroupIndex      int
	SubGroupSize       int
	SubGroupLocalIndex int
	NumSubGroups       int
}

// sectionSlot records where one ELF section lands within a concatenated
// arena, respecting the section's own alignment.
type sectionSlot struct {
	section *elfobj.Section
	offset  uint64
}

func layoutSections(sections []*elfobj.Section) ([]sectionSlot, int) {
	var slots []sectionSlot
	var offset uint64
	for _, s := range sections {
		offset = align.Address(offset, s.Addralign)
		slots = append(slots, sectionSlot{section: s, offset: offset})
		offset += s.Size
	}
	return slots, int(offset)
}

// Loaded is the state shared by every per-CPU Instance materialised from
// one parsed ELF binary: the RO section layout and, when no relocation
// targets .rodata, the single RO arena every Instance shares (spec.md
// §4.B); and the GOT size, pre-counted once (§4.C) rather than per instance.
type Loaded struct {
	bin *elfobj.Binary

	roLayout []sectionSlot
	roSize   int

	gotEntries int

	sharedRO *arena // non-nil only when the binary has no .rodata relocations
}

// Load validates that bin can be instantiated and precomputes the layout
// shared across every future Instance.
func Load(bin *elfobj.Binary) (*Loaded, error) {
	if bin.TextSection == nil {
		return nil, ErrNoTextSection
	}

	roLayout, roSize := layoutSections(bin.RodataSection)

	relocs := make([]*elfobj.Relocation, 0, len(bin.RelaText)+len(bin.RelaRodata))
	relocs = append(relocs, bin.RelaText...)
	relocs = append(relocs, bin.RelaRodata...)

	l := &Loaded{
		bin:        bin,
		roLayout:   roLayout,
		roSize:     roSize,
		gotEntries: reloc.CountGOTEntries(bin.Machine, relocs),
	}

	if len(bin.RelaRodata) == 0 && roSize > 0 {
		ar, err := newArena(roSize)
		if err != nil {
			return nil, fmt.Errorf("allocating shared RO arena: %w", err)
		}
		if err := fillSections(ar, roLayout); err != nil {
			return nil, fmt.Errorf("filling shared RO arena: %w", err)
		}
		if err := ar.transition(protRO); err != nil {
			return nil, err
		}
		l.sharedRO = ar
	}

	return l, nil
}

// fillSections lays out slots into ar.mem in offset order, writing each
// section's bytes and zero-filling the alignment padding between them via
// iometa.WriteZeros rather than relying on the arena already being zeroed.
func fillSections(ar *arena, slots []sectionSlot) error {
	var buf bytes.Buffer
	cw := &iometa.CountingWriter{Writer: &buf}
	for _, s := range slots {
		if pad := int(s.offset) - cw.BytesWritten(); pad > 0 {
			if err := iometa.WriteZeros(cw, pad); err != nil {
				return fmt.Errorf("padding section %q: %w", s.section.Name, err)
			}
		}
		if _, err := cw.Write(s.section.Data()); err != nil {
			return fmt.Errorf("writing section %q: %w", s.section.Name, err)
		}
	}
	copy(ar.mem, buf.Bytes())
	return nil
}

// Instance is one per-CPU materialisation of a Loaded binary.
type Instance struct {
	bin *elfobj.Binary

	exec   *arena
	ro     *arena
	ownsRO bool
	rw     *arena
	got    *GOT
	ext    externalResolver

	sectionMap map[int]uintptr
	functions  map[string]uintptr

	Ids Ids
}

// NewInstance allocates a fresh per-CPU copy of the binary and applies
// every relocation into it. Passing a nil ext resolves external symbols
// against the host process via dlsym.
func (l *Loaded) NewInstance(ext externalResolver) (*Instance, error) {
	if ext == nil {
		ext = dlsymResolver{}
	}
	bin := l.bin

	exec, err := newArena(len(bin.TextSection.Data()))
	if err != nil {
		return nil, fmt.Errorf("allocating exec arena: %w", err)
	}
	copy(exec.mem, bin.TextSection.Data())

	ownsRO := len(bin.RelaRodata) > 0
	ro := l.sharedRO
	if ownsRO {
		ro, err = newArena(l.roSize)
		if err != nil {
			return nil, fmt.Errorf("allocating per-instance RO arena: %w", err)
		}
		if err := fillSections(ro, l.roLayout); err != nil {
			return nil, fmt.Errorf("filling per-instance RO arena: %w", err)
		}
	}

	bssLayout, bssSize := layoutSections(bin.BSSSection)
	rw, err := newArena(bssSize)
	if err != nil {
		return nil, fmt.Errorf("allocating BSS arena: %w", err)
	}

	got, err := newGOT(l.gotEntries)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		bin:        bin,
		exec:       exec,
		ro:         ro,
		ownsRO:     ownsRO,
		rw:         rw,
		got:        got,
		ext:        ext,
		sectionMap: map[int]uintptr{},
		functions:  map[string]uintptr{},
	}
	inst.buildSectionMap(l.roLayout, bssLayout)

	if err := inst.applyRelocations(bin, exec, ro); err != nil {
		return nil, err
	}
	inst.resolveFunctions(bin)

	if err := exec.transition(protRX); err != nil {
		return nil, err
	}
	if ownsRO {
		if err := ro.transition(protRO); err != nil {
			return nil, err
		}
	}
	if err := got.seal(); err != nil {
		return nil, err
	}

	return inst, nil
}

func (inst *Instance) buildSectionMap(roLayout, bssLayout []sectionSlot) {
	inst.sectionMap[inst.bin.TextSection.Index] = inst.exec.base()
	for _, s := range roLayout {
		inst.sectionMap[s.section.Index] = inst.ro.base() + uintptr(s.offset)
	}
	for _, s := range bssLayout {
		inst.sectionMap[s.section.Index] = inst.rw.base() + uintptr(s.offset)
	}
}

func (inst *Instance) applyRelocations(bin *elfobj.Binary, exec, ro *arena) error {
	textTarget := reloc.Target{Memory: exec.mem, Base: exec.base()}
	if err := reloc.Apply(bin, bin.RelaText, textTarget, inst.got, inst); err != nil {
		return fmt.Errorf("applying .rela.text: %w", err)
	}

	if len(bin.RelaRodata) > 0 {
		roTarget := reloc.Target{Memory: ro.mem, Base: ro.base()}
		if err := reloc.Apply(bin, bin.RelaRodata, roTarget, inst.got, inst); err != nil {
			return fmt.Errorf("applying .rela.rodata: %w", err)
		}
	}
	return nil
}

func (inst *Instance) resolveFunctions(bin *elfobj.Binary) {
	for _, sym := range bin.Symbols {
		if sym.Type != elfobj.SymCode || sym.Undefined {
			continue
		}
		if sym.Binding != elfobj.BindGlobal && sym.Binding != elfobj.BindWeak {
			continue
		}
		if sym.Section != bin.TextSection.Index {
			continue
		}
		inst.functions[sym.Name] = inst.exec.base() + uintptr(sym.Value)
	}
}

// Function looks up an exported kernel entry point by name.
func (inst *Instance) Function(name string) (uintptr, bool) {
	addr, ok := inst.functions[name]
	return addr, ok
}

// ResolveInternal implements reloc.SymbolResolver.
func (inst *Instance) ResolveInternal(sectionIndex int) (uintptr, bool) {
	addr, ok := inst.sectionMap[sectionIndex]
	return addr, ok
}

// ResolveExternal implements reloc.SymbolResolver. _GLOBAL_OFFSET_TABLE_ is
// resolved here rather than through reloc's built-in table because its
// address is per-Instance (each Instance owns its own GOT arena), unlike
// the process-wide id-getter and barrier built-ins internal/workgroup
// registers.
func (inst *Instance) ResolveExternal(name string) (uintptr, error) {
	if name == "_GLOBAL_OFFSET_TABLE_" {
		return inst.got.Base(), nil
	}
	return inst.ext.ResolveExternal(name)
}

// Reset zeroes BSS and refreshes the constant id fields ahead of a new
// work-group dispatch, per spec.md §3's Instance.reset.
func (inst *Instance) Reset(global, local, group [3]uint32, workDim int) {
	if err := iometa.WriteZeros(&bytesResetWriter{inst.rw.mem}, len(inst.rw.mem)); err != nil {
		// inst.rw.mem is a fixed-size in-process buffer; WriteZeros cannot
		// fail against it short of a logic error in bytesResetWriter.
		panic(fmt.Sprintf("zeroing BSS arena: %v", err))
	}
	inst.Ids = Ids{
		WorkDim:    workDim,
		GlobalSize: global,
		LocalSize:  local,
		GroupSize:  group,
	}
}

// bytesResetWriter lets iometa.WriteZeros fill a fixed-size arena slice
// in place instead of allocating a fresh zero buffer on every group reset.
type bytesResetWriter struct{ mem []byte }

func (w *bytesResetWriter) Write(p []byte) (int, error) {
	n := copy(w.mem, p)
	w.mem = w.mem[n:]
	return n, nil
}

// LocalMemory exposes the instance's BSS arena as "local memory" per the
// device programming model (spec.md §4.B).
func (inst *Instance) LocalMemory() []byte {
	return inst.rw.mem
}

// Close unmaps every arena owned by this instance. The shared RO arena (if
// any) belongs to Loaded and is not released here.
func (inst *Instance) Close() error {
	var errs []error
	if err := inst.exec.free(); err != nil {
		errs = append(errs, err)
	}
	if inst.ownsRO {
		if err := inst.ro.free(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := inst.rw.free(); err != nil {
		errs = append(errs, err)
	}
	if err := inst.got.arena.free(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the shared RO arena, if one was allocated. Call once all
// Instances derived from this Loaded have been closed.
func (l *Loaded) Close() error {
	if l.sharedRO == nil {
		return nil
	}
	return l.sharedRO.free()
}
