// Package reloc resolves ELF symbols against either a small built-in table
// of runtime-provided identifiers or the host process's dynamic symbol
// table, and applies x86-64 and AArch64 relocations into live, pinned
// process memory. It is grounded on the teacher's internal/grub/reloc.go,
// generalized from "rewrite a PE byte stream" to "patch already-mapped
// memory in place".
package reloc

import (
	"debug/elf"
	"errors"
	"fmt"
	"sync"

	"github.com/arkveil/floorrt/internal/elfobj"
)

var (
	ErrUnresolvedSymbol  = errors.New("unresolved external symbol")
	ErrUnsupportedReloc  = errors.New("unsupported relocation type")
	ErrFieldOutOfRange   = errors.New("relocation value does not fit in the encoded field")
	ErrMisalignedTarget  = errors.New("relocation target is not sufficiently aligned")
	ErrNonZeroGOT64Addend = errors.New("GOT64 relocations with a non-zero addend are not implemented")
)

// GOTTable is the subset of instance.GOT the relocator needs: a bump
// allocator over a pinned table whose entry 0 holds its own address.
type GOTTable interface {
	// Base returns the absolute address of got[0].
	Base() uintptr
	// Alloc bump-allocates the next free entry and returns its index.
	Alloc() (index int, err error)
	// Set publishes a resolved address into entry index.
	Set(index int, value uint64)
	// EntryAddr returns the absolute address of got[index].
	EntryAddr(index int) uintptr
}

// SymbolResolver resolves the two symbol reference kinds a relocation can
// carry: a section-relative internal reference, and a named external
// reference.
type SymbolResolver interface {
	// ResolveInternal returns the absolute base address of a parsed
	// section, by its index in the owning elfobj.Binary.
	ResolveInternal(sectionIndex int) (uintptr, bool)
	// ResolveExternal resolves a symbol name against the host process,
	// after the built-in table (see RegisterBuiltin) has already been
	// checked by the caller.
	ResolveExternal(name string) (uintptr, error)
}

var (
	builtinMu sync.RWMutex
	builtins  = map[string]uintptr{}
)

// RegisterBuiltin adds a runtime-provided symbol (a per-work-item id
// getter, a barrier entry point, ...) to the built-in resolution table
// consulted before falling through to the SymbolResolver's ResolveExternal.
// Packages that implement these entry points (workgroup) call this from an
// init func, which avoids an import cycle between reloc and its builtin
// symbol providers. _GLOBAL_OFFSET_TABLE_ is deliberately not registered
// here: its address differs per instance.Instance, so it is resolved
// directly in ResolveExternal instead.
func RegisterBuiltin(name string, addr uintptr) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[name] = addr
}

func lookupBuiltin(name string) (uintptr, bool) {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	addr, ok := builtins[name]
	return addr, ok
}

// Site describes one relocation to apply, with its symbol already looked
// up to an absolute address by resolveSymbol.
type Site struct {
	RawType  uint32
	Offset   uint64 // offset within Memory
	Addend   int64
	Resolved uintptr
}

// Target is the live memory region a relocation patches, plus its runtime
// base address (Memory[0] corresponds to absolute address Base).
type Target struct {
	Memory []byte
	Base   uintptr
}

// Apply resolves and applies every relocation in relocs against target,
// using got for GOT-allocating relocation types and resolver for symbol
// addresses. Relocations are applied in slice order, matching spec.md
// §4.C's ".rela.text then .rela.rodata" processing order when the caller
// concatenates the two lists in that order.
func Apply(bin *elfobj.Binary, relocs []*elfobj.Relocation, target Target, got GOTTable, resolver SymbolResolver) error {
	machine := bin.Machine

	for _, rel := range relocs {
		if int(rel.SymbolIndex) >= len(bin.Symbols) {
			return fmt.Errorf("reloc at offset %#x: %w", rel.Offset, elfobj.ErrBadSymbolIndex)
		}
		sym := bin.Symbols[rel.SymbolIndex]

		resolved, err := resolveSymbol(sym, resolver)
		if err != nil {
			return fmt.Errorf("reloc at offset %#x targeting %q: %w", rel.Offset, sym.Name, err)
		}

		if rel.Offset >= uint64(len(target.Memory)) {
			return fmt.Errorf("reloc at offset %#x: target out of bounds", rel.Offset)
		}

		site := Site{RawType: rel.RawType, Offset: rel.Offset, Addend: rel.Addend, Resolved: resolved}

		switch machine {
		case elfobj.MachineX86_64:
			if err := applyX86_64(target, got, site); err != nil {
				return fmt.Errorf("reloc at offset %#x: %w", rel.Offset, err)
			}
		case elfobj.MachineAArch64:
			if err := applyAArch64(target, got, site); err != nil {
				return fmt.Errorf("reloc at offset %#x: %w", rel.Offset, err)
			}
		default:
			return fmt.Errorf("reloc at offset %#x: %w", rel.Offset, ErrUnsupportedReloc)
		}
	}

	return nil
}

func resolveSymbol(sym *elfobj.Symbol, resolver SymbolResolver) (uintptr, error) {
	switch {
	case sym.External():
		if addr, ok := lookupBuiltin(sym.Name); ok {
			return addr, nil
		}
		addr, err := resolver.ResolveExternal(sym.Name)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, sym.Name)
		}
		return addr, nil
	case sym.Absolute:
		return uintptr(sym.Value), nil
	default:
		base, ok := resolver.ResolveInternal(sym.Section)
		if !ok {
			return 0, fmt.Errorf("no instantiated section for index %d (symbol %q)", sym.Section, sym.Name)
		}
		return base + uintptr(sym.Value), nil
	}
}

// CountGOTEntries performs the §4.B/§4.C two-pass pre-count: how many GOT
// slots (beyond entry 0) the given relocation set will bump-allocate. This
// must be computed before the GOT arena is sized and pinned.
func CountGOTEntries(machine elfobj.Machine, relocs []*elfobj.Relocation) int {
	n := 0
	for _, r := range relocs {
		if isGOTAllocating(machine, r.RawType) {
			n++
		}
	}
	return n
}

func isGOTAllocating(machine elfobj.Machine, rawType uint32) bool {
	switch machine {
	case elfobj.MachineX86_64:
		return rawType == uint32(elf.R_X86_64_GOT64)
	case elfobj.MachineAArch64:
		switch elf.R_AARCH64(rawType) {
		case elf.R_AARCH64_MOVW_GOTOFF_G0, elf.R_AARCH64_MOVW_GOTOFF_G0_NC,
			elf.R_AARCH64_MOVW_GOTOFF_G1, elf.R_AARCH64_MOVW_GOTOFF_G1_NC,
			elf.R_AARCH64_MOVW_GOTOFF_G2, elf.R_AARCH64_MOVW_GOTOFF_G2_NC,
			elf.R_AARCH64_MOVW_GOTOFF_G3,
			elf.R_AARCH64_GOT_LD_PREL19,
			elf.R_AARCH64_LD64_GOTOFF_LO15,
			elf.R_AARCH64_ADR_GOT_PAGE,
			elf.R_AARCH64_LD64_GOT_LO12_NC,
			elf.R_AARCH64_LD64_GOTPAGE_LO15:
			return true
		}
	}
	return false
}
