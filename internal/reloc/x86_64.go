package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

func applyX86_64(target Target, got GOTTable, site Site) error {
	place := target.Base + uintptr(site.Offset)

	switch elf.R_X86_64(site.RawType) {
	case elf.R_X86_64_GOT64:
		// GOT64 rejects a non-zero addend rather than guessing at ABI
		// intent: real toolchains are not known to emit one for this
		// backend's inputs, and silently accepting it risks a wrong
		// address with no diagnostic.
		if site.Addend != 0 {
			return ErrNonZeroGOT64Addend
		}

		idx, err := got.Alloc()
		if err != nil {
			return fmt.Errorf("allocating GOT entry: %w", err)
		}
		got.Set(idx, uint64(site.Resolved))

		value := uint64(idx*8) + uint64(site.Addend)
		return putLE64(target.Memory, site.Offset, value)

	case elf.R_X86_64_GOTPC64:
		value := uint64(int64(got.Base()) + site.Addend - int64(place))
		return putLE64(target.Memory, site.Offset, value)

	case elf.R_X86_64_GOTOFF64:
		value := uint64(int64(site.Resolved) - int64(got.Base()) + site.Addend)
		return putLE64(target.Memory, site.Offset, value)

	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		// PLT32 degrades to PC32 for a statically-linked, relocatable
		// host-compute object: there is no PLT indirection to preserve.
		v := int64(site.Resolved) + site.Addend - int64(place)
		return putLE32Signed(target.Memory, site.Offset, v)

	default:
		return fmt.Errorf("%w: x86-64 type %d", ErrUnsupportedReloc, site.RawType)
	}
}

func putLE64(mem []byte, off uint64, v uint64) error {
	if off+8 > uint64(len(mem)) {
		return fmt.Errorf("offset %#x: %w", off, ErrFieldOutOfRange)
	}
	binary.LittleEndian.PutUint64(mem[off:], v)
	return nil
}

func putLE32Signed(mem []byte, off uint64, v int64) error {
	if v < -(1<<31) || v > (1<<31)-1 {
		return fmt.Errorf("value %d: %w", v, ErrFieldOutOfRange)
	}
	if off+4 > uint64(len(mem)) {
		return fmt.Errorf("offset %#x: %w", off, ErrFieldOutOfRange)
	}
	binary.LittleEndian.PutUint32(mem[off:], uint32(int32(v)))
	return nil
}
