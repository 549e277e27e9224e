package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// aarch64None256 is a non-standard R_AARCH64_NONE encoding (type 256)
// emitted by some toolchain versions as a placeholder; treated identically
// to the real R_AARCH64_NONE (type 0).
const aarch64None256 = 256

const pageSize = 1 << 12

func pageOf(addr uintptr) uintptr { return addr &^ (pageSize - 1) }

func applyAArch64(target Target, got GOTTable, site Site) error {
	if site.Offset+4 > uint64(len(target.Memory)) {
		return fmt.Errorf("offset %#x: %w", site.Offset, ErrFieldOutOfRange)
	}
	place := target.Base + uintptr(site.Offset)

	switch uint32(site.RawType) {
	case uint32(elf.R_AARCH64_NONE), aarch64None256:
		return nil

	case uint32(elf.R_AARCH64_ADR_GOT_PAGE):
		idx, err := got.Alloc()
		if err != nil {
			return fmt.Errorf("allocating GOT entry: %w", err)
		}
		got.Set(idx, uint64(site.Resolved)+uint64(site.Addend))

		delta := int64(pageOf(got.EntryAddr(idx))) - int64(pageOf(place))
		pageDelta := delta >> 12
		if pageDelta < -(1<<20) || pageDelta > (1<<20)-1 {
			return fmt.Errorf("ADRP page delta %d: %w", pageDelta, ErrFieldOutOfRange)
		}

		immlo := uint32(pageDelta) & 0x3
		immhi := (uint32(pageDelta) >> 2) & 0x7FFFF

		instr := readLE32(target.Memory, site.Offset)
		instr &^= (0x3 << 29) | (0x7FFFF << 5)
		instr |= immlo << 29
		instr |= immhi << 5
		writeLE32(target.Memory, site.Offset, instr)
		return nil

	case uint32(elf.R_AARCH64_LD64_GOT_LO12_NC):
		idx, err := got.Alloc()
		if err != nil {
			return fmt.Errorf("allocating GOT entry: %w", err)
		}
		got.Set(idx, uint64(site.Resolved)+uint64(site.Addend))

		addr := got.EntryAddr(idx)
		if addr%8 != 0 {
			return fmt.Errorf("GOT entry address %#x: %w", addr, ErrMisalignedTarget)
		}
		imm12 := uint32(addr&0xFFF) >> 3

		instr := readLE32(target.Memory, site.Offset)
		instr &^= 0xFFF << 10
		instr |= (imm12 & 0xFFF) << 10
		writeLE32(target.Memory, site.Offset, instr)
		return nil

	case uint32(elf.R_AARCH64_CALL26):
		v := int64(site.Resolved) + site.Addend - int64(place)
		if v%4 != 0 {
			return fmt.Errorf("CALL26 target %#x not 4-byte aligned: %w", v, ErrMisalignedTarget)
		}
		shifted := v >> 2
		if shifted < -(1<<25) || shifted > (1<<25)-1 {
			return fmt.Errorf("CALL26 displacement %d: %w", shifted, ErrFieldOutOfRange)
		}

		instr := readLE32(target.Memory, site.Offset)
		instr &^= 0x3FFFFFF
		instr |= uint32(shifted) & 0x3FFFFFF
		writeLE32(target.Memory, site.Offset, instr)
		return nil

	case uint32(elf.R_AARCH64_MOVW_UABS_G0), uint32(elf.R_AARCH64_MOVW_UABS_G0_NC):
		return applyMovwUabs(target, site, 0, site.RawType == uint32(elf.R_AARCH64_MOVW_UABS_G0_NC), 16)
	case uint32(elf.R_AARCH64_MOVW_UABS_G1), uint32(elf.R_AARCH64_MOVW_UABS_G1_NC):
		return applyMovwUabs(target, site, 16, site.RawType == uint32(elf.R_AARCH64_MOVW_UABS_G1_NC), 32)
	case uint32(elf.R_AARCH64_MOVW_UABS_G2), uint32(elf.R_AARCH64_MOVW_UABS_G2_NC):
		return applyMovwUabs(target, site, 32, site.RawType == uint32(elf.R_AARCH64_MOVW_UABS_G2_NC), 48)
	case uint32(elf.R_AARCH64_MOVW_UABS_G3):
		return applyMovwUabs(target, site, 48, true, 64)

	default:
		return fmt.Errorf("%w: aarch64 type %d", ErrUnsupportedReloc, site.RawType)
	}
}

// applyMovwUabs encodes bits [shift+15:shift] of (resolved+addend) into the
// MOVZ/MOVK immediate field at bits [20:5]. When !noCarry, the value must
// fit entirely within the bits below overflowBit (the slice is expected to
// be the final, non-continued MOVZ for the address).
func applyMovwUabs(target Target, site Site, shift uint, noCarry bool, overflowBit uint) error {
	value := uint64(int64(site.Resolved) + site.Addend)

	if !noCarry {
		if value>>overflowBit != 0 {
			return fmt.Errorf("value %#x exceeds %d bits: %w", value, overflowBit, ErrFieldOutOfRange)
		}
	}

	imm16 := uint32(value>>shift) & 0xFFFF

	instr := readLE32(target.Memory, site.Offset)
	instr &^= 0xFFFF << 5
	instr |= imm16 << 5
	writeLE32(target.Memory, site.Offset, instr)
	return nil
}

func readLE32(mem []byte, off uint64) uint32 {
	return binary.LittleEndian.Uint32(mem[off:])
}

func writeLE32(mem []byte, off uint64, v uint32) {
	binary.LittleEndian.PutUint32(mem[off:], v)
}
