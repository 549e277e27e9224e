package elfobj

// Relocation is offset + target-symbol-index + architecture-tagged type +
// addend, restricted to entries found in .rela.text or .rela.rodata.
type Relocation struct {
	// Target is the section this relocation patches (KindText or KindRodata).
	Target SectionKind

	// Offset is relative to the start of Target's data.
	Offset uint64

	// RawType is the machine-specific relocation type code (an
	// elf.R_X86_64_* or elf.R_AARCH64_* value); interpretation is the
	// relocator package's job, not this one's.
	RawType uint32

	SymbolIndex uint32
	Addend      int64
}
