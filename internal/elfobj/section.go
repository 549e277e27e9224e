package elfobj

// SectionKind classifies a section by name and header flags, per the closed
// vocabulary spec.md §4.A requires. Anything outside this vocabulary fails
// the parse.
type SectionKind int

const (
	KindStrTab SectionKind = iota
	KindSymTab
	KindText
	KindRodata
	KindBSS
	KindRelaText
	KindRelaRodata
	KindGroup
	KindIgnored // .comment, .note.GNU-stack: parsed but inert
	KindNull    // the reserved index-0 SHN_UNDEF section
)

// Section is a view over a raw section header with its resolved name and
// classification.
type Section struct {
	Index     int
	Name      string
	Kind      SectionKind
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64

	data []byte
}

// Data returns the section's file contents. For SHT_NOBITS (BSS) sections
// this is always empty; callers must zero-fill Size bytes themselves.
func (s *Section) Data() []byte { return s.data }

func (s *Section) IsAlloc() bool     { return s.Flags&shfALLOC != 0 }
func (s *Section) IsWrite() bool     { return s.Flags&shfWRITE != 0 }
func (s *Section) IsExec() bool      { return s.Flags&shfEXECINSTR != 0 }
func (s *Section) IsCompressed() bool { return s.Flags&shfCOMPRESSED != 0 }
func (s *Section) IsNobits() bool    { return s.Type == shtNOBITS }

// classifySectionName maps a section name to its kind, using the
// loose-prefix matching the compile driver's output actually uses
// (".text.kernel_foo" is still KindText).
func classifySectionName(name string, shtType uint32) (SectionKind, error) {
	switch {
	case name == "":
		return KindNull, nil
	case name == ".strtab" || name == ".shstrtab" || name == ".dynstr":
		return KindStrTab, nil
	case name == ".symtab":
		return KindSymTab, nil
	case name == ".rela.text":
		return KindRelaText, nil
	case name == ".rela.rodata":
		return KindRelaRodata, nil
	case name == ".comment" || name == ".note.GNU-stack" || name == ".note.gnu.property":
		return KindIgnored, nil
	case hasPrefix(name, ".text"):
		return KindText, nil
	case hasPrefix(name, ".rodata"):
		return KindRodata, nil
	case name == ".bss" || hasPrefix(name, ".bss."):
		return KindBSS, nil
	case shtType == shtGROUP:
		return KindGroup, nil
	default:
		return 0, ErrUnknownSectionName
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
