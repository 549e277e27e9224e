package elfobj

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

// rawHeader mirrors Elf64_Ehdr. Fields are decoded with struc, matching the
// teacher's approach to fixed-width binary record decoding
// (internal/grub/reloc.go's use of struc.UnpackWithOptions for Elf64_Rel).
type rawHeader struct {
	Ident     [elfIdentSize]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type rawSectionHeader struct {
	NameOff   uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type rawSymbol struct {
	NameOff uint32
	Info    uint8
	Other   uint8
	Shndx   uint16
	Value   uint64
	Size    uint64
}

type rawRela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

var leOpts = &struc.Options{Order: binary.LittleEndian}

// Binary owns the raw object bytes and the derived, validated views over
// them. It is only ever produced in a fully-valid state: Parse returns an
// error instead of a partially-populated Binary.
type Binary struct {
	Machine    Machine
	Sections   []*Section
	Symbols    []*Symbol
	RelaText   []*Relocation
	RelaRodata []*Relocation

	TextSection   *Section
	RodataSection []*Section
	BSSSection    []*Section

	data []byte
}

// Parse validates and materializes an ELF64 REL object. It performs no
// allocation of executable memory; that is the instance package's job.
func Parse(data []byte) (*Binary, error) {
	hdr, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	machine, err := machineFromELF(hdr.Machine)
	if err != nil {
		return nil, parseErr("unsupported machine", err)
	}

	if hdr.Type != etREL {
		return nil, parseErr("not ET_REL", ErrUnsupportedType)
	}

	if hdr.Shnum == 0 || uint64(hdr.Shoff)+uint64(hdr.Shnum)*shentsizeWant > uint64(len(data)) {
		return nil, parseErr("section header table out of bounds", ErrOutOfBounds)
	}

	rawSections := make([]rawSectionHeader, hdr.Shnum)
	for i := range rawSections {
		off := hdr.Shoff + uint64(i)*shentsizeWant
		if err := decode(data[off:off+shentsizeWant], &rawSections[i]); err != nil {
			return nil, parseErr(fmt.Sprintf("section header %d", i), err)
		}
	}

	if int(hdr.Shstrndx) >= len(rawSections) {
		return nil, parseErr("invalid shstrndx", ErrOutOfBounds)
	}
	shstrtab, err := sliceAt(data, rawSections[hdr.Shstrndx].Offset, rawSections[hdr.Shstrndx].Size)
	if err != nil {
		return nil, parseErr("section name string table", err)
	}

	sections := make([]*Section, len(rawSections))
	var textSections []*Section
	for i, rs := range rawSections {
		name, err := cString(shstrtab, rs.NameOff)
		if err != nil {
			return nil, parseErr(fmt.Sprintf("section %d name", i), err)
		}

		kind, err := classifySectionName(name, rs.Type)
		if err != nil {
			return nil, parseErr(fmt.Sprintf("section %q", name), err)
		}

		if rs.Flags&shfCOMPRESSED != 0 {
			return nil, parseErr(fmt.Sprintf("section %q", name), ErrCompressedSection)
		}

		if rs.Flags&shfWRITE != 0 && rs.Flags&shfEXECINSTR != 0 {
			return nil, parseErr(fmt.Sprintf("section %q", name), ErrMixedWriteExec)
		}

		var sdata []byte
		if rs.Type != shtNOBITS && i != 0 {
			sdata, err = sliceAt(data, rs.Offset, rs.Size)
			if err != nil {
				return nil, parseErr(fmt.Sprintf("section %q data", name), err)
			}
		}

		sec := &Section{
			Index: i, Name: name, Kind: kind, Type: rs.Type, Flags: rs.Flags,
			Addr: rs.Addr, Offset: rs.Offset, Size: rs.Size,
			Link: rs.Link, Info: rs.Info, Addralign: rs.Addralign, Entsize: rs.Entsize,
			data: sdata,
		}
		sections[i] = sec

		if kind == KindText && sec.IsExec() {
			textSections = append(textSections, sec)
		}
	}

	if len(textSections) > 1 {
		return nil, parseErr("section layout", ErrMultipleText)
	}

	symtabIdx := -1
	for i, s := range sections {
		if s.Kind == KindSymTab {
			symtabIdx = i
			break
		}
	}
	if symtabIdx < 0 {
		return nil, parseErr("symbol table", ErrNoSymtab)
	}

	symtab := sections[symtabIdx]
	strtabSec := sections[symtab.Link]
	symbols, err := parseSymbols(symtab.Data(), strtabSec.Data())
	if err != nil {
		return nil, parseErr("symbol table", err)
	}

	relaText, relaRodata, err := parseRelocations(sections, len(symbols))
	if err != nil {
		return nil, err
	}

	b := &Binary{
		Machine:    machine,
		Sections:   sections,
		Symbols:    symbols,
		RelaText:   relaText,
		RelaRodata: relaRodata,
		data:       data,
	}
	if len(textSections) == 1 {
		b.TextSection = textSections[0]
	}
	for _, s := range sections {
		switch s.Kind {
		case KindRodata:
			b.RodataSection = append(b.RodataSection, s)
		case KindBSS:
			b.BSSSection = append(b.BSSSection, s)
		}
	}

	return b, nil
}

func parseHeader(data []byte) (*rawHeader, error) {
	if len(data) < ehsizeWant {
		return nil, parseErr("header", ErrTruncated)
	}

	var hdr rawHeader
	if err := decode(data[:ehsizeWant], &hdr); err != nil {
		return nil, parseErr("header decode", err)
	}

	if hdr.Ident[0] != elfMagic0 || hdr.Ident[1] != elfMagic1 || hdr.Ident[2] != elfMagic2 || hdr.Ident[3] != elfMagic3 {
		return nil, parseErr("magic", ErrBadMagic)
	}
	if hdr.Ident[4] != elfClass64 {
		return nil, parseErr("class", ErrUnsupportedClass)
	}
	if hdr.Ident[5] != elfData2LSB {
		return nil, parseErr("data encoding", ErrUnsupportedData)
	}
	if hdr.Ident[6] != elfVersion1 || hdr.Version != elfVersion1 {
		return nil, parseErr("version", ErrBadHeaderSizes)
	}
	if hdr.Ehsize != ehsizeWant || hdr.Shentsize != shentsizeWant {
		return nil, parseErr("header size fields", ErrBadHeaderSizes)
	}

	return &hdr, nil
}

func machineFromELF(m uint16) (Machine, error) {
	switch m {
	case emX86_64:
		return MachineX86_64, nil
	case emAArch64:
		return MachineAArch64, nil
	default:
		return 0, ErrUnsupportedMachine
	}
}

func parseSymbols(symtabData, strtabData []byte) ([]*Symbol, error) {
	if len(symtabData)%symentsizeWant != 0 {
		return nil, fmt.Errorf("symbol table size not a multiple of entry size: %w", ErrTruncated)
	}

	n := len(symtabData) / symentsizeWant
	symbols := make([]*Symbol, n)

	for i := 0; i < n; i++ {
		var rs rawSymbol
		off := i * symentsizeWant
		if err := decode(symtabData[off:off+symentsizeWant], &rs); err != nil {
			return nil, fmt.Errorf("symbol %d: %w", i, err)
		}

		name := ""
		if rs.NameOff != 0 {
			var err error
			name, err = cString(strtabData, rs.NameOff)
			if err != nil {
				return nil, fmt.Errorf("symbol %d name: %w", i, err)
			}
		}

		binding, err := bindingFromInfo(rs.Info)
		if err != nil {
			return nil, fmt.Errorf("symbol %d binding: %w", i, err)
		}
		typ, err := symbolTypeFromInfo(rs.Info)
		if err != nil {
			return nil, fmt.Errorf("symbol %d type: %w", i, err)
		}

		symbols[i] = &Symbol{
			Index: i, Name: name, Value: rs.Value, Size: rs.Size,
			Binding: binding, Type: typ, Section: int(rs.Shndx),
			Undefined: rs.Shndx == shnUNDEF,
			Absolute:  rs.Shndx == shnABS,
		}
	}

	return symbols, nil
}

func parseRelocations(sections []*Section, numSymbols int) ([]*Relocation, []*Relocation, error) {
	var text, rodata []*Relocation

	for _, s := range sections {
		var target SectionKind
		switch s.Kind {
		case KindRelaText:
			target = KindText
		case KindRelaRodata:
			target = KindRodata
		default:
			continue
		}

		if s.Type != shtRELA {
			return nil, nil, parseErr(fmt.Sprintf("section %q", s.Name), ErrRelocWithoutAddend)
		}

		data := s.Data()
		if len(data)%relaentsizeWant != 0 {
			return nil, nil, parseErr(fmt.Sprintf("section %q", s.Name), ErrTruncated)
		}

		n := len(data) / relaentsizeWant
		for i := 0; i < n; i++ {
			var r rawRela
			off := i * relaentsizeWant
			if err := decode(data[off:off+relaentsizeWant], &r); err != nil {
				return nil, nil, parseErr(fmt.Sprintf("section %q entry %d", s.Name, i), err)
			}

			symIdx := uint32(r.Info >> 32)
			typ := uint32(r.Info & 0xFFFFFFFF)

			if int(symIdx) >= numSymbols {
				return nil, nil, parseErr(fmt.Sprintf("section %q entry %d", s.Name, i), ErrBadSymbolIndex)
			}

			rel := &Relocation{
				Target: target, Offset: r.Offset, RawType: typ,
				SymbolIndex: symIdx, Addend: r.Addend,
			}

			if target == KindText {
				text = append(text, rel)
			} else {
				rodata = append(rodata, rel)
			}
		}
	}

	return text, rodata, nil
}

func decode(buf []byte, out interface{}) error {
	return struc.UnpackWithOptions(bytes.NewReader(buf), out, leOpts)
}

func sliceAt(data []byte, offset, size uint64) ([]byte, error) {
	if offset > uint64(len(data)) || size > uint64(len(data))-offset {
		return nil, ErrOutOfBounds
	}
	return data[offset : offset+size], nil
}

func cString(data []byte, offset uint32) (string, error) {
	if uint64(offset) >= uint64(len(data)) {
		return "", ErrOutOfBounds
	}
	end := bytes.IndexByte(data[offset:], 0)
	if end < 0 {
		return "", io.ErrUnexpectedEOF
	}
	return string(data[offset : uint64(offset)+uint64(end)]), nil
}
