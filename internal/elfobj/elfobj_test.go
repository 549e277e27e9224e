package elfobj

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/lunixbochs/struc"
	"github.com/stretchr/testify/require"
)

type sectionSpec struct {
	name      string
	typ       uint32
	flags     uint64
	data      []byte
	link      uint32
	info      uint32
	entsize   uint64
	addralign uint64
}

// buildObject assembles a minimal, valid-shaped ELF64 REL x86-64 object from
// a list of sections (excluding the mandatory null section at index 0,
// which is added automatically), without going through the compile driver.
func buildObject(t *testing.T, specs []sectionSpec) []byte {
	t.Helper()
	opts := &struc.Options{Order: binary.LittleEndian}

	all := append([]sectionSpec{{name: ""}}, specs...)
	all = append(all, sectionSpec{name: ".shstrtab", typ: shtSTRTAB})
	shstrtabIdx := len(all) - 1

	nameTable := []byte{0}
	nameOff := make([]uint32, len(all))
	for i, s := range all {
		if s.name == "" {
			continue
		}
		nameOff[i] = uint32(len(nameTable))
		nameTable = append(append(nameTable, []byte(s.name)...), 0)
	}
	all[shstrtabIdx].data = nameTable

	headerSize := uint64(ehsizeWant)
	offsets := make([]uint64, len(all))
	cur := headerSize
	for i, s := range all {
		offsets[i] = cur
		if s.typ != shtNOBITS {
			cur += uint64(len(s.data))
		}
	}
	shoff := cur

	hdr := rawHeader{
		Type: etREL, Machine: emX86_64, Version: elfVersion1,
		Ehsize: ehsizeWant, Shentsize: shentsizeWant,
		Shoff: shoff, Shnum: uint16(len(all)), Shstrndx: uint16(shstrtabIdx),
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	hdr.Ident[4], hdr.Ident[5], hdr.Ident[6] = elfClass64, elfData2LSB, elfVersion1

	buf := &bytes.Buffer{}
	require.NoError(t, struc.PackWithOptions(buf, &hdr, opts))

	for _, s := range all {
		if s.typ == shtNOBITS {
			continue
		}
		buf.Write(s.data)
	}

	for i, s := range all {
		rs := rawSectionHeader{
			NameOff: nameOff[i], Type: s.typ, Flags: s.flags,
			Offset: offsets[i], Size: uint64(len(s.data)),
			Link: s.link, Info: s.info, Addralign: s.addralign, Entsize: s.entsize,
		}
		require.NoError(t, struc.PackWithOptions(buf, &rs, opts))
	}

	return buf.Bytes()
}

func packAll[T any](t *testing.T, items []T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	opts := &struc.Options{Order: binary.LittleEndian}
	for i := range items {
		require.NoError(t, struc.PackWithOptions(buf, &items[i], opts))
	}
	return buf.Bytes()
}

// baseSections returns a .text + .strtab + .symtab trio referencing a single
// global function symbol "my_kernel", plus whatever extra sections the
// caller appends, suitable as a starting point for most tests.
func baseSections(t *testing.T) ([]sectionSpec, int) {
	t.Helper()

	strtab := []byte{0}
	strtab = append(append(strtab, []byte("my_kernel")...), 0)

	syms := packAll(t, []rawSymbol{
		{}, // null symbol
		{NameOff: 1, Info: (1 << 4) | 2, Shndx: 1, Value: 0, Size: 3}, // GLOBAL|FUNC, section 1 (.text)
	})

	specs := []sectionSpec{
		{name: ".text", typ: shtPROGBITS, flags: shfALLOC | shfEXECINSTR, data: []byte{0x90, 0x90, 0xC3, 0x00}},
		{name: ".strtab", typ: shtSTRTAB, data: strtab},
		{name: ".symtab", typ: shtSYMTAB, link: 2, entsize: symentsizeWant, data: syms},
	}
	return specs, 3 // index of .symtab within the final section list (1-based text=1, strtab=2, symtab=3)
}

func TestParseMinimalValidObject(t *testing.T) {
	specs, _ := baseSections(t)
	specs = append(specs,
		sectionSpec{name: ".rodata", typ: shtPROGBITS, flags: shfALLOC, data: []byte{1, 2, 3, 4}},
		sectionSpec{name: ".bss", typ: shtNOBITS, flags: shfALLOC | shfWRITE, data: make([]byte, 8)},
	)

	data := buildObject(t, specs)

	bin, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, MachineX86_64, bin.Machine)
	require.NotNil(t, bin.TextSection)
	require.Len(t, bin.RodataSection, 1)
	require.Len(t, bin.BSSSection, 1)

	var found bool
	for _, s := range bin.Symbols {
		if s.Name == "my_kernel" {
			found = true
			require.Equal(t, BindGlobal, s.Binding)
			require.Equal(t, SymCode, s.Type)
			require.False(t, s.External())
		}
	}
	require.True(t, found)
}

func TestParseRejectsMixedWriteExec(t *testing.T) {
	specs, _ := baseSections(t)
	specs[0].flags |= shfWRITE

	data := buildObject(t, specs)
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrMixedWriteExec)
}

func TestParseRejectsUnknownSection(t *testing.T) {
	specs, _ := baseSections(t)
	specs = append(specs, sectionSpec{name: ".weird", typ: shtPROGBITS, flags: shfALLOC, data: []byte{1}})

	data := buildObject(t, specs)
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrUnknownSectionName)
}

func TestParseRejectsRelWithoutAddend(t *testing.T) {
	specs, symtabIdx := baseSections(t)
	rel := packAll(t, []rawRela{{Offset: 0, Info: 0}})
	specs = append(specs, sectionSpec{name: ".rela.text", typ: shtREL, link: uint32(symtabIdx), info: 1, entsize: relaentsizeWant, data: rel})

	data := buildObject(t, specs)
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrRelocWithoutAddend)
}

func TestParseRejectsMultipleTextSections(t *testing.T) {
	specs, _ := baseSections(t)
	specs = append(specs, sectionSpec{name: ".text.extra", typ: shtPROGBITS, flags: shfALLOC | shfEXECINSTR, data: []byte{0x90}})

	data := buildObject(t, specs)
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrMultipleText)
}

func TestParseRejectsCompressedSection(t *testing.T) {
	specs, _ := baseSections(t)
	specs = append(specs, sectionSpec{name: ".rodata", typ: shtPROGBITS, flags: shfALLOC | shfCOMPRESSED, data: []byte{1, 2}})

	data := buildObject(t, specs)
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrCompressedSection)
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	_, err := Parse([]byte{0x7f, 'E', 'L', 'F'})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := make([]byte, ehsizeWant)
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrBadMagic)
}
