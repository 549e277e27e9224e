package instance

import (
	"encoding/binary"
	"testing"

	"github.com/arkveil/floorrt/internal/elfobj"
	"github.com/stretchr/testify/require"
)

// section type/flag constants mirrored from the ELF64 spec; kept local to
// avoid depending on elfobj's unexported parser internals.
const (
	shtNULL    = 0
	shtPROGBITS = 1
	shtSYMTAB  = 2
	shtSTRTAB  = 3

	shfWRITE    = 0x1
	shfALLOC    = 0x2
	shfEXECINSTR = 0x4
)

type rawSection struct {
	name      string
	typ       uint32
	flags     uint64
	data      []byte
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

// buildMinimalObject assembles a minimal valid ELF64 REL x86-64 object with
// one exported global function symbol "my_kernel" pointing at the start of
// .text, by hand-packing the on-disk structures (no struc dependency, to
// keep this test independent of elfobj's internal helpers).
func buildMinimalObject(t *testing.T, textData []byte) []byte {
	t.Helper()

	strtab := append([]byte{0}, append([]byte("my_kernel"), 0)...)

	sym := make([]byte, 24) // null symbol
	symMyKernel := make([]byte, 24)
	binary.LittleEndian.PutUint32(symMyKernel[0:], 1)          // st_name
	symMyKernel[4] = (1 << 4) | 2                               // STB_GLOBAL | STT_FUNC
	binary.LittleEndian.PutUint16(symMyKernel[6:], 1)           // st_shndx = .text
	binary.LittleEndian.PutUint64(symMyKernel[8:], 0)           // st_value
	binary.LittleEndian.PutUint64(symMyKernel[16:], uint64(len(textData)))
	symtab := append(sym, symMyKernel...)

	sections := []rawSection{
		{name: ""},
		{name: ".text", typ: shtPROGBITS, flags: shfALLOC | shfEXECINSTR, data: textData, addralign: 1},
		{name: ".strtab", typ: shtSTRTAB, data: strtab, addralign: 1},
		{name: ".symtab", typ: shtSYMTAB, link: 2, entsize: 24, data: symtab, addralign: 8},
	}

	nameTable := []byte{0}
	nameOff := make([]uint32, 0, len(sections)+1)
	for _, s := range sections {
		if s.name == "" {
			nameOff = append(nameOff, 0)
			continue
		}
		nameOff = append(nameOff, uint32(len(nameTable)))
		nameTable = append(append(nameTable, []byte(s.name)...), 0)
	}
	shstrtabNameOff := uint32(len(nameTable))
	nameTable = append(append(nameTable, []byte(".shstrtab")...), 0)
	sections = append(sections, rawSection{name: ".shstrtab", typ: shtSTRTAB, data: nameTable, addralign: 1})
	nameOff = append(nameOff, shstrtabNameOff)

	const headerSize = 64
	offsets := make([]uint64, len(sections))
	cur := uint64(headerSize)
	for i, s := range sections {
		offsets[i] = cur
		cur += uint64(len(s.data))
	}
	shoff := cur

	buf := make([]byte, 0, 4096)

	hdr := make([]byte, headerSize)
	hdr[0], hdr[1], hdr[2], hdr[3] = 0x7f, 'E', 'L', 'F'
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // little endian
	hdr[6] = 1 // EI_VERSION
	binary.LittleEndian.PutUint16(hdr[16:], 1)      // e_type = ET_REL
	binary.LittleEndian.PutUint16(hdr[18:], 0x3E)   // e_machine = EM_X86_64
	binary.LittleEndian.PutUint32(hdr[20:], 1)      // e_version
	binary.LittleEndian.PutUint64(hdr[40:], shoff)  // e_shoff
	binary.LittleEndian.PutUint16(hdr[52:], 64)     // e_ehsize
	binary.LittleEndian.PutUint16(hdr[58:], 64)     // e_shentsize
	binary.LittleEndian.PutUint16(hdr[60:], uint16(len(sections))) // e_shnum
	binary.LittleEndian.PutUint16(hdr[62:], uint16(len(sections)-1)) // e_shstrndx
	buf = append(buf, hdr...)

	for _, s := range sections {
		buf = append(buf, s.data...)
	}

	for i, s := range sections {
		sh := make([]byte, 64)
		binary.LittleEndian.PutUint32(sh[0:], nameOff[i])
		binary.LittleEndian.PutUint32(sh[4:], s.typ)
		binary.LittleEndian.PutUint64(sh[8:], s.flags)
		binary.LittleEndian.PutUint64(sh[24:], offsets[i])
		binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(sh[40:], s.link)
		binary.LittleEndian.PutUint32(sh[44:], s.info)
		binary.LittleEndian.PutUint64(sh[48:], s.addralign)
		binary.LittleEndian.PutUint64(sh[56:], s.entsize)
		buf = append(buf, sh...)
	}

	return buf
}

func TestLoadAndNewInstanceResolvesFunction(t *testing.T) {
	data := buildMinimalObject(t, []byte{0x90, 0x90, 0xC3})
	bin, err := elfobj.Parse(data)
	require.NoError(t, err)

	loaded, err := Load(bin)
	require.NoError(t, err)
	defer loaded.Close()

	inst, err := loaded.NewInstance(nil)
	require.NoError(t, err)
	defer inst.Close()

	addr, ok := inst.Function("my_kernel")
	require.True(t, ok)
	require.NotZero(t, addr)
}

func TestInstanceResetZeroesBSSAndSetsIds(t *testing.T) {
	data := buildMinimalObject(t, []byte{0xC3})
	bin, err := elfobj.Parse(data)
	require.NoError(t, err)

	loaded, err := Load(bin)
	require.NoError(t, err)
	defer loaded.Close()

	inst, err := loaded.NewInstance(nil)
	require.NoError(t, err)
	defer inst.Close()

	inst.Reset([3]uint32{8, 1, 1}, [3]uint32{4, 1, 1}, [3]uint32{2, 1, 1}, 1)
	require.Equal(t, 1, inst.Ids.WorkDim)
	require.Equal(t, [3]uint32{8, 1, 1}, inst.Ids.GlobalSize)
}

func TestGOTAllocSequencingAndExhaustion(t *testing.T) {
	got, err := newGOT(1)
	require.NoError(t, err)

	idx, err := got.Alloc()
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	_, err = got.Alloc()
	require.ErrorIs(t, err, ErrGOTExhausted)
}
