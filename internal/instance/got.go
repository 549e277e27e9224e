package instance

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrGOTExhausted means a relocation tried to bump-allocate past the
// pre-counted GOT size computed by reloc.CountGOTEntries.
var ErrGOTExhausted = errors.New("GOT table exhausted")

// GOT is a pinned, bump-allocated table of 64-bit entries. It implements
// reloc.GOTTable. Entry 0 always holds its own address.
type GOT struct {
	arena *arena
	next  int
}

func newGOT(entryCount int) (*GOT, error) {
	size := (1 + entryCount) * 8
	ar, err := newArena(size)
	if err != nil {
		return nil, fmt.Errorf("allocating GOT (%d entries): %w", entryCount, err)
	}

	g := &GOT{arena: ar, next: 1}
	if size > 0 {
		g.Set(0, uint64(g.Base()))
	}
	return g, nil
}

// Base implements reloc.GOTTable.
func (g *GOT) Base() uintptr {
	return g.arena.base()
}

// Alloc implements reloc.GOTTable.
func (g *GOT) Alloc() (int, error) {
	if (g.next+1)*8 > len(g.arena.mem) {
		return 0, ErrGOTExhausted
	}
	idx := g.next
	g.next++
	return idx, nil
}

// Set implements reloc.GOTTable.
func (g *GOT) Set(index int, value uint64) {
	binary.LittleEndian.PutUint64(g.arena.mem[index*8:], value)
}

// EntryAddr implements reloc.GOTTable.
func (g *GOT) EntryAddr(index int) uintptr {
	return g.Base() + uintptr(index*8)
}

func (g *GOT) seal() error {
	return g.arena.transition(protRO)
}
