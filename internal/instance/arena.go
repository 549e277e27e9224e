package instance

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrPinFailed reports that a freshly mapped arena could not be locked into
// physical memory; spec.md §4.B treats this as fatal rather than degrading
// to swappable pages.
var ErrPinFailed = errors.New("failed to pin arena pages")

type protection int

const (
	protRW protection = iota
	protRX
	protRO
)

// arena is a single mmap'd, mlock'd region backing one of an Instance's
// exec/ro/rw memories or its GOT.
type arena struct {
	mem []byte
}

func newArena(size int) (*arena, error) {
	if size == 0 {
		return &arena{}, nil
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %v", ErrPinFailed, err)
	}

	return &arena{mem: mem}, nil
}

func (a *arena) transition(p protection) error {
	if len(a.mem) == 0 {
		return nil
	}

	var prot int
	switch p {
	case protRW:
		prot = unix.PROT_READ | unix.PROT_WRITE
	case protRX:
		prot = unix.PROT_READ | unix.PROT_EXEC
	case protRO:
		prot = unix.PROT_READ
	default:
		return fmt.Errorf("unknown protection %d", p)
	}

	if err := unix.Mprotect(a.mem, prot); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	return nil
}

func (a *arena) free() error {
	if len(a.mem) == 0 {
		return nil
	}
	return unix.Munmap(a.mem)
}

// base returns the absolute address of the arena's first byte.
func (a *arena) base() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}
