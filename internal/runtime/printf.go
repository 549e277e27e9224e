package runtime

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"
)

// PrintfHeaderSize is the fixed printf buffer header: a little-endian
// uint32 write offset followed by a little-endian uint32 total size
// (spec.md §6's printf buffer layout).
const PrintfHeaderSize = 8

const defaultPrintfBufferSize = 64 * 1024

// PrintfBuffer is the fixed-size ring-style buffer kernels append
// formatted records into. Per spec.md §9's resolution, the host side does
// not parse a specific wire format: it only tracks the header and
// forwards whatever bytes were appended to the logger.
type PrintfBuffer struct {
	mu  sync.Mutex
	mem []byte
}

// NewPrintfBuffer allocates a printf buffer of the given total size
// (header included) with the write offset initialised to just past the
// header.
func NewPrintfBuffer(size int) *PrintfBuffer {
	if size < PrintfHeaderSize {
		size = PrintfHeaderSize
	}
	mem := make([]byte, size)
	binary.LittleEndian.PutUint32(mem[0:4], PrintfHeaderSize)
	binary.LittleEndian.PutUint32(mem[4:8], uint32(size))
	return &PrintfBuffer{mem: mem}
}

// Base returns the buffer's address, for exposing as the external symbol
// compiled kernels resolve their printf writes against.
func (p *PrintfBuffer) Base() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

func (p *PrintfBuffer) writeOffset() uint32 { return binary.LittleEndian.Uint32(p.mem[0:4]) }
func (p *PrintfBuffer) totalSize() uint32   { return binary.LittleEndian.Uint32(p.mem[4:8]) }

// Append atomically appends a raw record, advancing the write offset. It
// reports false without writing anything if the record does not fit in
// the remaining space; this buffer does not wrap.
func (p *PrintfBuffer) Append(record []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, total := p.writeOffset(), p.totalSize()
	if uint32(len(record)) > total-off {
		return false
	}
	copy(p.mem[off:], record)
	binary.LittleEndian.PutUint32(p.mem[0:4], off+uint32(len(record)))
	return true
}

// Advanced reports whether the write offset has moved past the header
// since the buffer was created or last drained.
func (p *PrintfBuffer) Advanced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeOffset() > PrintfHeaderSize
}

// Drain logs every byte appended since the header as a hex-dumped debug
// record (spec.md §9: no assumed printf wire format), then rewinds the
// write offset for the next dispatch.
func (p *PrintfBuffer) Drain(log *slog.Logger) {
	p.mu.Lock()
	off := p.writeOffset()
	if off <= PrintfHeaderSize {
		p.mu.Unlock()
		return
	}
	payload := make([]byte, off-PrintfHeaderSize)
	copy(payload, p.mem[PrintfHeaderSize:off])
	binary.LittleEndian.PutUint32(p.mem[0:4], PrintfHeaderSize)
	p.mu.Unlock()

	log.Debug("kernel printf buffer drained", "bytes", len(payload), "data", fmt.Sprintf("%x", payload))
}
