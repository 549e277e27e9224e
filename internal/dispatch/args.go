package dispatch

import (
	"errors"
	"fmt"
)

// MaxArgs is the hard ceiling on kernel argument count (spec.md §4.F
// point 3: "more than 32 arguments is a hard error").
const MaxArgs = 32

// ErrTooManyArgs is returned when a kernel invocation carries more than
// MaxArgs arguments.
var ErrTooManyArgs = fmt.Errorf("kernel argument count exceeds %d: %w", MaxArgs, ErrDispatch)

// ArgKind classifies one marshalled kernel argument.
type ArgKind int

const (
	ArgRaw ArgKind = iota
	ArgBufferPointer
	ArgBufferPointerArray
	ArgImageDescriptor
	ArgImageDescriptorArray
	ArgArgumentBufferStorage
)

// ImageDescriptor is the image argument shape the marshaller recognises.
// floorrt's host-compute backend never allocates a real image object
// (spec.md's Non-goals exclude image/buffer lifecycle); this only exists
// so a kernel declaring an image argument marshals without a type error.
type ImageDescriptor struct {
	Ptr uintptr
}

// Arg is one kernel call argument in declaration order. Exactly one of
// the kind-specific fields is populated, matching Kind.
type Arg struct {
	Kind ArgKind

	Raw            []byte
	Buffer         uintptr
	Buffers        []uintptr
	Image          *ImageDescriptor
	Images         []*ImageDescriptor
	ArgumentBuffer []byte
}

// Raw wraps a plain value argument. Callers typically build this from
// encoding/binary or unsafe.Slice over a fixed-size value.
func Raw(b []byte) Arg { return Arg{Kind: ArgRaw, Raw: b} }

// BufferPointer wraps a single device/host buffer pointer argument.
func BufferPointer(p uintptr) Arg { return Arg{Kind: ArgBufferPointer, Buffer: p} }

// BufferPointerArray wraps an array-of-buffer-pointers argument.
func BufferPointerArray(ps []uintptr) Arg { return Arg{Kind: ArgBufferPointerArray, Buffers: ps} }

// ArgumentBufferStorage wraps a pre-materialised argument-buffer-struct
// payload.
func ArgumentBufferStorage(b []byte) Arg { return Arg{Kind: ArgArgumentBufferStorage, ArgumentBuffer: b} }

// marshalled is the owned storage a call's argument pointers reference.
// Its lifetime spans exactly one Execute call: array-of-pointer arguments
// and raw values are copied into it so nothing aliases caller-owned
// slices across the worker fan-out.
type marshalled struct {
	pointers []uintptr
	// holders keeps every owned backing array reachable for the duration
	// of the call, matching spec.md §4.F point 1's "owned void*[] holders
	// whose lifetime spans the call" — in Go this just needs to outlive
	// the call for the GC's sake, since nothing here is pinned C memory.
	holders []any
}

// marshalArgs produces one uintptr per argument, in declaration order,
// materialising array arguments into owned backing storage.
func marshalArgs(args []Arg) (*marshalled, error) {
	if len(args) > MaxArgs {
		return nil, ErrTooManyArgs
	}

	m := &marshalled{pointers: make([]uintptr, len(args))}
	for i, a := range args {
		switch a.Kind {
		case ArgRaw:
			buf := make([]byte, len(a.Raw))
			copy(buf, a.Raw)
			m.holders = append(m.holders, buf)
			m.pointers[i] = bytesAddr(buf)
		case ArgBufferPointer:
			m.pointers[i] = a.Buffer
		case ArgBufferPointerArray:
			holder := make([]uintptr, len(a.Buffers))
			copy(holder, a.Buffers)
			m.holders = append(m.holders, holder)
			m.pointers[i] = uintptrsAddr(holder)
		case ArgImageDescriptor:
			if a.Image == nil {
				return nil, fmt.Errorf("argument %d: nil image descriptor: %w", i, ErrDispatch)
			}
			m.pointers[i] = a.Image.Ptr
		case ArgImageDescriptorArray:
			holder := make([]uintptr, len(a.Images))
			for j, img := range a.Images {
				if img == nil {
					return nil, fmt.Errorf("argument %d: nil image descriptor at index %d: %w", i, j, ErrDispatch)
				}
				holder[j] = img.Ptr
			}
			m.holders = append(m.holders, holder)
			m.pointers[i] = uintptrsAddr(holder)
		case ArgArgumentBufferStorage:
			buf := make([]byte, len(a.ArgumentBuffer))
			copy(buf, a.ArgumentBuffer)
			m.holders = append(m.holders, buf)
			m.pointers[i] = bytesAddr(buf)
		default:
			return nil, errors.Join(fmt.Errorf("argument %d: unknown kind %d", i, a.Kind), ErrDispatch)
		}
	}
	return m, nil
}
