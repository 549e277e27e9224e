// Package program holds the artifact produced by internal/compiler and
// consumed by internal/elfobj/internal/instance (when the artifact is a
// host-compute ELF object) or internal/dispatch (when it is a backend's
// native blob, handed to that backend's own loader).
package program

import "github.com/arkveil/floorrt/internal/functioninfo"

// Data is the compile driver's output: spec.md's ProgramData.
type Data struct {
	Valid bool

	// DataOrFilename holds either the compiled blob itself (host-compute
	// ELF, NUL-terminated PTX text) or, for file-backed outputs (Metal AIR,
	// Vulkan/OpenCL SPIR-V, precompiled headers), the path to that file.
	// IsFilename disambiguates.
	DataOrFilename []byte
	IsFilename     bool

	Functions []functioninfo.Function
	Options   CompileOptions
}

// CompileOptions mirrors the flags threaded through to the vendored clang
// invocation; kept on the artifact so a caller can tell how it was built.
type CompileOptions struct {
	Defines          map[string]string
	LanguageVersion  string
	Debug            bool
	Profile          bool
	PrecompiledHeader string
}

// Filename returns the backing file path and true when the artifact is
// file-backed rather than held in memory.
func (d Data) Filename() (string, bool) {
	if !d.IsFilename {
		return "", false
	}
	return string(d.DataOrFilename), true
}
