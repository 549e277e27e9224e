// Package device describes the target a kernel is compiled and dispatched
// for: enough of a capability surface for internal/compiler to pick a
// toolchain and emit the right defines, and for internal/dispatch to size
// work-groups and validate geometry. It intentionally carries no GPU driver
// API binding, image/buffer lifecycle, or queue-ordering state.
package device

import goruntime "runtime"

// Backend identifies which of the five supported compile/dispatch targets a
// Device represents.
type Backend int

const (
	BackendHostCompute Backend = iota
	BackendCUDA
	BackendMetal
	BackendVulkan
	BackendOpenCL
)

func (b Backend) String() string {
	switch b {
	case BackendHostCompute:
		return "host-compute"
	case BackendCUDA:
		return "cuda"
	case BackendMetal:
		return "metal"
	case BackendVulkan:
		return "vulkan"
	case BackendOpenCL:
		return "opencl"
	default:
		return "unknown"
	}
}

// Tier is a coarse capability rung used to gate language features and
// default limits, independent of the vendor string a backend reports.
type Tier int

const (
	TierBaseline Tier = iota
	TierStandard
	TierAdvanced
)

// Feature is a single opt-in capability bit a kernel may depend on.
type Feature uint64

const (
	FeatureDoublePrecision Feature = 1 << iota
	FeatureSubgroups
	FeatureArgumentBuffers
	FeatureImages
	FeaturePrintf
	FeatureInt64Atomics
)

// IDRange is an inclusive [Min, Max] bound on one of the id/size spaces
// internal/compiler's define set exposes per spec.md §4.G point 3 (global,
// local, group and sub-group ranges each get a _MIN/_MAX pair).
type IDRange struct{ Min, Max uint64 }

// AtomicsTier grades 64-bit atomic support, independent of the 32-bit
// float-atomics boolean (spec.md §4.G point 3).
type AtomicsTier int

const (
	AtomicsNone AtomicsTier = iota
	AtomicsRelaxed
	AtomicsFull
)

// ImageCapability is a bitset of supported image operations, emitted by
// internal/compiler as the single numeric define
// FLOOR_COMPUTE_IMAGE_CAPABILITIES; no per-bit markers are emitted.
type ImageCapability uint32

const (
	ImageRead ImageCapability = 1 << iota
	ImageWrite
	ImageReadWrite
	ImageMSAA
	ImageCubeArray
	ImageSparse
)

// Limits carries the numeric ceilings internal/dispatch and
// internal/compiler must respect for a given Device.
type Limits struct {
	MaxWorkGroupSize   int
	MaxWorkItemSizes   [3]int
	SimdWidth          int
	SimdWidthMin       int
	SimdWidthMax       int
	LocalMemoryBytes   int
	DedicatedLocalMem  int
	MaxKernelArgs      int
	MaxArgumentBuffers int
	MaxMipLevels       int
	MaxTessellationFactor int

	GlobalIDRange IDRange
	LocalIDRange  IDRange
	GroupIDRange  IDRange
	SubGroupRange IDRange
}

// VersionInfo carries the per-target version numbers spec.md §4.G point 4
// clamps the compile driver's language dialect against.
type VersionInfo struct {
	CUDASM       int // e.g. 80 for sm_80
	CUDAPTX      int // e.g. 78 for ISA version 7.8 (encoded as Major*10+Minor)
	MetalMajor   int
	MetalMinor   int
	VulkanMajor  int
	VulkanMinor  int
	OpenCLMajor  int
	OpenCLMinor  int
}

// Device is the description passed into a compile or dispatch call. It is
// deliberately data-only: no live handles, no enumeration logic.
type Device struct {
	Name       string
	Vendor     string
	PlatformVendor string
	Backend    Backend
	OS         string
	OSVersion  string
	Tier       Tier
	Features   Feature
	Limits     Limits
	Versions   VersionInfo
	Images     ImageCapability
	AtomicsI64 AtomicsTier
	FloatAtomics32 bool
	FMA        bool
	PrimitiveID bool
	BarycentricCoords bool
	CooperativeKernels bool
	IndirectCommands  bool
	Tessellation      bool
	ArgumentBuffers   bool
	ArgumentBufferImages bool
	DriverVers string
}

// Supports reports whether every bit in want is set in the device's Features.
func (d Device) Supports(want Feature) bool {
	return d.Features&want == want
}

// HasImage reports whether every bit in want is set in the device's image
// capability bitset.
func (d Device) HasImage(want ImageCapability) bool {
	return d.Images&want == want
}

// HostCompute returns the description of the process's own CPU used as a
// fallback backend: a single "device" representing the running machine.
func HostCompute(simdWidth, workers int) Device {
	return Device{
		Name:           "host-compute",
		Vendor:         "floorrt",
		PlatformVendor: "floorrt",
		Backend:        BackendHostCompute,
		OS:             hostOSDefine(),
		Tier:           TierStandard,
		Features: FeatureDoublePrecision | FeatureSubgroups | FeatureArgumentBuffers |
			FeaturePrintf | FeatureInt64Atomics,
		Images:         ImageRead | ImageWrite | ImageReadWrite,
		AtomicsI64:     AtomicsFull,
		FloatAtomics32: true,
		FMA:            true,
		ArgumentBuffers: true,
		Limits: Limits{
			MaxWorkGroupSize:      workers * simdWidth,
			MaxWorkItemSizes:      [3]int{1024, 1024, 64},
			SimdWidth:             simdWidth,
			SimdWidthMin:          simdWidth,
			SimdWidthMax:          simdWidth,
			LocalMemoryBytes:      64 * 1024,
			DedicatedLocalMem:     64 * 1024,
			MaxKernelArgs:         32,
			MaxArgumentBuffers:    8,
			MaxMipLevels:          1,
			MaxTessellationFactor: 0,
			GlobalIDRange:         IDRange{Min: 0, Max: 1<<32 - 1},
			LocalIDRange:          IDRange{Min: 0, Max: uint64(workers * simdWidth)},
			GroupIDRange:          IDRange{Min: 0, Max: 1<<32 - 1},
			SubGroupRange:         IDRange{Min: 0, Max: uint64(simdWidth)},
		},
	}
}

// hostOSDefine reports the value the compile driver's FLOOR_COMPUTE_OS define
// should carry for the host-compute fallback device.
func hostOSDefine() string {
	switch goruntime.GOOS {
	case "darwin":
		return "macos"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}
