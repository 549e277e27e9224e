package compiler

import (
	"fmt"
	"sort"

	"github.com/arkveil/floorrt/internal/device"
)

// defineSet builds the dense macro set spec.md §4.G point 3 describes: the
// ABI between the compile driver and the generated device headers. Every
// boolean feature gets both a valued macro ("...=1") and a naked marker
// ("..._1") so headers can use either #ifdef or enum-style checks.
func defineSet(d device.Device) map[string]string {
	defs := map[string]string{
		"FLOOR_COMPUTE_DEVICE": "1",
		"FLOOR_COMPUTE_VENDOR": quote(d.Vendor),
		"FLOOR_COMPUTE_PLATFORM_VENDOR": quote(d.PlatformVendor),
		"FLOOR_COMPUTE_DEVICE_TYPE":     fmt.Sprintf("%d", d.Tier),
		"FLOOR_COMPUTE_OS":              quote(d.OS),
		"FLOOR_COMPUTE_OS_VERSION":      quote(d.OSVersion),

		"FLOOR_COMPUTE_INFO_VENDOR_" + normalize(d.Vendor): "1",
		"FLOOR_COMPUTE_INFO_OS_" + normalize(d.OS):         "1",

		"FLOOR_COMPUTE_GLOBAL_ID_RANGE_MIN": fmt.Sprintf("%d", d.Limits.GlobalIDRange.Min),
		"FLOOR_COMPUTE_GLOBAL_ID_RANGE_MAX": fmt.Sprintf("%d", d.Limits.GlobalIDRange.Max),
		"FLOOR_COMPUTE_LOCAL_ID_RANGE_MIN":  fmt.Sprintf("%d", d.Limits.LocalIDRange.Min),
		"FLOOR_COMPUTE_LOCAL_ID_RANGE_MAX":  fmt.Sprintf("%d", d.Limits.LocalIDRange.Max),
		"FLOOR_COMPUTE_GROUP_ID_RANGE_MIN":  fmt.Sprintf("%d", d.Limits.GroupIDRange.Min),
		"FLOOR_COMPUTE_GROUP_ID_RANGE_MAX":  fmt.Sprintf("%d", d.Limits.GroupIDRange.Max),
		"FLOOR_COMPUTE_SUB_GROUP_ID_RANGE_MIN": fmt.Sprintf("%d", d.Limits.SubGroupRange.Min),
		"FLOOR_COMPUTE_SUB_GROUP_ID_RANGE_MAX": fmt.Sprintf("%d", d.Limits.SubGroupRange.Max),

		"FLOOR_COMPUTE_SIMD_WIDTH":     fmt.Sprintf("%d", d.Limits.SimdWidth),
		"FLOOR_COMPUTE_SIMD_WIDTH_MIN": fmt.Sprintf("%d", d.Limits.SimdWidthMin),
		"FLOOR_COMPUTE_SIMD_WIDTH_MAX": fmt.Sprintf("%d", d.Limits.SimdWidthMax),

		"FLOOR_COMPUTE_MAX_LOCAL_SIZE":       fmt.Sprintf("%d", d.Limits.MaxWorkGroupSize),
		"FLOOR_COMPUTE_LOCAL_MEM_SIZE":       fmt.Sprintf("%d", d.Limits.LocalMemoryBytes),
		"FLOOR_COMPUTE_DEDICATED_LOCAL_MEM":  fmt.Sprintf("%d", d.Limits.DedicatedLocalMem),
		"FLOOR_COMPUTE_MAX_MIP_LEVELS":       fmt.Sprintf("%d", d.Limits.MaxMipLevels),
		"FLOOR_COMPUTE_MAX_TESSELLATION_FACTOR": fmt.Sprintf("%d", d.Limits.MaxTessellationFactor),
		"FLOOR_COMPUTE_IMAGE_CAPABILITIES":  fmt.Sprintf("%d", d.Images),
		"FLOOR_COMPUTE_INT64_ATOMICS_TIER":  fmt.Sprintf("%d", d.AtomicsI64),
	}

	boolDefine(defs, "FLOOR_COMPUTE_HAS_FMA", d.FMA)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_FLOAT32_ATOMICS", d.FloatAtomics32)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_PRIMITIVE_ID", d.PrimitiveID)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_BARYCENTRIC_COORD", d.BarycentricCoords)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_SUB_GROUPS", d.Supports(device.FeatureSubgroups))
	boolDefine(defs, "FLOOR_COMPUTE_HAS_COOPERATIVE_KERNELS", d.CooperativeKernels)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_INDIRECT_COMMANDS", d.IndirectCommands)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_TESSELLATION", d.Tessellation)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_ARGUMENT_BUFFERS", d.ArgumentBuffers)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_ARGUMENT_BUFFER_IMAGES", d.ArgumentBufferImages)
	boolDefine(defs, "FLOOR_COMPUTE_HAS_DOUBLE_PRECISION", d.Supports(device.FeatureDoublePrecision))
	boolDefine(defs, "FLOOR_COMPUTE_HAS_IMAGE_SUPPORT", d.Supports(device.FeatureImages))
	boolDefine(defs, "FLOOR_COMPUTE_HAS_PRINTF", d.Supports(device.FeaturePrintf))
	boolDefine(defs, "FLOOR_COMPUTE_HAS_INT64_ATOMICS", d.Supports(device.FeatureInt64Atomics))

	for name, v := range targetVersionDefines(d) {
		defs[name] = v
	}

	return defs
}

// boolDefine emits both the valued and naked marker form of a boolean
// feature macro, per spec.md §4.G point 3.
func boolDefine(defs map[string]string, name string, v bool) {
	if !v {
		return
	}
	defs[name] = "1"
	defs[name+"_1"] = ""
}

func targetVersionDefines(d device.Device) map[string]string {
	switch d.Backend {
	case device.BackendCUDA:
		return map[string]string{
			"FLOOR_COMPUTE_CUDA_SM":  fmt.Sprintf("%d", d.Versions.CUDASM),
			"FLOOR_COMPUTE_CUDA_PTX": fmt.Sprintf("%d", d.Versions.CUDAPTX),
		}
	case device.BackendMetal:
		return map[string]string{
			"FLOOR_COMPUTE_METAL_MAJOR": fmt.Sprintf("%d", d.Versions.MetalMajor),
			"FLOOR_COMPUTE_METAL_MINOR": fmt.Sprintf("%d", d.Versions.MetalMinor),
		}
	case device.BackendVulkan:
		return map[string]string{
			"FLOOR_COMPUTE_VULKAN_MAJOR": fmt.Sprintf("%d", d.Versions.VulkanMajor),
			"FLOOR_COMPUTE_VULKAN_MINOR": fmt.Sprintf("%d", d.Versions.VulkanMinor),
		}
	case device.BackendOpenCL:
		return map[string]string{
			"FLOOR_COMPUTE_OPENCL_MAJOR": fmt.Sprintf("%d", d.Versions.OpenCLMajor),
			"FLOOR_COMPUTE_OPENCL_MINOR": fmt.Sprintf("%d", d.Versions.OpenCLMinor),
		}
	default:
		return nil
	}
}

// sortedDefineArgs renders defs as "-Dname=value" / "-Dname" flags in a
// stable order, so the assembled command line is deterministic (and
// therefore diffable/loggable) across runs.
func sortedDefineArgs(defs map[string]string) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]string, 0, len(names))
	for _, name := range names {
		if v := defs[name]; v != "" {
			args = append(args, fmt.Sprintf("-D%s=%s", name, v))
		} else {
			args = append(args, fmt.Sprintf("-D%s", name))
		}
	}
	return args
}

func quote(s string) string {
	return fmt.Sprintf("%q", s)
}

func normalize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-32)
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
