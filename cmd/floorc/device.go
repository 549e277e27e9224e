package main

import (
	"fmt"

	"github.com/arkveil/floorrt/internal/device"
)

func backendFromString(s string) (device.Backend, error) {
	switch s {
	case "host-compute", "":
		return device.BackendHostCompute, nil
	case "cuda":
		return device.BackendCUDA, nil
	case "metal":
		return device.BackendMetal, nil
	case "vulkan":
		return device.BackendVulkan, nil
	case "opencl":
		return device.BackendOpenCL, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", s)
	}
}

// toDevice converts the user-facing config into the Device description
// internal/compiler and internal/dispatch consume. Host-compute devices
// reuse device.HostCompute's limits; other backends get a minimal but
// complete description sufficient to drive the compile driver's define
// set and version clamping.
func toDevice(name string, dc *deviceConfig) (device.Device, error) {
	backend, err := backendFromString(dc.Backend)
	if err != nil {
		return device.Device{}, fmt.Errorf("device %q: %w", name, err)
	}

	workers := dc.Workers
	if workers <= 0 {
		workers = 1
	}
	d := device.HostCompute(dc.SimdWidth, workers)
	d.Name = name
	d.Vendor = dc.Vendor
	d.Backend = backend
	d.Versions = device.VersionInfo{
		CUDASM:      dc.CUDASM,
		MetalMajor:  dc.MetalMajor,
		MetalMinor:  dc.MetalMinor,
		VulkanMajor: dc.VulkanMajor,
		VulkanMinor: dc.VulkanMinor,
		OpenCLMajor: dc.OpenCLMajor,
		OpenCLMinor: dc.OpenCLMinor,
	}

	return d, nil
}
