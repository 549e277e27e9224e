package compiler

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/arkveil/floorrt/internal/device"
)

// languagePolicy clamps a device's declared support down to the exact
// sub-version the vendored toolchain should target (spec.md §4.G point 4):
// CUDA ptx ISA by sm tier, Metal language version by platform, Vulkan
// 1.3/1.4, OpenCL 1.2/2.0/2.1/2.2/3.0. Ranges are expressed with
// Masterminds/semver constraints, the same library the teacher uses to
// gate a Rocky Linux mirror's published release against a version
// constraint (internal/distro/rocky.go), applied here to toolchain tiers
// instead of OS releases.
type languagePolicy struct {
	langFlag string // clang -x<lang> or -std= value
	version  string
}

// cudaSMToPTX maps a compute-capability "sm_NN" tier to the lowest PTX ISA
// version that tier's instruction set requires. Ordered ascending; the
// first constraint that matches wins.
var cudaSMToPTX = []struct {
	constraint string
	ptx        int
}{
	{">=3.5,<5.0", 41},
	{">=5.0,<6.0", 50},
	{">=6.0,<7.0", 60},
	{">=7.0,<7.5", 63},
	{">=7.5,<8.0", 65},
	{">=8.0,<9.0", 72},
	{">=9.0", 78},
}

// resolvePTX picks the PTX ISA version for a CUDA sm tier using the same
// semver.NewConstraint + Check pattern internal/distro/rocky.go uses to
// gate a release against a version range.
func resolvePTX(sm int) (int, error) {
	v, err := semver.NewVersion(fmt.Sprintf("%d.%d.0", sm/10, sm%10))
	if err != nil {
		return 0, fmt.Errorf("invalid sm tier %d: %w", sm, err)
	}

	for _, tier := range cudaSMToPTX {
		c, err := semver.NewConstraint(tier.constraint)
		if err != nil {
			return 0, fmt.Errorf("invalid internal PTX constraint %q: %w", tier.constraint, err)
		}
		if c.Check(v) {
			return tier.ptx, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported CUDA sm tier %d", ErrUnsupportedDevice, sm)
}

// languageDialect chooses -x<lang> and the language version string for
// the target, clamping against the device's declared support.
func languageDialect(d device.Device) (lang string, version string, err error) {
	switch d.Backend {
	case device.BackendHostCompute:
		return "c++", "c++17", nil

	case device.BackendCUDA:
		ptx, err := resolvePTX(d.Versions.CUDASM)
		if err != nil {
			return "", "", err
		}
		return "cuda", fmt.Sprintf("sm_%d+ptx%d", d.Versions.CUDASM, ptx), nil

	case device.BackendMetal:
		v, err := semver.NewVersion(fmt.Sprintf("%d.%d.0", d.Versions.MetalMajor, d.Versions.MetalMinor))
		if err != nil {
			return "", "", fmt.Errorf("invalid Metal version: %w", err)
		}
		switch {
		case v.LessThan(semver.MustParse("2.0.0")):
			return "metal", "1.2", nil
		case v.LessThan(semver.MustParse("3.0.0")):
			return "metal", "2.4", nil
		default:
			return "metal", "3.0", nil
		}

	case device.BackendVulkan:
		v, err := semver.NewVersion(fmt.Sprintf("%d.%d.0", d.Versions.VulkanMajor, d.Versions.VulkanMinor))
		if err != nil {
			return "", "", fmt.Errorf("invalid Vulkan version: %w", err)
		}
		c14, err := semver.NewConstraint(">=1.4.0")
		if err != nil {
			return "", "", err
		}
		if c14.Check(v) {
			return "vulkan1.4", "1.4", nil
		}
		return "vulkan1.3", "1.3", nil

	case device.BackendOpenCL:
		v, err := semver.NewVersion(fmt.Sprintf("%d.%d.0", d.Versions.OpenCLMajor, d.Versions.OpenCLMinor))
		if err != nil {
			return "", "", fmt.Errorf("invalid OpenCL version: %w", err)
		}
		for _, tier := range []struct {
			constraint string
			version    string
		}{
			{">=3.0.0", "CL3.0"},
			{">=2.2.0,<3.0.0", "CL2.2"},
			{">=2.1.0,<2.2.0", "CL2.1"},
			{">=2.0.0,<2.1.0", "CL2.0"},
			{">=1.2.0,<2.0.0", "CL1.2"},
		} {
			c, err := semver.NewConstraint(tier.constraint)
			if err != nil {
				return "", "", err
			}
			if c.Check(v) {
				return "cl", tier.version, nil
			}
		}
		return "", "", fmt.Errorf("%w: unsupported OpenCL version %s", ErrUnsupportedDevice, v)

	default:
		return "", "", fmt.Errorf("%w: backend %s", ErrUnsupportedDevice, d.Backend)
	}
}
