package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/arkveil/floorrt/internal/device"
	"github.com/arkveil/floorrt/internal/functioninfo"
	"github.com/arkveil/floorrt/internal/program"
)

// nvptxSignature is the marker every NVPTX back-end emits at the top of
// generated PTX text; its absence means clang silently produced something
// else (spec.md §4.G point 8).
const nvptxSignature = "// Generated by LLVM NVPTX Back-End"

func (drv *Driver) postProcess(ctx context.Context, d device.Device, outputPath string, functions []functioninfo.Function, opts Options) (*program.Data, error) {
	_, langVersion, err := languageDialect(d)
	if err != nil {
		return nil, err
	}

	base := program.Data{
		Valid:     true,
		Functions: functions,
		Options: program.CompileOptions{
			Defines:           stringifyDefines(defineSet(d)),
			LanguageVersion:   langVersion,
			Debug:             opts.Debug,
			Profile:           opts.Profile,
			PrecompiledHeader: opts.ConsumePCH,
		},
	}

	switch d.Backend {
	case device.BackendHostCompute:
		data, err := os.ReadFile(outputPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading host ELF output: %v", ErrCompiler, err)
		}
		if !opts.KeepTemp {
			defer os.Remove(outputPath)
		}
		base.DataOrFilename = data
		base.IsFilename = false
		return &base, nil

	case device.BackendCUDA:
		text, err := os.ReadFile(outputPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading PTX output: %v", ErrCompiler, err)
		}
		if !opts.KeepTemp {
			defer os.Remove(outputPath)
		}
		if !bytes.Contains(text, []byte(nvptxSignature)) {
			return nil, fmt.Errorf("%w: PTX output missing NVPTX back-end signature", ErrBadOutput)
		}
		// Explicitly NUL-terminate: CUDA's driver API expects a
		// NUL-terminated PTX string, and clang's output file does not
		// guarantee a trailing NUL (spec.md §4.G point 8).
		nulTerminated := append(append([]byte{}, text...), 0)
		base.DataOrFilename = nulTerminated
		base.IsFilename = false
		return &base, nil

	case device.BackendMetal:
		// AIR output stays on disk; the external Metal driver consumes the
		// .metallib file directly (spec.md §4.G point 8).
		base.DataOrFilename = []byte(outputPath)
		base.IsFilename = true
		return &base, nil

	case device.BackendVulkan, device.BackendOpenCL:
		return drv.postProcessSPIRV(ctx, d, outputPath, base, opts)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, d.Backend)
	}
}

func (drv *Driver) postProcessSPIRV(ctx context.Context, d device.Device, outputPath string, base program.Data, opts Options) (*program.Data, error) {
	env := spirvValEnv(d)

	if out, err := drv.runTool(ctx, "spirv-val", spirvValArgs(env, outputPath)); err != nil {
		return nil, fmt.Errorf("%w: spirv-val rejected output: %v\n%s", ErrBadOutput, err, out)
	}

	if !opts.SkipSPIRVOptimize {
		if out, err := drv.runTool(ctx, "spirv-opt", []string{"-O", outputPath, "-o", outputPath}); err != nil {
			return nil, fmt.Errorf("%w: spirv-opt failed: %v\n%s", ErrCompiler, err, out)
		}

		if out, err := drv.runTool(ctx, "spirv-val", spirvValArgs(env, outputPath)); err != nil {
			return nil, fmt.Errorf("%w: spirv-val rejected optimized output: %v\n%s", ErrBadOutput, err, out)
		}
	}

	base.DataOrFilename = []byte(outputPath)
	base.IsFilename = true
	return &base, nil
}

// spirvValEnv picks the --target-env argument spirv-val needs, per
// spec.md §4.G point 8: "vulkan1.3 ... or opencl1.2/2.0/2.1/2.2".
func spirvValEnv(d device.Device) string {
	if d.Backend == device.BackendVulkan {
		if d.Versions.VulkanMajor >= 1 && d.Versions.VulkanMinor >= 4 {
			return "vulkan1.4"
		}
		return "vulkan1.3"
	}
	return fmt.Sprintf("opencl%d.%d", d.Versions.OpenCLMajor, d.Versions.OpenCLMinor)
}

func spirvValArgs(env, path string) []string {
	args := []string{"--target-env", env}
	if env == "vulkan1.3" || env == "vulkan1.4" {
		args = append(args, "--uniform-buffer-standard-layout", "--scalar-block-layout", "--workgroup-scalar-block-layout")
	}
	args = append(args, path)
	return args
}

func (drv *Driver) runTool(ctx context.Context, tool string, args []string) (string, error) {
	cmdLine := shellQuoteJoin(tool, args)
	return drv.run(ctx, cmdLine, "")
}

func stringifyDefines(defs map[string]string) map[string]string {
	out := make(map[string]string, len(defs))
	for k, v := range defs {
		out[k] = v
	}
	return out
}
