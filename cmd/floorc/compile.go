package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkveil/floorrt/internal/compiler"
	"github.com/arkveil/floorrt/internal/program"
	"github.com/arkveil/floorrt/internal/toolchainfetch"
)

// newCompileCommand mirrors cmd/pixie/iso.go's newISOCommand shape: a
// cobra.Command closed over the shared rootOptions, flags bound with
// local vars and copied into an Options/Spec struct in RunE.
func newCompileCommand(opts *rootOptions) *cobra.Command {
	var (
		deviceName   string
		sourceFile   string
		outputFile   string
		debug        bool
		skipSPIRVOpt bool
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a kernel source file for a configured device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dc, ok := opts.config.Devices[deviceName]
			if !ok {
				return fmt.Errorf("no device named %q configured", deviceName)
			}
			d, err := toDevice(deviceName, dc)
			if err != nil {
				return err
			}

			manifest := toolchainManifest(opts.config)
			fetcher := toolchainfetch.New(opts.config.StorageDir, nil)
			toolchains, err := fetcher.EnsureAll(cmd.Context(), manifest)
			if err != nil {
				return fmt.Errorf("ensuring toolchains: %w", err)
			}

			drv := compiler.New(toolchains)
			result, err := drv.Build(cmd.Context(), d, compiler.Options{
				SourceFile:        sourceFile,
				Debug:             debug,
				SkipSPIRVOptimize: skipSPIRVOpt,
			})
			if err != nil {
				return err
			}

			if err := writeCompileResult(result, outputFile); err != nil {
				return err
			}

			opts.logger.Info("compiled kernel",
				"device", deviceName,
				"backend", d.Backend,
				"output", outputFile,
				"functions", len(result.Functions),
			)

			return nil
		},
	}

	cmd.Flags().StringVar(&deviceName, "device", "", "Configured device name to compile for")
	cmd.Flags().StringVar(&sourceFile, "source", "", "Kernel source file to compile")
	cmd.Flags().StringVar(&outputFile, "output", "", "Output path for the compiled artifact (required)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Request debug info from the compiler")
	cmd.Flags().BoolVar(&skipSPIRVOpt, "skip-spirv-optimize", false, "Skip the optional spirv-opt pass for Vulkan/OpenCL builds")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func toolchainManifest(cfg *config) toolchainfetch.Manifest {
	manifest := make(toolchainfetch.Manifest, 0, len(cfg.Toolchains))
	for name, tc := range cfg.Toolchains {
		backend, err := backendFromString(name)
		if err != nil {
			continue
		}
		manifest = append(manifest, toolchainfetch.Spec{
			Backend:       backend,
			URL:           tc.URL,
			StripTopLevel: tc.StripTopLevel,
			ClangRelPath:  tc.ClangRelPath,
		})
	}
	return manifest
}

// writeCompileResult persists a compiled artifact to outputFile. File-backed
// artifacts (Metal AIR, Vulkan/OpenCL SPIR-V) are read and copied to
// outputFile; in-memory ones (host-compute ELF, CUDA PTX text) are written
// directly. An empty outputFile is always an error.
func writeCompileResult(result *program.Data, outputFile string) error {
	if outputFile == "" {
		return fmt.Errorf("no --output given for compiled artifact")
	}

	if name, ok := result.Filename(); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading compiled artifact: %w", err)
		}
		return os.WriteFile(outputFile, data, 0o644)
	}

	return os.WriteFile(outputFile, result.DataOrFilename, 0o644)
}
