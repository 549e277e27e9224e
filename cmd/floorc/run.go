package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arkveil/floorrt/internal/dispatch"
	"github.com/arkveil/floorrt/internal/elfobj"
	"github.com/arkveil/floorrt/internal/functioninfo"
	"github.com/arkveil/floorrt/internal/instance"
	internalmath "github.com/arkveil/floorrt/internal/math"
	"github.com/arkveil/floorrt/internal/runtime"
)

// newRunCommand dispatches a compiled host-compute object's kernel
// against a work geometry, the CLI-facing entry point for spec.md §4.F's
// Dispatcher.Execute, mirroring cmd/pixie/iso.go's flag-binding style.
func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		objectFile   string
		funcInfoFile string
		funcName     string
		global       []int
		local        []int
		simdWidth    int
		workers      int
		rawArgs      []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch a compiled host-compute kernel",
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := os.ReadFile(objectFile)
			if err != nil {
				return fmt.Errorf("reading object file: %w", err)
			}

			bin, err := elfobj.Parse(data)
			if err != nil {
				return fmt.Errorf("parsing ELF object: %w", err)
			}

			loaded, err := instance.Load(bin)
			if err != nil {
				return fmt.Errorf("loading object: %w", err)
			}

			inst, err := loaded.NewInstance(nil)
			if err != nil {
				return fmt.Errorf("materialising instance: %w", err)
			}
			defer inst.Close()

			if _, ok := inst.Function(funcName); !ok {
				return fmt.Errorf("function %q not found in object", funcName)
			}

			info := functioninfo.Function{Name: funcName}
			if funcInfoFile != "" {
				resolved, err := lookupFunctionInfo(funcInfoFile, funcName)
				if err != nil {
					return err
				}
				info = resolved
			}

			workDim, g, l, err := parseGeometry(global, local, simdWidth)
			if err != nil {
				return err
			}

			args, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}

			rt := runtime.New(runtime.WithLogger(opts.logger))
			d := dispatch.New(rt, simdWidth, opts.config.Debug)

			prog := &dispatch.Program{
				Info:     info,
				Loaded:   loaded,
				FuncName: funcName,
			}

			return d.Execute(workers, prog, workDim, g, l, args, func() {
				opts.logger.Info("dispatch complete", "function", funcName)
			})
		},
	}

	cmd.Flags().StringVar(&objectFile, "object", "", "Compiled host-compute ELF object")
	cmd.Flags().StringVar(&funcInfoFile, "function-info", "", "Side-channel function-info file (from internal/compiler) for required-local-size checks")
	cmd.Flags().StringVar(&funcName, "function", "", "Kernel function name to dispatch")
	cmd.Flags().IntSliceVar(&global, "global", nil, "Global work size, one value per dimension")
	cmd.Flags().IntSliceVar(&local, "local", nil, "Local work-group size, one value per dimension; omit to derive from --simd-width")
	cmd.Flags().IntVar(&simdWidth, "simd-width", 16, "SIMD width used to derive a default local size when --local is omitted")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker count; 0 uses every logical CPU")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Kernel argument as a typed literal, e.g. i32:42 or f32:1.5")
	_ = cmd.MarkFlagRequired("object")
	_ = cmd.MarkFlagRequired("function")
	_ = cmd.MarkFlagRequired("global")

	return cmd
}

func lookupFunctionInfo(path, funcName string) (functioninfo.Function, error) {
	f, err := os.Open(path)
	if err != nil {
		return functioninfo.Function{}, fmt.Errorf("opening function-info file: %w", err)
	}
	defer f.Close()

	functions, err := functioninfo.Parse(f)
	if err != nil {
		return functioninfo.Function{}, fmt.Errorf("parsing function-info file: %w", err)
	}
	for _, fn := range functions {
		if fn.Name == funcName {
			return fn, nil
		}
	}
	return functioninfo.Function{}, fmt.Errorf("function %q not present in function-info file %q", funcName, path)
}

// parseGeometry builds the 3D global/local work size pair computeGeometry
// validates. When --local is omitted, each dimension's local size defaults
// to gcd(global[i], simdWidth): the largest size that divides both the
// global size and the SIMD width, so the dispatcher's
// "global must be a multiple of local" invariant holds without the caller
// having to do the arithmetic themselves.
func parseGeometry(global, local []int, simdWidth int) (workDim int, g, l [3]uint32, err error) {
	if len(global) == 0 || len(global) > 3 {
		return 0, g, l, fmt.Errorf("--global must have between 1 and 3 values")
	}
	workDim = len(global)
	for i, v := range global {
		g[i] = uint32(v)
	}
	for i := range g {
		if g[i] == 0 {
			g[i] = 1
		}
	}

	if simdWidth <= 0 {
		simdWidth = 1
	}
	for i := range l {
		l[i] = uint32(internalmath.GreatestCommonDivisor(int(g[i]), simdWidth))
	}
	for i, v := range local {
		if i >= 3 {
			break
		}
		l[i] = uint32(v)
	}
	return workDim, g, l, nil
}

// parseArgs decodes --arg flags of the form "<kind>:<value>" into
// dispatch.Arg raw byte payloads. Supported kinds are i32, i64, u32, u64
// and f32/f64; this is a debugging convenience, not a general ABI
// marshaller (which lives in internal/dispatch/args.go).
func parseArgs(raw []string) ([]dispatch.Arg, error) {
	args := make([]dispatch.Arg, 0, len(raw))
	for _, r := range raw {
		kind, value, ok := strings.Cut(r, ":")
		if !ok {
			return nil, fmt.Errorf("malformed --arg %q, want kind:value", r)
		}

		buf := make([]byte, 8)
		switch kind {
		case "i32", "u32":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("parsing %s arg %q: %w", kind, value, err)
			}
			binary.LittleEndian.PutUint32(buf, uint32(n))
			buf = buf[:4]
		case "i64", "u64":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %s arg %q: %w", kind, value, err)
			}
			binary.LittleEndian.PutUint64(buf, n)
		case "f32":
			n, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return nil, fmt.Errorf("parsing f32 arg %q: %w", value, err)
			}
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(n)))
			buf = buf[:4]
		case "f64":
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing f64 arg %q: %w", value, err)
			}
			binary.LittleEndian.PutUint64(buf, math.Float64bits(n))
		default:
			return nil, fmt.Errorf("unsupported --arg kind %q", kind)
		}

		args = append(args, dispatch.Raw(buf))
	}
	return args, nil
}
