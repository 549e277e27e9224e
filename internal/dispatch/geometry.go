package dispatch

import (
	"fmt"

	"github.com/arkveil/floorrt/internal/functioninfo"
)

// ErrInvalidGeometry is returned when a dispatch's work dimensions or
// local size are malformed or violate the target function's required
// local size.
var ErrInvalidGeometry = fmt.Errorf("invalid dispatch geometry: %w", ErrDispatch)

// geometry is the resolved group layout for one dispatch.
type geometry struct {
	workDim          int
	globalWorkSize   [3]uint32
	localWorkSize    [3]uint32
	groupDim         [3]uint32
	totalGroups      uint64
}

// computeGeometry validates workDim/globalWorkSize/localWorkSize against
// info's required local size (spec.md §4.F point 2) and computes
// groupDim = global/local per dimension. A global size that is not a
// multiple of the local size is rejected; partial work-groups are not
// supported.
func computeGeometry(workDim int, global, local [3]uint32, info functioninfo.Function) (geometry, error) {
	if workDim < 1 || workDim > 3 {
		return geometry{}, fmt.Errorf("work dimension %d out of range [1,3]: %w", workDim, ErrInvalidGeometry)
	}

	g := geometry{workDim: workDim, globalWorkSize: global, localWorkSize: local}
	for i := 0; i < 3; i++ {
		dim := uint32(1)
		if i < workDim {
			dim = global[i]
		}
		ld := uint32(1)
		if i < workDim {
			ld = local[i]
		}
		if ld == 0 {
			return geometry{}, fmt.Errorf("local size component %d is zero: %w", i, ErrInvalidGeometry)
		}
		if dim%ld != 0 {
			return geometry{}, fmt.Errorf("global size %d is not a multiple of local size %d on dimension %d: %w", dim, ld, i, ErrInvalidGeometry)
		}
		g.globalWorkSize[i], g.localWorkSize[i] = dim, ld
		g.groupDim[i] = dim / ld
	}

	if err := checkRequiredLocalSize(g.localWorkSize, info.RequiredLocalSize); err != nil {
		return geometry{}, err
	}

	g.totalGroups = uint64(g.groupDim[0]) * uint64(g.groupDim[1]) * uint64(g.groupDim[2])
	return g, nil
}

func checkRequiredLocalSize(local [3]uint32, required functioninfo.RequiredSize) error {
	req := [3]uint32{required.X, required.Y, required.Z}
	for i, r := range req {
		if r != 0 && local[i] != r {
			return fmt.Errorf("local size %d on dimension %d does not match required local size %d: %w", local[i], i, r, ErrInvalidGeometry)
		}
	}
	return nil
}

// groupID converts a linear group ticket into a 3D group coordinate.
func (g geometry) groupID(ticket uint64) [3]uint32 {
	plane := uint64(g.groupDim[0]) * uint64(g.groupDim[1])
	z := ticket / plane
	rem := ticket % plane
	y := rem / uint64(g.groupDim[0])
	x := rem % uint64(g.groupDim[0])
	return [3]uint32{uint32(x), uint32(y), uint32(z)}
}
