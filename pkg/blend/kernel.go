package blend

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"footseg/internal/models"
)

// Scheme names a window weighting strategy
type Scheme string

const (
	// Uniform gives every voxel of a window the same weight
	Uniform Scheme = "uniform"

	// Gaussian weights voxels by a separable Gaussian centered on the
	// window, lowering the influence of window borders to reduce seams
	Gaussian Scheme = "gaussian"
)

// DefaultSigmaScale is the Gaussian sigma as a fraction of the window size.
const DefaultSigmaScale = 0.125

// Kernel holds one weight per window voxel, laid out like the window.
// Every weight is strictly positive.
type Kernel struct {
	Scheme  Scheme
	Size    models.Dims
	Weights []float64
}

// NewKernel builds the weighting kernel for windows of the given size.
// sigmaScale is only used by the Gaussian scheme.
func NewKernel(scheme Scheme, size models.Dims, sigmaScale float64) (*Kernel, error) {
	if !size.Positive() {
		return nil, fmt.Errorf("invalid kernel size %s", size)
	}
	k := &Kernel{Scheme: scheme, Size: size, Weights: make([]float64, size.Len())}

	switch scheme {
	case Uniform, "":
		k.Scheme = Uniform
		for i := range k.Weights {
			k.Weights[i] = 1
		}
	case Gaussian:
		if !(sigmaScale > 0) {
			return nil, fmt.Errorf("gaussian sigma scale must be positive, got %v", sigmaScale)
		}
		gx := gaussian1D(size.X, sigmaScale)
		gy := gaussian1D(size.Y, sigmaScale)
		gz := gaussian1D(size.Z, sigmaScale)
		for z := 0; z < size.Z; z++ {
			for y := 0; y < size.Y; y++ {
				row := k.Weights[size.Index(0, y, z) : size.Index(0, y, z)+size.X]
				floats.ScaleTo(row, gz[z]*gy[y], gx)
			}
		}
		floats.Scale(1/floats.Max(k.Weights), k.Weights)

		// far corners of large windows underflow; lift them to the smallest
		// representable positive weight so coverage implies positive weight
		floor := math.Inf(1)
		for _, w := range k.Weights {
			if w > 0 && w < floor {
				floor = w
			}
		}
		for i, w := range k.Weights {
			if w <= 0 {
				k.Weights[i] = floor
			}
		}
	default:
		return nil, fmt.Errorf("unknown blending scheme %q", scheme)
	}
	return k, nil
}

func gaussian1D(n int, sigmaScale float64) []float64 {
	out := make([]float64, n)
	sigma := sigmaScale * float64(n)
	center := float64(n-1) / 2
	for i := range out {
		d := float64(i) - center
		out[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	return out
}
