// Package blend merges overlapping per-window probabilities into a single
// probability map and thresholds it into a labeled mask.
package blend

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"footseg/internal/models"
	"footseg/internal/telemetry"
)

// ErrWindowShape is returned when a probability slice does not match its window.
var ErrWindowShape = errors.New("probability slice does not match window")

// ProgressCallback reports how many windows have been blended
type ProgressCallback func(completed, total int, message string)

// Accumulator keeps a weighted probability sum and a weight sum for every
// voxel of the output volume. It is not safe for concurrent use.
type Accumulator struct {
	dims    models.Dims
	classes int
	kernel  *Kernel

	sum    []float64
	weight []float64

	// row buffers reused across Add calls
	prob []float64
	tmp  []float64

	added    int
	total    int
	progress ProgressCallback
}

// NewAccumulator allocates zeroed accumulators for a volume of dims with
// the given number of classes, weighting every window with kernel.
func NewAccumulator(dims models.Dims, classes int, kernel *Kernel) (*Accumulator, error) {
	if !dims.Positive() {
		return nil, fmt.Errorf("invalid volume dims %s", dims)
	}
	if classes < 1 {
		return nil, fmt.Errorf("invalid class count %d", classes)
	}
	return &Accumulator{
		dims:    dims,
		classes: classes,
		kernel:  kernel,
		sum:     make([]float64, classes*dims.Len()),
		weight:  make([]float64, dims.Len()),
		prob:    make([]float64, kernel.Size.X),
		tmp:     make([]float64, kernel.Size.X),
	}, nil
}

// SetProgressCallback installs a callback invoked after every Add.
func (a *Accumulator) SetProgressCallback(total int, callback ProgressCallback) {
	a.total = total
	a.progress = callback
}

// Add blends the probabilities of one window into the accumulators. probs
// holds classes planes laid out like the window; voxels that fall outside
// the volume (padding) are skipped.
func (a *Accumulator) Add(w models.Window, probs []float32) error {
	if w.Size != a.kernel.Size {
		return fmt.Errorf("%w: window %d size %s, kernel %s", ErrWindowShape, w.Index, w.Size, a.kernel.Size)
	}
	voxels := w.Size.Len()
	if len(probs) != a.classes*voxels {
		return fmt.Errorf("%w: window %d has %d values, want %d", ErrWindowShape, w.Index, len(probs), a.classes*voxels)
	}

	nx := min(w.Size.X, a.dims.X-w.Origin.X)
	ny := min(w.Size.Y, a.dims.Y-w.Origin.Y)
	nz := min(w.Size.Z, a.dims.Z-w.Origin.Z)
	n := a.dims.Len()

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			local := w.Size.Index(0, y, z)
			global := a.dims.Index(w.Origin.X, w.Origin.Y+y, w.Origin.Z+z)
			kernelRow := a.kernel.Weights[local : local+nx]

			floats.Add(a.weight[global:global+nx], kernelRow)

			for c := 0; c < a.classes; c++ {
				src := probs[c*voxels+local : c*voxels+local+nx]
				for i, p := range src {
					a.prob[i] = float64(p)
				}
				floats.MulTo(a.tmp[:nx], a.prob[:nx], kernelRow)
				floats.Add(a.sum[c*n+global:c*n+global+nx], a.tmp[:nx])
			}
		}
	}

	a.added++
	if a.progress != nil {
		msg := fmt.Sprintf("blended window %d/%d", a.added, a.total)
		telemetry.Guard(nil, "blend progress callback", func() {
			a.progress(a.added, a.total, msg)
		})
	}
	return nil
}

// Added returns the number of windows blended so far.
func (a *Accumulator) Added() int {
	return a.added
}

// MinWeight returns the smallest accumulated weight. It is strictly
// positive once every voxel has been covered by at least one window.
func (a *Accumulator) MinWeight() float64 {
	return floats.Min(a.weight)
}

// Uncovered returns the number of voxels with zero weight.
func (a *Accumulator) Uncovered() int {
	n := 0
	for _, w := range a.weight {
		if w <= 0 {
			n++
		}
	}
	return n
}

// Finalize divides the probability sums by the accumulated weights.
// Voxels that received no weight are reported as probability 0.
func (a *Accumulator) Finalize() *models.ProbabilityMap {
	n := a.dims.Len()
	pm := &models.ProbabilityMap{
		Classes: a.classes,
		Dims:    a.dims,
		Data:    make([]float32, a.classes*n),
	}
	for c := 0; c < a.classes; c++ {
		for i, w := range a.weight {
			if w <= 0 {
				continue
			}
			p := a.sum[c*n+i] / w
			pm.Data[c*n+i] = float32(math.Min(math.Max(p, 0), 1))
		}
	}
	return pm
}
