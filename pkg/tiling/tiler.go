// Package tiling partitions a volume into overlapping fixed-size windows
// for sliding-window inference.
package tiling

import (
	"errors"
	"fmt"
	"iter"
	"math"

	"footseg/internal/models"
	"footseg/internal/telemetry"
)

var (
	// ErrInvalidOverlap is returned for overlap fractions outside [0, 1).
	ErrInvalidOverlap = errors.New("overlap must be in [0, 1)")

	// ErrInvalidWindow is returned for window sizes with a non-positive axis.
	ErrInvalidWindow = errors.New("window size must be positive on every axis")
)

// ProgressCallback reports how many windows have been produced so far
type ProgressCallback func(completed, total int, message string)

// Tiler produces window origins spaced by stride = window*(1-overlap)
// along every axis. The last window of an axis is clamped so its far edge
// lands on the volume boundary.
type Tiler struct {
	window  models.Dims
	overlap float64
	padding float32

	progress ProgressCallback
}

// NewTiler creates a tiler for the given model window size and overlap fraction.
func NewTiler(window models.Dims, overlap float64) (*Tiler, error) {
	if !window.Positive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, window)
	}
	if overlap < 0 || overlap >= 1 || math.IsNaN(overlap) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidOverlap, overlap)
	}
	return &Tiler{window: window, overlap: overlap}, nil
}

// SetPadding sets the value written into window voxels that fall outside
// the volume. It defaults to 0.
func (t *Tiler) SetPadding(value float32) {
	t.padding = value
}

// SetProgressCallback installs a callback invoked once per yielded window.
func (t *Tiler) SetProgressCallback(callback ProgressCallback) {
	t.progress = callback
}

// Window returns the configured window size.
func (t *Tiler) Window() models.Dims {
	return t.window
}

// Stride returns the spacing between consecutive window origins per axis.
func (t *Tiler) Stride() models.Dims {
	return models.Dims{
		X: stride(t.window.X, t.overlap),
		Y: stride(t.window.Y, t.overlap),
		Z: stride(t.window.Z, t.overlap),
	}
}

func stride(size int, overlap float64) int {
	s := int(math.Floor(float64(size) * (1 - overlap)))
	if s < 1 {
		s = 1
	}
	return s
}

// axisOrigins lists window origins along one axis. The final origin is
// dim-size so the last window ends exactly on the boundary; when the
// volume is smaller than the window a single origin 0 is returned.
func axisOrigins(dim, size, step int) []int {
	var origins []int
	for o := 0; ; o += step {
		if o+size >= dim {
			last := dim - size
			if last < 0 {
				last = 0
			}
			origins = append(origins, last)
			return origins
		}
		origins = append(origins, o)
	}
}

// Origins returns the window origins along x, y and z for a volume of the
// given dims.
func (t *Tiler) Origins(dims models.Dims) (xs, ys, zs []int) {
	s := t.Stride()
	xs = axisOrigins(dims.X, t.window.X, s.X)
	ys = axisOrigins(dims.Y, t.window.Y, s.Y)
	zs = axisOrigins(dims.Z, t.window.Z, s.Z)
	return xs, ys, zs
}

// Count returns how many windows cover a volume of the given dims.
func (t *Tiler) Count(dims models.Dims) int {
	xs, ys, zs := t.Origins(dims)
	return len(xs) * len(ys) * len(zs)
}

// Regions returns the window descriptors without data, in tiling order.
func (t *Tiler) Regions(dims models.Dims) []models.Window {
	xs, ys, zs := t.Origins(dims)
	regions := make([]models.Window, 0, len(xs)*len(ys)*len(zs))
	for _, z := range zs {
		for _, y := range ys {
			for _, x := range xs {
				regions = append(regions, models.Window{
					Index:  len(regions),
					Origin: models.Dims{X: x, Y: y, Z: z},
					Size:   t.window,
				})
			}
		}
	}
	return regions
}

// Windows returns a lazy sequence of windows over vol, z-major then y then x.
// Each window's data is copied out of the volume when it is yielded, so
// at most one window buffer is alive per iteration step. The sequence can
// be ranged over any number of times and always yields the same windows.
func (t *Tiler) Windows(vol *models.Volume) iter.Seq[models.Window] {
	return func(yield func(models.Window) bool) {
		regions := t.Regions(vol.Dims)
		for i, w := range regions {
			w.Data = Extract(vol, w.Origin, w.Size, t.padding)
			if t.progress != nil {
				msg := fmt.Sprintf("window %d/%d at %d,%d,%d", i+1, len(regions), w.Origin.X, w.Origin.Y, w.Origin.Z)
				telemetry.Guard(nil, "tiler progress callback", func() {
					t.progress(i+1, len(regions), msg)
				})
			}
			if !yield(w) {
				return
			}
		}
	}
}

// Extract copies the region [origin, origin+size) of vol into a new
// buffer. Voxels outside the volume are set to pad.
func Extract(vol *models.Volume, origin, size models.Dims, pad float32) []float32 {
	out := make([]float32, size.Len())
	for z := 0; z < size.Z; z++ {
		gz := origin.Z + z
		for y := 0; y < size.Y; y++ {
			gy := origin.Y + y
			row := out[size.Index(0, y, z) : size.Index(0, y, z)+size.X]
			if gz >= vol.Dims.Z || gy >= vol.Dims.Y {
				fill(row, pad)
				continue
			}
			n := size.X
			if origin.X+n > vol.Dims.X {
				n = vol.Dims.X - origin.X
			}
			src := vol.Dims.Index(origin.X, gy, gz)
			copy(row[:n], vol.Data[src:src+n])
			fill(row[n:], pad)
		}
	}
	return out
}

func fill(dst []float32, v float32) {
	if v == 0 {
		clear(dst)
		return
	}
	for i := range dst {
		dst[i] = v
	}
}
