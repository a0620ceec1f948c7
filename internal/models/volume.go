package models

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrEmptyVolume is returned by Validate for nil or degenerate volumes.
var ErrEmptyVolume = errors.New("volume is empty or degenerate")

// Dims holds voxel counts along the three image axes.
// Flat arrays are laid out x fastest: index = z*X*Y + y*X + x.
type Dims struct {
	X, Y, Z int
}

// Len returns the number of voxels.
func (d Dims) Len() int {
	return d.X * d.Y * d.Z
}

// Index returns the flat offset of voxel (x, y, z).
func (d Dims) Index(x, y, z int) int {
	return z*d.X*d.Y + y*d.X + x
}

// Axis returns the extent along axis 0 (x), 1 (y) or 2 (z).
func (d Dims) Axis(i int) int {
	switch i {
	case 0:
		return d.X
	case 1:
		return d.Y
	default:
		return d.Z
	}
}

// Positive reports whether every axis has at least one voxel.
func (d Dims) Positive() bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// Slice represents a single 2D image slice of a volume loaded from disk
type Slice struct {
	// Image is the decoded slice image
	Image image.Image

	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice
	Filename string
}

// Geometry describes where a voxel grid sits in physical (patient) space.
type Geometry struct {
	// Spacing is the physical size of a voxel along x, y and z in mm
	Spacing [3]float64

	// Origin is the physical position of voxel (0, 0, 0) in mm
	Origin [3]float64

	// Direction is a row-major 3x3 matrix whose columns are the unit
	// vectors of the x, y and z image axes in physical space
	Direction [9]float64
}

// IdentityDirection is the direction matrix of an axis-aligned grid.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// DefaultGeometry returns a unit-spaced, axis-aligned geometry at the origin.
func DefaultGeometry() Geometry {
	return Geometry{
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
	}
}

// VoxelVolume returns the physical volume of one voxel in mm3.
func (g Geometry) VoxelVolume() float64 {
	return g.Spacing[0] * g.Spacing[1] * g.Spacing[2]
}

// Volume is the immutable 3D intensity input of a segmentation run
type Volume struct {
	// Name identifies the volume, used to name the resulting segmentation
	Name string

	// Data holds the scalar intensities in x-fastest order
	Data []float32

	// Dims are the voxel counts along x, y and z
	Dims Dims

	Geometry
}

// Validate rejects nil and degenerate volumes.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrEmptyVolume)
	}
	if !v.Dims.Positive() {
		return fmt.Errorf("%w: dims %s", ErrEmptyVolume, v.Dims)
	}
	if len(v.Data) != v.Dims.Len() {
		return fmt.Errorf("%w: %d samples for dims %s", ErrEmptyVolume, len(v.Data), v.Dims)
	}
	for i, s := range v.Spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: spacing[%d] = %v", ErrEmptyVolume, i, s)
		}
	}
	return nil
}

// Window is a sub-region of a volume fed to the model in one call.
// Origin may extend past the volume when the volume is smaller than the
// window; the out-of-bounds part of Data is padding.
type Window struct {
	// Index is the position of the window in the tiling order
	Index int

	// Origin is the voxel index of the window's first corner
	Origin Dims

	// Size is the window extent, equal to the model input size
	Size Dims

	// Data holds Size.Len() samples in x-fastest order
	Data []float32
}

// ProbabilityMap holds per-class probabilities for every voxel of a volume.
// Class c occupies Data[c*Dims.Len() : (c+1)*Dims.Len()].
type ProbabilityMap struct {
	Classes int
	Dims    Dims
	Data    []float32
}

// Class returns the probability plane of class c.
func (p *ProbabilityMap) Class(c int) []float32 {
	n := p.Dims.Len()
	return p.Data[c*n : (c+1)*n]
}

// Mask is a labeled volume: 0 is background, 1..N are segment labels
type Mask struct {
	Labels []uint8
	Dims   Dims

	Geometry
}

// NewMask allocates an all-background mask with the geometry of v.
func NewMask(v *Volume) *Mask {
	return &Mask{
		Labels:   make([]uint8, v.Dims.Len()),
		Dims:     v.Dims,
		Geometry: v.Geometry,
	}
}

// Count returns the number of voxels carrying label.
func (m *Mask) Count(label uint8) int {
	n := 0
	for _, l := range m.Labels {
		if l == label {
			n++
		}
	}
	return n
}

// Foreground returns the number of non-background voxels.
func (m *Mask) Foreground() int {
	n := 0
	for _, l := range m.Labels {
		if l != 0 {
			n++
		}
	}
	return n
}

// Segment describes one label of a segmentation
type Segment struct {
	Label      uint8    `yaml:"label"`
	Name       string   `yaml:"name"`
	Color      [3]uint8 `yaml:"color,flow"`
	VoxelCount int      `yaml:"voxelCount"`
	VolumeMM3  float64  `yaml:"volumeMM3"`
}

// Segmentation is the result handed back to the host: a label map plus
// the description of every segment in it.
type Segmentation struct {
	Name     string
	Mask     *Mask
	Segments []Segment
}
