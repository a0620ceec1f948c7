// Package stl extracts closed surface meshes from labeled masks and writes
// them as binary STL.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"footseg/internal/models"
)

// Triangle represents a triangle in 3D space
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// face corners in counter-clockwise order seen from outside the voxel,
// as offsets from the voxel's lower corner
var faces = [6]struct {
	dx, dy, dz int
	corners    [4][3]float64
}{
	{1, 0, 0, [4][3]float64{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	{-1, 0, 0, [4][3]float64{{0, 0, 0}, {0, 0, 1}, {0, 1, 1}, {0, 1, 0}}},
	{0, 1, 0, [4][3]float64{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	{0, -1, 0, [4][3]float64{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}},
	{0, 0, 1, [4][3]float64{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}}},
	{0, 0, -1, [4][3]float64{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
}

// VoxelSurface builds the boundary surface of one label of a mask: every
// voxel face between the label and anything else becomes two triangles.
// The result is closed and consistently oriented with outward normals.
type VoxelSurface struct {
	mask  *models.Mask
	label uint8

	// voxel index -> physical, columns are the axis vectors
	linear [9]float64
	offset [3]float64
}

// NewVoxelSurface prepares surface extraction for label in m with unit scale.
func NewVoxelSurface(m *models.Mask, label uint8) *VoxelSurface {
	s := &VoxelSurface{mask: m, label: label}
	s.SetScale(1, 1, 1)
	return s
}

// SetScale sets axis-aligned voxel sizes and clears any origin.
func (s *VoxelSurface) SetScale(x, y, z float32) {
	s.linear = [9]float64{float64(x), 0, 0, 0, float64(y), 0, 0, 0, float64(z)}
	s.offset = [3]float64{}
}

// SetGeometry places the surface in the physical space described by g.
func (s *VoxelSurface) SetGeometry(g models.Geometry) {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			s.linear[r*3+c] = g.Direction[r*3+c] * g.Spacing[c]
		}
	}
	s.offset = g.Origin
}

func (s *VoxelSurface) inside(x, y, z int) bool {
	d := s.mask.Dims
	if x < 0 || y < 0 || z < 0 || x >= d.X || y >= d.Y || z >= d.Z {
		return false
	}
	return s.mask.Labels[d.Index(x, y, z)] == s.label
}

// point maps a voxel corner to space; voxel centers sit on integer indices
func (s *VoxelSurface) point(x, y, z float64) [3]float32 {
	x, y, z = x-0.5, y-0.5, z-0.5
	var p [3]float32
	for r := 0; r < 3; r++ {
		p[r] = float32(s.linear[r*3]*x + s.linear[r*3+1]*y + s.linear[r*3+2]*z + s.offset[r])
	}
	return p
}

func (s *VoxelSurface) mirrored() bool {
	l := s.linear
	det := l[0]*(l[4]*l[8]-l[5]*l[7]) - l[1]*(l[3]*l[8]-l[5]*l[6]) + l[2]*(l[3]*l[7]-l[4]*l[6])
	return det < 0
}

// GenerateTriangles returns the surface triangles of the label.
func (s *VoxelSurface) GenerateTriangles() []Triangle {
	d := s.mask.Dims
	mirrored := s.mirrored()
	var triangles []Triangle

	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				if !s.inside(x, y, z) {
					continue
				}
				for _, f := range faces {
					if s.inside(x+f.dx, y+f.dy, z+f.dz) {
						continue
					}
					var q [4][3]float32
					for i, c := range f.corners {
						q[i] = s.point(float64(x)+c[0], float64(y)+c[1], float64(z)+c[2])
					}
					if mirrored {
						q[1], q[3] = q[3], q[1]
					}
					triangles = append(triangles, newTriangle(q[0], q[1], q[2]), newTriangle(q[0], q[2], q[3]))
				}
			}
		}
	}
	return triangles
}

func newTriangle(a, b, c [3]float32) Triangle {
	return Triangle{Normal: normal(a, b, c), Vertex1: a, Vertex2: b, Vertex3: c}
}

// normal returns the unit normal of the counter-clockwise triangle abc
func normal(a, b, c [3]float32) [3]float32 {
	ux, uy, uz := float64(b[0]-a[0]), float64(b[1]-a[1]), float64(b[2]-a[2])
	vx, vy, vz := float64(c[0]-a[0]), float64(c[1]-a[1]), float64(c[2]-a[2])
	nx, ny, nz := uy*vz-uz*vy, uz*vx-ux*vz, ux*vy-uy*vx
	l := math.Sqrt(nx*nx + ny*ny + nz*nz)
	if l == 0 {
		return [3]float32{}
	}
	return [3]float32{float32(nx / l), float32(ny / l), float32(nz / l)}
}

// WriteSTL encodes triangles as binary STL. name is stored in the header.
func WriteSTL(w io.Writer, name string, triangles []Triangle) error {
	var header [80]byte
	copy(header[:], name)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}

	var rec [50]byte
	for _, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(rec[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count stays zero
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// SaveToSTL writes triangles to a binary STL file at path.
func SaveToSTL(path string, triangles []Triangle) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(file)
	if err := WriteSTL(w, "footseg binary STL", triangles); err != nil {
		return err
	}
	return w.Flush()
}
