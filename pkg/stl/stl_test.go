package stl

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"footseg/internal/models"
)

// sphereMask builds a size^3 mask with a ball of the given radius labeled 1
func sphereMask(size int, radius float64) *models.Mask {
	dims := models.Dims{X: size, Y: size, Z: size}
	m := &models.Mask{Labels: make([]uint8, dims.Len()), Dims: dims, Geometry: models.DefaultGeometry()}
	center := float64(size) / 2.0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - center
				dy := float64(y) - center
				dz := float64(z) - center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					m.Labels[dims.Index(x, y, z)] = 1
				}
			}
		}
	}
	return m
}

// TestVoxelSurfaceSphere checks triangle count and that every normal points away from the center
func TestVoxelSurfaceSphere(t *testing.T) {
	size := 20
	center := float32(size) / 2.0
	triangles := NewVoxelSurface(sphereMask(size, 5), 1).GenerateTriangles()

	if len(triangles) < 100 {
		t.Errorf("Expected at least 100 triangles for sphere, got %d", len(triangles))
	}

	for i, triangle := range triangles {
		cx := (triangle.Vertex1[0]+triangle.Vertex2[0]+triangle.Vertex3[0])/3 - center
		cy := (triangle.Vertex1[1]+triangle.Vertex2[1]+triangle.Vertex3[1])/3 - center
		cz := (triangle.Vertex1[2]+triangle.Vertex2[2]+triangle.Vertex3[2])/3 - center

		dot := cx*triangle.Normal[0] + cy*triangle.Normal[1] + cz*triangle.Normal[2]
		if dot < -1e-4 {
			t.Fatalf("Triangle %d normal points inward, dot product: %f", i, dot)
		}
	}
}

// TestVoxelSurfaceClosed verifies that every directed edge is matched by its reverse
func TestVoxelSurfaceClosed(t *testing.T) {
	m := sphereMask(12, 4)
	// a second, touching blob makes the surface non-convex
	m.Labels[m.Dims.Index(6, 6, 10)] = 1
	m.Labels[m.Dims.Index(6, 6, 11)] = 1

	for _, mirrored := range []bool{false, true} {
		s := NewVoxelSurface(m, 1)
		if mirrored {
			s.SetScale(-1, 1, 1)
		}
		edges := make(map[[2][3]float32]int)
		for _, tr := range s.GenerateTriangles() {
			vs := [3][3]float32{tr.Vertex1, tr.Vertex2, tr.Vertex3}
			for i := range vs {
				edges[[2][3]float32{vs[i], vs[(i+1)%3]}]++
			}
		}
		for e, n := range edges {
			if back := edges[[2][3]float32{e[1], e[0]}]; back != n {
				t.Fatalf("mirrored=%v: edge %v used %d times, reverse %d times", mirrored, e, n, back)
			}
		}
	}
}

// TestSetScale verifies that the scaling functionality works
func TestSetScale(t *testing.T) {
	dims := models.Dims{X: 2, Y: 2, Z: 2}
	m := &models.Mask{Labels: []uint8{1, 0, 0, 0, 0, 0, 0, 0}, Dims: dims}

	s := NewVoxelSurface(m, 1)
	s.SetScale(2.5, 1.5, 3.0)
	triangles := s.GenerateTriangles()

	// a single voxel is a box of 6 faces
	if len(triangles) != 12 {
		t.Fatalf("Expected 12 triangles, got %d", len(triangles))
	}
	for _, tr := range triangles {
		for _, v := range [3][3]float32{tr.Vertex1, tr.Vertex2, tr.Vertex3} {
			if math.Abs(math.Abs(float64(v[0]))-1.25) > 1e-6 ||
				math.Abs(math.Abs(float64(v[1]))-0.75) > 1e-6 ||
				math.Abs(math.Abs(float64(v[2]))-1.5) > 1e-6 {
				t.Fatalf("Vertex %v is not a corner of the scaled voxel", v)
			}
		}
	}
}

func TestSetGeometry(t *testing.T) {
	dims := models.Dims{X: 1, Y: 1, Z: 1}
	m := &models.Mask{Labels: []uint8{3}, Dims: dims}

	s := NewVoxelSurface(m, 3)
	s.SetGeometry(models.Geometry{
		Spacing:   [3]float64{2, 2, 2},
		Origin:    [3]float64{10, 20, 30},
		Direction: models.IdentityDirection,
	})
	var minX, maxX float32 = math.MaxFloat32, -math.MaxFloat32
	for _, tr := range s.GenerateTriangles() {
		for _, v := range [3][3]float32{tr.Vertex1, tr.Vertex2, tr.Vertex3} {
			minX, maxX = min(minX, v[0]), max(maxX, v[0])
		}
	}
	if minX != 9 || maxX != 11 {
		t.Errorf("x extent = [%v, %v], want [9, 11]", minX, maxX)
	}

	if n := len(NewVoxelSurface(m, 1).GenerateTriangles()); n != 0 {
		t.Errorf("absent label produced %d triangles", n)
	}
}

// TestSaveToSTL verifies that the STL file can be written
func TestSaveToSTL(t *testing.T) {
	triangles := []Triangle{
		{
			Normal:  [3]float32{0, 0, 1},
			Vertex1: [3]float32{0, 0, 0},
			Vertex2: [3]float32{1, 0, 0},
			Vertex3: [3]float32{0, 1, 0},
		},
	}

	path := filepath.Join(t.TempDir(), "test.stl")
	if err := SaveToSTL(path, triangles); err != nil {
		t.Fatalf("Failed to save STL: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	// 80 byte header, triangle count, 50 bytes per triangle
	if len(data) != 80+4+50 {
		t.Fatalf("STL file has %d bytes, want %d", len(data), 80+4+50)
	}
	if n := binary.LittleEndian.Uint32(data[80:]); n != 1 {
		t.Errorf("triangle count = %d", n)
	}
	var vertex2x float32
	if err := binary.Read(bytes.NewReader(data[84+24:]), binary.LittleEndian, &vertex2x); err != nil {
		t.Fatal(err)
	}
	if vertex2x != 1 {
		t.Errorf("Vertex2.x = %v, want 1", vertex2x)
	}
}

// BenchmarkVoxelSurface benchmarks surface extraction on a 64^3 sphere
func BenchmarkVoxelSurface(b *testing.B) {
	m := sphereMask(64, 24)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NewVoxelSurface(m, 1).GenerateTriangles()
	}
}
