package visualization

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"footseg/internal/models"
)

// zRamp returns a volume whose value equals z / (depth-1)
func zRamp(dims models.Dims) []float32 {
	data := make([]float32, dims.Len())
	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				data[dims.Index(x, y, z)] = float32(z) / float32(dims.Z-1)
			}
		}
	}
	return data
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	dims := models.Dims{X: 10, Y: 8, Z: 5}
	viewer := NewViewer(zRamp(dims), dims)

	for z := 0; z < dims.Z; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != dims.X || bounds.Dy() != dims.Y {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", dims.X, dims.Y, bounds.Dx(), bounds.Dy())
		}
		gray, ok := img.(*image.Gray)
		if !ok {
			t.Fatalf("Expected *image.Gray, got %T", img)
		}
		want := uint8(float32(z)/4*255 + 0.5)
		if got := gray.GrayAt(dims.X/2, dims.Y/2).Y; got != want {
			t.Errorf("Z slice %d center = %d, want %d", z, got, want)
		}
	}

	imgX, err := viewer.ExtractSlice("X", 3)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != dims.Z || b.Dy() != dims.Y {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", dims.Z, dims.Y, b.Dx(), b.Dy())
	}
	// x slices run along z horizontally
	if got := imgX.(*image.Gray).GrayAt(4, 0).Y; got != 255 {
		t.Errorf("X slice right edge = %d, want 255", got)
	}

	imgY, err := viewer.ExtractSlice("y", 0)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != dims.X || b.Dy() != dims.Z {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", dims.X, dims.Z, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", dims.Z); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

func TestSetWindow(t *testing.T) {
	dims := models.Dims{X: 2, Y: 1, Z: 1}
	viewer := NewViewer([]float32{-100, 300}, dims)
	viewer.SetWindow(0, 200)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatal(err)
	}
	gray := img.(*image.Gray)
	if gray.GrayAt(0, 0).Y != 0 || gray.GrayAt(1, 0).Y != 255 {
		t.Errorf("values outside the window are not clamped: %v", gray.Pix)
	}

	flat := NewViewer([]float32{3, 3}, dims)
	img, err = flat.ExtractSlice("z", 0)
	if err != nil {
		t.Fatal(err)
	}
	if img.(*image.Gray).GrayAt(1, 0).Y != 0 {
		t.Error("constant volume should render black")
	}
}

func TestOverlay(t *testing.T) {
	dims := models.Dims{X: 3, Y: 1, Z: 1}
	viewer := NewViewer([]float32{0, 0, 0}, dims)
	mask := &models.Mask{Labels: []uint8{0, 1, 2}, Dims: dims}
	viewer.SetOverlay(mask, map[uint8]color.RGBA{1: {G: 200, A: 255}}, 1)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatal(err)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		t.Fatalf("Expected *image.RGBA, got %T", img)
	}
	if c := rgba.RGBAAt(0, 0); c != (color.RGBA{A: 255}) {
		t.Errorf("background pixel = %v", c)
	}
	if c := rgba.RGBAAt(1, 0); c != (color.RGBA{G: 200, A: 255}) {
		t.Errorf("label 1 pixel = %v", c)
	}
	if c := rgba.RGBAAt(2, 0); c != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("label without color = %v, want red", c)
	}
}

// TestSaveMidSlices verifies that the three previews are written
func TestSaveMidSlices(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	dims := models.Dims{X: 6, Y: 5, Z: 4}
	viewer := NewViewer(zRamp(dims), dims)

	dir := filepath.Join(t.TempDir(), "previews")
	paths, err := viewer.SaveMidSlices(dir, "input")
	if err != nil {
		t.Fatalf("Failed to save previews: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 previews, got %d", len(paths))
	}
	for _, axis := range []string{"x", "y", "z"} {
		filename := filepath.Join(dir, "input_"+axis+".jpg")
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Saved file does not exist: %s", filename)
		}
	}
}
