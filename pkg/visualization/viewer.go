// Package visualization renders 2D previews of volumes, probability maps
// and masks for inspecting intermediary results of a segmentation run.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"footseg/internal/models"
)

// Viewer extracts gray-level slices from a scalar volume, optionally with
// a colored label overlay.
type Viewer struct {
	data []float32
	dims models.Dims

	// intensity window mapped to black..white
	lo, hi float32

	mask   *models.Mask
	colors map[uint8]color.RGBA
	alpha  float64
}

// NewViewer creates a viewer over data laid out x fastest. The intensity
// window defaults to the data range.
func NewViewer(data []float32, dims models.Dims) *Viewer {
	v := &Viewer{data: data, dims: dims}
	if len(data) > 0 {
		v.lo, v.hi = data[0], data[0]
		for _, s := range data {
			v.lo, v.hi = min(v.lo, s), max(v.hi, s)
		}
	}
	return v
}

// SetWindow fixes the intensity range mapped to black..white.
func (v *Viewer) SetWindow(lo, hi float32) {
	v.lo, v.hi = lo, hi
}

// SetOverlay blends label colors over the gray image. Labels without a
// color are drawn red.
func (v *Viewer) SetOverlay(m *models.Mask, colors map[uint8]color.RGBA, alpha float64) {
	v.mask, v.colors, v.alpha = m, colors, alpha
}

func (v *Viewer) gray(idx int) uint8 {
	if v.hi <= v.lo {
		return 0
	}
	t := (v.data[idx] - v.lo) / (v.hi - v.lo)
	return uint8(max(0, min(1, t))*255 + 0.5)
}

func (v *Viewer) pixel(idx int) color.RGBA {
	g := v.gray(idx)
	c := color.RGBA{R: g, G: g, B: g, A: 255}
	if v.mask == nil {
		return c
	}
	label := v.mask.Labels[idx]
	if label == 0 {
		return c
	}
	lc, ok := v.colors[label]
	if !ok {
		lc = color.RGBA{R: 255, A: 255}
	}
	mix := func(a, b uint8) uint8 {
		return uint8(float64(a)*(1-v.alpha) + float64(b)*v.alpha + 0.5)
	}
	return color.RGBA{R: mix(g, lc.R), G: mix(g, lc.G), B: mix(g, lc.B), A: 255}
}

func (v *Viewer) axisLen(axis string) int {
	switch strings.ToLower(axis) {
	case "x":
		return v.dims.X
	case "y":
		return v.dims.Y
	default:
		return v.dims.Z
	}
}

// ExtractSlice extracts a 2D slice perpendicular to axis ("x", "y" or "z").
// The result is *image.Gray without an overlay and *image.RGBA with one.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	var w, h int
	var index func(i, j int) int
	switch strings.ToLower(axis) {
	case "x":
		// YZ plane
		w, h = v.dims.Z, v.dims.Y
		index = func(i, j int) int { return v.dims.Index(position, j, i) }
	case "y":
		// XZ plane
		w, h = v.dims.X, v.dims.Z
		index = func(i, j int) int { return v.dims.Index(i, position, j) }
	case "z":
		w, h = v.dims.X, v.dims.Y
		index = func(i, j int) int { return v.dims.Index(i, j, position) }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if n := v.axisLen(axis); position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	rect := image.Rect(0, 0, w, h)
	if v.mask == nil {
		img := image.NewGray(rect)
		for j := 0; j < h; j++ {
			for i := 0; i < w; i++ {
				img.SetGray(i, j, color.Gray{Y: v.gray(index(i, j))})
			}
		}
		return img, nil
	}

	img := image.NewRGBA(rect)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			img.SetRGBA(i, j, v.pixel(index(i, j)))
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveMidSlices writes the central slice along each axis to dir as
// <prefix>_<axis>.jpg and returns the written paths.
func (v *Viewer) SaveMidSlices(dir, prefix string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.axisLen(axis)/2)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := SaveSlice(img, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
