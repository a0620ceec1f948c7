package volume

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"

	"footseg/internal/models"
)

// sliceExtensions lists the 2D image formats a slice directory may hold
var sliceExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// SliceDirSource loads a volume from a directory of 2D slices, one image
// per z position. Slices are ordered by the number embedded in their file
// names and must share the same dimensions.
type SliceDirSource struct {
	// Dir is the directory holding the slice images
	Dir string

	// PixelSpacing is the in-plane voxel size in mm (x and y)
	PixelSpacing float64

	// SliceGap is the physical distance between consecutive slices in mm
	SliceGap float64

	// Workers bounds parallel decoding; 0 uses all cores
	Workers int

	Logger *slog.Logger
}

// Sample decodes every slice and stacks them into a volume with intensities
// scaled to [0, 1].
func (s *SliceDirSource) Sample(ctx context.Context) (*models.Volume, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names, err := listSlices(s.Dir)
	if err != nil {
		return nil, err
	}

	slices := make([]models.Slice, len(names))
	g, ctx := errgroup.WithContext(ctx)
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g.SetLimit(workers)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := loadImage(filepath.Join(s.Dir, name))
			if err != nil {
				return fmt.Errorf("failed to load image %s: %w", name, err)
			}
			slices[i] = models.Slice{Image: img, Index: i, Filename: name}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bounds := slices[0].Image.Bounds()
	dims := models.Dims{X: bounds.Dx(), Y: bounds.Dy(), Z: len(slices)}
	if !dims.Positive() {
		return nil, fmt.Errorf("%w: slice %s has no pixels", models.ErrEmptyVolume, slices[0].Filename)
	}

	data := make([]float32, dims.Len())
	plane := dims.X * dims.Y
	for _, sl := range slices {
		b := sl.Image.Bounds()
		if b.Dx() != dims.X || b.Dy() != dims.Y {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d", sl.Filename, b.Dx(), b.Dy(), dims.X, dims.Y)
		}
		imageToFloat(sl.Image, data[sl.Index*plane:(sl.Index+1)*plane])
	}

	geometry := models.DefaultGeometry()
	if s.PixelSpacing > 0 {
		geometry.Spacing[0], geometry.Spacing[1] = s.PixelSpacing, s.PixelSpacing
	}
	if s.SliceGap > 0 {
		geometry.Spacing[2] = s.SliceGap
	}

	logger.Info("loaded slices", "dir", s.Dir, "count", dims.Z, "width", dims.X, "height", dims.Y,
		"sliceGap", geometry.Spacing[2])

	return &models.Volume{
		Name:     NameOf(s.Dir),
		Data:     data,
		Dims:     dims,
		Geometry: geometry,
	}, nil
}

// listSlices returns the image files of dir ordered by slice number.
func listSlices(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sliceExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no slice images found in %s", models.ErrEmptyVolume, dir)
	}

	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := extractNumber(names[i]), extractNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
	return names, nil
}

// extractNumber returns the digits of a file name read as one number,
// or 0 when the name has none.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	num, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return num
}

// loadImage decodes one slice in any registered format
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// imageToFloat writes the gray level of every pixel, scaled to [0, 1], into dst
func imageToFloat(img image.Image, dst []float32) {
	bounds := img.Bounds()
	width := bounds.Dx()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// ITU-R 601 luma on 16-bit channels
			lum := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
			dst[y*width+x] = float32(lum / 65535.0)
		}
	}
}
