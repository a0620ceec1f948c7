// Package volume samples 3D intensity volumes from disk or memory and
// writes label maps back in the same physical space.
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"footseg/internal/models"
)

// Source produces the volume a segmentation runs on.
type Source interface {
	Sample(ctx context.Context) (*models.Volume, error)
}

// SliceOptions configure sampling of slice directories.
type SliceOptions struct {
	PixelSpacing float64
	SliceGap     float64
	Workers      int
	Logger       *slog.Logger
}

// Open picks a Source for path: directories are read as slice stacks,
// .nii and .nii.gz files as NIfTI-1 volumes.
func Open(path string, opts SliceOptions) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return &SliceDirSource{
			Dir:          path,
			PixelSpacing: opts.PixelSpacing,
			SliceGap:     opts.SliceGap,
			Workers:      opts.Workers,
			Logger:       opts.Logger,
		}, nil
	}
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz") {
		return &NiftiSource{Path: path}, nil
	}
	return nil, fmt.Errorf("unsupported input %s: expected a slice directory or a .nii/.nii.gz file", path)
}

// NameOf derives a volume name from a file or directory path by dropping
// the directory and any .nii or .nii.gz extension.
func NameOf(path string) string {
	name := filepath.Base(filepath.Clean(path))
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// ArraySource wraps an in-memory volume.
type ArraySource struct {
	Volume *models.Volume
}

// Sample validates and returns the wrapped volume.
func (s ArraySource) Sample(ctx context.Context) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Volume.Validate(); err != nil {
		return nil, err
	}
	return s.Volume, nil
}

// FromArray builds an axis-aligned volume at the origin from a dense array
// in x-fastest order. The data slice is not copied.
func FromArray(name string, data []float32, dims models.Dims, spacing [3]float64) (*models.Volume, error) {
	g := models.DefaultGeometry()
	g.Spacing = spacing
	v := &models.Volume{Name: name, Data: data, Dims: dims, Geometry: g}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}
