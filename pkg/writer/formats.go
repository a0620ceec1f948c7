package writer

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"footseg/internal/models"
	"footseg/pkg/stl"
	"footseg/pkg/volume"
)

// NiftiWriter writes the label map as a uint8 NIfTI-1 file. Paths ending
// in .gz are gzip-compressed.
type NiftiWriter struct {
	Path string
}

func (w NiftiWriter) Name() string { return "nifti" }

func (w NiftiWriter) Stage(ctx context.Context, seg *models.Segmentation) (Staged, error) {
	return stage(ctx, func(s *staging) error {
		return s.writeFile(w.Path, func(f *os.File) error {
			return volume.WriteLabelMap(f, seg.Mask, seg.Name, volume.IsCompressed(w.Path))
		})
	})
}

// segmentsFile is the YAML sidecar layout
type segmentsFile struct {
	Name     string           `yaml:"name"`
	Dims     [3]int           `yaml:"dims,flow"`
	Spacing  [3]float64       `yaml:"spacing,flow"`
	Origin   [3]float64       `yaml:"origin,flow"`
	Segments []models.Segment `yaml:"segments"`
}

// SegmentsWriter writes a YAML description of every segment.
type SegmentsWriter struct {
	Path string
}

func (w SegmentsWriter) Name() string { return "segments" }

func (w SegmentsWriter) Stage(ctx context.Context, seg *models.Segmentation) (Staged, error) {
	doc := segmentsFile{
		Name:     seg.Name,
		Dims:     [3]int{seg.Mask.Dims.X, seg.Mask.Dims.Y, seg.Mask.Dims.Z},
		Spacing:  seg.Mask.Spacing,
		Origin:   seg.Mask.Origin,
		Segments: seg.Segments,
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segments: %w", err)
	}
	return stage(ctx, func(s *staging) error {
		return s.writeFile(w.Path, func(f *os.File) error {
			_, err := f.Write(data)
			return err
		})
	})
}

// ReadSegments loads a sidecar written by SegmentsWriter.
func ReadSegments(path string) ([]models.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc segmentsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse segments file: %w", err)
	}
	return doc.Segments, nil
}

// TIFFWriter writes one deflate-compressed 8-bit TIFF per z slice holding
// the raw label values.
type TIFFWriter struct {
	Dir string
}

func (w TIFFWriter) Name() string { return "tiff" }

func (w TIFFWriter) Stage(ctx context.Context, seg *models.Segmentation) (Staged, error) {
	m := seg.Mask
	plane := m.Dims.X * m.Dims.Y
	return stage(ctx, func(s *staging) error {
		for z := 0; z < m.Dims.Z; z++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			img := &image.Gray{
				Pix:    m.Labels[z*plane : (z+1)*plane],
				Stride: m.Dims.X,
				Rect:   image.Rect(0, 0, m.Dims.X, m.Dims.Y),
			}
			path := filepath.Join(w.Dir, fmt.Sprintf("%s_%04d.tif", fileName(seg.Name), z))
			err := s.writeFile(path, func(f *os.File) error {
				bw := bufio.NewWriter(f)
				if err := tiff.Encode(bw, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
					return err
				}
				return bw.Flush()
			})
			if err != nil {
				return fmt.Errorf("slice %d: %w", z, err)
			}
		}
		return nil
	})
}

// STLWriter writes one binary STL surface per segment, placed in the
// physical space of the mask.
type STLWriter struct {
	Dir string
}

func (w STLWriter) Name() string { return "stl" }

func (w STLWriter) Stage(ctx context.Context, seg *models.Segmentation) (Staged, error) {
	return stage(ctx, func(s *staging) error {
		for _, segment := range seg.Segments {
			if err := ctx.Err(); err != nil {
				return err
			}
			if segment.VoxelCount == 0 {
				continue
			}
			surface := stl.NewVoxelSurface(seg.Mask, segment.Label)
			surface.SetGeometry(seg.Mask.Geometry)
			triangles := surface.GenerateTriangles()

			path := filepath.Join(w.Dir, fmt.Sprintf("%s_%s.stl", fileName(seg.Name), fileName(segment.Name)))
			err := s.writeFile(path, func(f *os.File) error {
				bw := bufio.NewWriter(f)
				if err := stl.WriteSTL(bw, segment.Name, triangles); err != nil {
					return err
				}
				return bw.Flush()
			})
			if err != nil {
				return fmt.Errorf("segment %s: %w", segment.Name, err)
			}
		}
		return nil
	})
}

// fileName turns a segment or segmentation name into a single path element.
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == filepath.Separator {
			return '_'
		}
		return r
	}, name)
}
