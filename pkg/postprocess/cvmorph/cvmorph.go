// Package cvmorph implements slice-wise morphological mask filters on top
// of OpenCV. Each z slice of every label is processed as a binary image;
// voxels gained by a filter never overwrite another label.
package cvmorph

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"footseg/internal/models"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Closing fills gaps narrower than the elliptical structuring element.
type Closing struct {
	// Radius of the structuring element in pixels
	Radius int
}

func (c Closing) Apply(ctx context.Context, m *models.Mask) error {
	if c.Radius <= 0 {
		return nil
	}
	size := 2*c.Radius + 1
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: size, Y: size})
	defer kernel.Close()

	return eachLabelSlice(ctx, m, func(bin gocv.Mat) gocv.Mat {
		out := bin.Clone()
		gocv.MorphologyEx(bin, &out, gocv.MorphClose, kernel)
		return out
	})
}

// FillHoles fills every region enclosed by an outer contour.
type FillHoles struct{}

func (FillHoles) Apply(ctx context.Context, m *models.Mask) error {
	return eachLabelSlice(ctx, m, func(bin gocv.Mat) gocv.Mat {
		filled := gocv.NewMatWithSize(bin.Rows(), bin.Cols(), gocv.MatTypeCV8U)
		filled.SetTo(gocv.NewScalar(0, 0, 0, 0))

		contours := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxSimple)
		defer contours.Close()
		for i := 0; i < contours.Size(); i++ {
			gocv.DrawContours(&filled, contours, i, white, -1)
		}
		return filled
	})
}

// eachLabelSlice runs op on the binary image of every (label, z) pair
// present in m and merges the result back.
func eachLabelSlice(ctx context.Context, m *models.Mask, op func(gocv.Mat) gocv.Mat) error {
	d := m.Dims
	plane := d.X * d.Y
	bin := make([]byte, plane)

	for z := 0; z < d.Z; z++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		slice := m.Labels[z*plane : (z+1)*plane]

		var present [256]bool
		for _, l := range slice {
			present[l] = true
		}
		for label := 1; label < len(present); label++ {
			if !present[label] {
				continue
			}
			for i, l := range slice {
				bin[i] = 0
				if int(l) == label {
					bin[i] = 255
				}
			}

			src, err := gocv.NewMatFromBytes(d.Y, d.X, gocv.MatTypeCV8U, bin)
			if err != nil {
				return fmt.Errorf("slice %d label %d: %w", z, label, err)
			}
			dst := op(src)
			out := dst.ToBytes()
			src.Close()
			dst.Close()

			for i, v := range out {
				if v != 0 && slice[i] == 0 {
					slice[i] = uint8(label)
				}
			}
		}
	}
	return nil
}
