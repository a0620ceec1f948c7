package inference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"footseg/internal/models"
)

// Normalization selects how intensities are rescaled before inference
type Normalization string

const (
	NormalizeZScore Normalization = "zscore"
	NormalizeMinMax Normalization = "minmax"
	NormalizeNone   Normalization = "none"
)

// Normalizer maps raw intensities to the range the model was trained on:
// out = (in - Offset) * Scale.
type Normalizer struct {
	Mode   Normalization
	Offset float64
	Scale  float64

	// Min is the smallest raw intensity of the fitted volume, used as the
	// padding value for windows crossing the volume boundary.
	Min float64
}

// FitNormalizer computes normalization statistics over the whole volume.
// Statistics are gathered one z slice at a time so memory stays bounded
// by a single float64 slice buffer.
func FitNormalizer(mode Normalization, vol *models.Volume) (Normalizer, error) {
	n := Normalizer{Mode: mode, Scale: 1}
	plane := vol.Dims.X * vol.Dims.Y
	if plane == 0 || len(vol.Data) == 0 {
		return n, fmt.Errorf("cannot fit normalizer on an empty volume")
	}

	buf := make([]float64, plane)
	var count, sum float64
	var means, vars []float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for z := 0; z < vol.Dims.Z; z++ {
		for i, v := range vol.Data[z*plane : (z+1)*plane] {
			buf[i] = float64(v)
		}
		lo = math.Min(lo, floats.Min(buf))
		hi = math.Max(hi, floats.Max(buf))
		if mode == NormalizeZScore {
			m, v := stat.MeanVariance(buf, nil)
			means = append(means, m)
			vars = append(vars, v)
			sum += m * float64(plane)
		}
		count += float64(plane)
	}
	n.Min = lo

	switch mode {
	case NormalizeNone:
	case NormalizeMinMax:
		n.Offset = lo
		if hi > lo {
			n.Scale = 1 / (hi - lo)
		}
	case NormalizeZScore:
		// pooled variance over slices
		mean := sum / count
		var sumSqDev float64
		for i := range means {
			d := means[i] - mean
			sumSqDev += vars[i]*float64(plane-1) + d*d*float64(plane)
		}
		std := 0.0
		if count > 1 {
			std = math.Sqrt(sumSqDev / (count - 1))
		}
		n.Offset = mean
		if std > 0 {
			n.Scale = 1 / std
		}
	default:
		return n, fmt.Errorf("unknown normalization %q", mode)
	}
	return n, nil
}

// Apply normalizes data in place.
func (n Normalizer) Apply(data []float32) {
	if n.Mode == NormalizeNone || n.Mode == "" {
		return
	}
	for i, v := range data {
		data[i] = float32((float64(v) - n.Offset) * n.Scale)
	}
}
