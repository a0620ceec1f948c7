package inference

import (
	"fmt"
	"math"
)

// Activation converts raw network outputs into probabilities
type Activation string

const (
	ActivationSigmoid Activation = "sigmoid"
	ActivationSoftmax Activation = "softmax"
	ActivationNone    Activation = "none"
)

// ParseActivation validates an activation name.
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(s); a {
	case ActivationSigmoid, ActivationSoftmax, ActivationNone:
		return a, nil
	case "":
		return ActivationSigmoid, nil
	default:
		return "", fmt.Errorf("unknown output activation %q", s)
	}
}

// Apply transforms data in place. data holds classes planes of voxels values.
func (a Activation) Apply(data []float32, classes, voxels int) {
	switch a {
	case ActivationSigmoid:
		for i, v := range data {
			data[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case ActivationSoftmax:
		if classes == 1 {
			for i := range data {
				data[i] = 1
			}
			return
		}
		for j := 0; j < voxels; j++ {
			peak := math.Inf(-1)
			for c := 0; c < classes; c++ {
				peak = math.Max(peak, float64(data[c*voxels+j]))
			}
			var total float64
			for c := 0; c < classes; c++ {
				e := math.Exp(float64(data[c*voxels+j]) - peak)
				data[c*voxels+j] = float32(e)
				total += e
			}
			for c := 0; c < classes; c++ {
				data[c*voxels+j] = float32(float64(data[c*voxels+j]) / total)
			}
		}
	}
}
