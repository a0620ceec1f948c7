// Package evaluation scores segmentations against reference masks and
// summarizes the uncertainty of probability maps.
package evaluation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"footseg/internal/models"
)

// ErrDimsMismatch is returned when two masks do not share a voxel grid.
var ErrDimsMismatch = errors.New("mask dimensions differ")

// Overlap holds the agreement between a predicted and a reference label.
// Ratios whose denominator is zero are 1 when nothing was missed, so two
// empty masks agree perfectly.
type Overlap struct {
	Label uint8

	TruePositives  int
	FalsePositives int
	FalseNegatives int

	// Dice is 2|P∩R| / (|P|+|R|)
	Dice float64

	// Jaccard is |P∩R| / |P∪R|
	Jaccard float64

	// Sensitivity (recall) is |P∩R| / |R|
	Sensitivity float64

	// Precision is |P∩R| / |P|
	Precision float64

	// VolumeDifference is (|P|-|R|) / |R|; +Inf for an empty reference
	// with a non-empty prediction
	VolumeDifference float64
}

func (o Overlap) String() string {
	return fmt.Sprintf("label %d: dice %.4f jaccard %.4f sensitivity %.4f precision %.4f volume diff %+.4f",
		o.Label, o.Dice, o.Jaccard, o.Sensitivity, o.Precision, o.VolumeDifference)
}

// Metrics is the result of Compare: the overlap of all foreground voxels
// and of every label found in either mask.
type Metrics struct {
	Foreground Overlap
	Labels     []Overlap
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 1
	}
	return float64(num) / float64(den)
}

func newOverlap(label uint8, tp, fp, fn int) Overlap {
	o := Overlap{Label: label, TruePositives: tp, FalsePositives: fp, FalseNegatives: fn}
	o.Dice = ratio(2*tp, 2*tp+fp+fn)
	o.Jaccard = ratio(tp, tp+fp+fn)
	o.Sensitivity = ratio(tp, tp+fn)
	o.Precision = ratio(tp, tp+fp)

	pred, ref := tp+fp, tp+fn
	switch {
	case ref > 0:
		o.VolumeDifference = float64(pred-ref) / float64(ref)
	case pred > 0:
		o.VolumeDifference = math.Inf(1)
	}
	return o
}

// Compare computes overlap metrics of pred against ref.
func Compare(pred, ref *models.Mask) (*Metrics, error) {
	if pred.Dims != ref.Dims || len(pred.Labels) != len(ref.Labels) {
		return nil, fmt.Errorf("%w: %s vs %s", ErrDimsMismatch, pred.Dims, ref.Dims)
	}

	type counts struct{ tp, fp, fn int }
	perLabel := make(map[uint8]*counts)
	get := func(l uint8) *counts {
		c, ok := perLabel[l]
		if !ok {
			c = &counts{}
			perLabel[l] = c
		}
		return c
	}

	var fg counts
	for i, p := range pred.Labels {
		r := ref.Labels[i]
		switch {
		case p != 0 && r != 0:
			fg.tp++
		case p != 0:
			fg.fp++
		case r != 0:
			fg.fn++
		}

		if p == r {
			if p != 0 {
				get(p).tp++
			}
			continue
		}
		if p != 0 {
			get(p).fp++
		}
		if r != 0 {
			get(r).fn++
		}
	}

	m := &Metrics{Foreground: newOverlap(0, fg.tp, fg.fp, fg.fn)}
	for l, c := range perLabel {
		m.Labels = append(m.Labels, newOverlap(l, c.tp, c.fp, c.fn))
	}
	sort.Slice(m.Labels, func(i, j int) bool { return m.Labels[i].Label < m.Labels[j].Label })
	return m, nil
}

// MeanEntropy returns the average per-voxel entropy (in nats) of a
// probability map. Single-class maps are read as Bernoulli distributions;
// multi-class maps as categorical ones, renormalized per voxel. A confident
// map scores near 0.
func MeanEntropy(pm *models.ProbabilityMap) float64 {
	n := pm.Dims.Len()
	if n == 0 {
		return 0
	}

	var dist []float64
	if pm.Classes == 1 {
		dist = make([]float64, 2)
	} else {
		dist = make([]float64, pm.Classes)
	}

	total := 0.0
	for i := 0; i < n; i++ {
		if pm.Classes == 1 {
			p := float64(pm.Data[i])
			dist[0], dist[1] = p, 1-p
		} else {
			sum := 0.0
			for c := range dist {
				dist[c] = float64(pm.Data[c*n+i])
				sum += dist[c]
			}
			if sum > 0 {
				for c := range dist {
					dist[c] /= sum
				}
			}
		}
		total += stat.Entropy(dist)
	}
	return total / float64(n)
}
