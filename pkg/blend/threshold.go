package blend

import (
	"fmt"

	"footseg/internal/models"
)

// Labeling controls how probabilities become labels
type Labeling struct {
	// Threshold is the minimum probability of a foreground label
	Threshold float64

	// BackgroundChannel marks class 0 of a multi-class map as background.
	// Foreground class k is then labeled k; otherwise class k is labeled k+1.
	BackgroundChannel bool
}

// Threshold turns a probability map into a labeled mask. With a single
// class, voxels with p >= threshold get label 1. With several classes the
// most probable foreground class is chosen and kept when its probability
// is at least the threshold; every other voxel is background. Raising the
// threshold never adds foreground voxels.
func Threshold(pm *models.ProbabilityMap, geometry models.Geometry, l Labeling) (*models.Mask, error) {
	if pm.Classes < 1 || pm.Classes > 255 {
		return nil, fmt.Errorf("cannot label %d classes", pm.Classes)
	}
	n := pm.Dims.Len()
	if len(pm.Data) != pm.Classes*n {
		return nil, fmt.Errorf("probability map holds %d values, want %d", len(pm.Data), pm.Classes*n)
	}
	mask := &models.Mask{
		Labels:   make([]uint8, n),
		Dims:     pm.Dims,
		Geometry: geometry,
	}
	t := float32(l.Threshold)

	if pm.Classes == 1 {
		for i, p := range pm.Data {
			if p >= t {
				mask.Labels[i] = 1
			}
		}
		return mask, nil
	}

	first, offset := 0, 1
	if l.BackgroundChannel {
		first, offset = 1, 0
	}
	for i := 0; i < n; i++ {
		best, bestP := -1, float32(-1)
		for c := 0; c < pm.Classes; c++ {
			if p := pm.Data[c*n+i]; p > bestP {
				best, bestP = c, p
			}
		}
		if best >= first && bestP >= t {
			mask.Labels[i] = uint8(best + offset)
		}
	}
	return mask, nil
}

// ForegroundClasses returns how many labels a map with the given classes yields.
func (l Labeling) ForegroundClasses(classes int) int {
	if classes > 1 && l.BackgroundChannel {
		return classes - 1
	}
	return classes
}
