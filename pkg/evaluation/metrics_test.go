package evaluation

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"footseg/internal/models"
)

func mask(labels ...uint8) *models.Mask {
	return &models.Mask{Labels: labels, Dims: models.Dims{X: len(labels), Y: 1, Z: 1}}
}

func TestCompareIdentical(t *testing.T) {
	m := mask(0, 1, 1, 2)
	got, err := Compare(m, m)
	require.NoError(t, err)
	require.Equal(t, 1.0, got.Foreground.Dice)
	require.Equal(t, 0.0, got.Foreground.VolumeDifference)
	require.Len(t, got.Labels, 2)
	for _, o := range got.Labels {
		require.Equal(t, 1.0, o.Jaccard, "label %d", o.Label)
	}
}

func TestComparePartialOverlap(t *testing.T) {
	pred := mask(1, 1, 1, 0, 0, 2)
	ref := mask(0, 1, 1, 1, 0, 1)

	got, err := Compare(pred, ref)
	require.NoError(t, err)

	want := Overlap{
		TruePositives: 3, FalsePositives: 1, FalseNegatives: 1,
		Dice: 6.0 / 8, Jaccard: 3.0 / 5, Sensitivity: 3.0 / 4, Precision: 3.0 / 4,
		VolumeDifference: 0,
	}
	if diff := cmp.Diff(want, got.Foreground, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("foreground overlap mismatch (-want +got):\n%s", diff)
	}

	// label 1: pred {0,1,2}, ref {1,2,3,5}
	l1 := got.Labels[0]
	require.Equal(t, uint8(1), l1.Label)
	require.Equal(t, 2, l1.TruePositives)
	require.Equal(t, 1, l1.FalsePositives)
	require.Equal(t, 2, l1.FalseNegatives)
	require.InDelta(t, -0.25, l1.VolumeDifference, 1e-12)

	// label 2 exists only in the prediction
	l2 := got.Labels[1]
	require.Equal(t, uint8(2), l2.Label)
	require.Zero(t, l2.Dice)
	require.True(t, math.IsInf(l2.VolumeDifference, 1))
	require.Equal(t, 1.0, l2.Sensitivity)
}

func TestCompareEmpty(t *testing.T) {
	got, err := Compare(mask(0, 0), mask(0, 0))
	require.NoError(t, err)
	require.Equal(t, 1.0, got.Foreground.Dice)
	require.Empty(t, got.Labels)
}

func TestCompareDimsMismatch(t *testing.T) {
	_, err := Compare(mask(0, 1), mask(0, 1, 1))
	require.ErrorIs(t, err, ErrDimsMismatch)
}

func TestMeanEntropy(t *testing.T) {
	dims := models.Dims{X: 2, Y: 1, Z: 1}

	certain := &models.ProbabilityMap{Classes: 1, Dims: dims, Data: []float32{0, 1}}
	require.InDelta(t, 0, MeanEntropy(certain), 1e-12)

	unsure := &models.ProbabilityMap{Classes: 1, Dims: dims, Data: []float32{0.5, 0.5}}
	require.InDelta(t, math.Ln2, MeanEntropy(unsure), 1e-6)

	uniform := &models.ProbabilityMap{Classes: 4, Dims: dims, Data: []float32{
		0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1,
	}}
	require.InDelta(t, math.Log(4), MeanEntropy(uniform), 1e-6)
}
