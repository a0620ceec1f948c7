package blend

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"footseg/internal/models"
	"footseg/pkg/tiling"
)

func cube(n int) models.Dims {
	return models.Dims{X: n, Y: n, Z: n}
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// blendAll tiles dims and feeds every window the probabilities returned by fn.
func blendAll(t *testing.T, dims, window models.Dims, overlap float64, scheme Scheme, fn func(w models.Window) []float32) *Accumulator {
	t.Helper()
	tiler, err := tiling.NewTiler(window, overlap)
	require.NoError(t, err)
	kernel, err := NewKernel(scheme, window, DefaultSigmaScale)
	require.NoError(t, err)
	acc, err := NewAccumulator(dims, 1, kernel)
	require.NoError(t, err)

	for _, w := range tiler.Regions(dims) {
		require.NoError(t, acc.Add(w, fn(w)))
	}
	return acc
}

func TestKernelUniform(t *testing.T) {
	k, err := NewKernel(Uniform, models.Dims{X: 3, Y: 2, Z: 1}, 0)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 1, 1, 1, 1, 1}, k.Weights)
}

func TestKernelGaussian(t *testing.T) {
	k, err := NewKernel(Gaussian, cube(9), DefaultSigmaScale)
	require.NoError(t, err)

	center := k.Weights[k.Size.Index(4, 4, 4)]
	require.InDelta(t, 1.0, center, 1e-12)
	for i, w := range k.Weights {
		require.Greater(t, w, 0.0, "weight %d", i)
		require.LessOrEqual(t, w, center)
	}
	require.Less(t, k.Weights[0], k.Weights[k.Size.Index(1, 1, 1)])

	// large windows keep strictly positive corners
	big, err := NewKernel(Gaussian, cube(128), 0.02)
	require.NoError(t, err)
	require.Greater(t, big.Weights[0], 0.0)

	_, err = NewKernel(Gaussian, cube(4), 0)
	require.Error(t, err)
	_, err = NewKernel("triangle", cube(4), 0)
	require.Error(t, err)
}

func TestWeightsPositiveAfterTiling(t *testing.T) {
	for _, scheme := range []Scheme{Uniform, Gaussian} {
		for _, overlap := range []float64{0.1, 0.5, 0.75} {
			acc := blendAll(t, models.Dims{X: 37, Y: 20, Z: 11}, models.Dims{X: 16, Y: 8, Z: 4}, overlap, scheme,
				func(w models.Window) []float32 { return constant(w.Size.Len(), 0.5) })
			require.Greater(t, acc.MinWeight(), 0.0, "%s overlap %v", scheme, overlap)
			require.Zero(t, acc.Uncovered())
		}
	}
}

func TestNormalizationKeepsConstantProbability(t *testing.T) {
	// overlap counts differ between edge and interior voxels; a constant
	// input must still come out constant everywhere
	for _, scheme := range []Scheme{Uniform, Gaussian} {
		acc := blendAll(t, models.Dims{X: 30, Y: 17, Z: 9}, cube(8), 0.5, scheme,
			func(w models.Window) []float32 { return constant(w.Size.Len(), 0.7) })
		pm := acc.Finalize()
		for i, p := range pm.Data {
			require.InDelta(t, 0.7, p, 1e-5, "%s voxel %d", scheme, i)
		}
	}
}

func TestUniformBlendAveragesOverlaps(t *testing.T) {
	dims := models.Dims{X: 4, Y: 1, Z: 1}
	kernel, err := NewKernel(Uniform, models.Dims{X: 2, Y: 1, Z: 1}, 0)
	require.NoError(t, err)
	acc, err := NewAccumulator(dims, 1, kernel)
	require.NoError(t, err)

	size := models.Dims{X: 2, Y: 1, Z: 1}
	require.NoError(t, acc.Add(models.Window{Origin: models.Dims{X: 0}, Size: size}, []float32{0.2, 0.4}))
	require.NoError(t, acc.Add(models.Window{Origin: models.Dims{X: 1}, Size: size}, []float32{0.8, 0.6}))

	pm := acc.Finalize()
	require.InDelta(t, 0.2, pm.Data[0], 1e-6)
	require.InDelta(t, 0.6, pm.Data[1], 1e-6)
	require.InDelta(t, 0.6, pm.Data[2], 1e-6)
	// never covered
	require.Equal(t, float32(0), pm.Data[3])
	require.Equal(t, 1, acc.Uncovered())
}

func TestPanickingProgressDoesNotStopBlending(t *testing.T) {
	size := models.Dims{X: 2, Y: 1, Z: 1}
	kernel, err := NewKernel(Uniform, size, 0)
	require.NoError(t, err)
	acc, err := NewAccumulator(models.Dims{X: 4, Y: 1, Z: 1}, 1, kernel)
	require.NoError(t, err)

	calls := 0
	acc.SetProgressCallback(2, func(completed, total int, message string) {
		calls++
		panic("progress sink closed")
	})

	require.NotPanics(t, func() {
		require.NoError(t, acc.Add(models.Window{Origin: models.Dims{X: 0}, Size: size}, []float32{1, 1}))
		require.NoError(t, acc.Add(models.Window{Origin: models.Dims{X: 2}, Size: size}, []float32{1, 1}))
	})
	require.Equal(t, 2, calls)
	require.Equal(t, 2, acc.Added())
	require.Equal(t, 0, acc.Uncovered())
}

func TestAddSkipsPadding(t *testing.T) {
	dims := models.Dims{X: 3, Y: 2, Z: 1}
	kernel, err := NewKernel(Uniform, cube(4), 0)
	require.NoError(t, err)
	acc, err := NewAccumulator(dims, 1, kernel)
	require.NoError(t, err)

	var calls int
	acc.SetProgressCallback(1, func(completed, total int, message string) { calls++ })
	require.NoError(t, acc.Add(models.Window{Size: cube(4)}, constant(64, 0.9)))
	require.Equal(t, 1, calls)

	pm := acc.Finalize()
	require.Len(t, pm.Data, 6)
	for _, p := range pm.Data {
		require.InDelta(t, 0.9, p, 1e-6)
	}
}

func TestAddRejectsWrongShapes(t *testing.T) {
	kernel, err := NewKernel(Uniform, cube(2), 0)
	require.NoError(t, err)
	acc, err := NewAccumulator(cube(4), 2, kernel)
	require.NoError(t, err)

	require.ErrorIs(t, acc.Add(models.Window{Size: cube(3)}, make([]float32, 54)), ErrWindowShape)
	require.ErrorIs(t, acc.Add(models.Window{Size: cube(2)}, make([]float32, 8)), ErrWindowShape)
	require.NoError(t, acc.Add(models.Window{Size: cube(2)}, make([]float32, 16)))
}

func TestThresholdUniformBelowIsBackground(t *testing.T) {
	pm := &models.ProbabilityMap{Classes: 1, Dims: cube(4), Data: constant(64, 0.4)}
	mask, err := Threshold(pm, models.DefaultGeometry(), Labeling{Threshold: 0.5})
	require.NoError(t, err)
	require.Zero(t, mask.Foreground())

	pm.Data = constant(64, 0.5)
	mask, err = Threshold(pm, models.DefaultGeometry(), Labeling{Threshold: 0.5})
	require.NoError(t, err)
	require.Equal(t, 64, mask.Foreground())
}

func TestThresholdMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, classes := range []int{1, 3} {
		n := cube(6).Len()
		pm := &models.ProbabilityMap{Classes: classes, Dims: cube(6), Data: make([]float32, classes*n)}
		for i := range pm.Data {
			pm.Data[i] = rng.Float32()
		}
		prev := n + 1
		for th := 0.1; th <= 0.9; th += 0.05 {
			mask, err := Threshold(pm, models.DefaultGeometry(), Labeling{Threshold: th, BackgroundChannel: classes > 1})
			require.NoError(t, err)
			fg := mask.Foreground()
			require.LessOrEqual(t, fg, prev, "classes %d threshold %.2f", classes, th)
			prev = fg
		}
	}
}

func TestThresholdMultiClass(t *testing.T) {
	dims := models.Dims{X: 3, Y: 1, Z: 1}
	pm := &models.ProbabilityMap{Classes: 3, Dims: dims, Data: []float32{
		0.8, 0.1, 0.2, // class 0
		0.1, 0.7, 0.3, // class 1
		0.1, 0.2, 0.5, // class 2
	}}

	mask, err := Threshold(pm, models.DefaultGeometry(), Labeling{Threshold: 0.5, BackgroundChannel: true})
	require.NoError(t, err)
	require.Equal(t, []uint8{0, 1, 2}, mask.Labels)

	mask, err = Threshold(pm, models.DefaultGeometry(), Labeling{Threshold: 0.6})
	require.NoError(t, err)
	require.Equal(t, []uint8{1, 2, 0}, mask.Labels)

	require.Equal(t, 2, Labeling{BackgroundChannel: true}.ForegroundClasses(3))
	require.Equal(t, 1, Labeling{BackgroundChannel: true}.ForegroundClasses(1))
}
