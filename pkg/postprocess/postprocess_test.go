package postprocess

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"footseg/internal/models"
)

func newMask(d models.Dims) *models.Mask {
	return &models.Mask{Labels: make([]uint8, d.Len()), Dims: d, Geometry: models.DefaultGeometry()}
}

func fillBox(m *models.Mask, label uint8, x0, y0, z0, x1, y1, z1 int) {
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				m.Labels[m.Dims.Index(x, y, z)] = label
			}
		}
	}
}

func TestKeepLargestComponent(t *testing.T) {
	m := newMask(models.Dims{X: 10, Y: 10, Z: 4})
	fillBox(m, 1, 0, 0, 0, 4, 4, 4)  // 64 voxels
	fillBox(m, 1, 7, 7, 0, 9, 9, 1)  // 4 voxels, separate
	fillBox(m, 2, 6, 0, 0, 7, 3, 1)  // 3 voxels
	fillBox(m, 2, 9, 0, 0, 10, 1, 1) // 1 voxel

	// diagonal contact only: not 6-connected
	m.Labels[m.Dims.Index(4, 4, 3)] = 1

	require.NoError(t, KeepLargestComponent{}.Apply(context.Background(), m))
	require.Equal(t, 64, m.Count(1))
	require.Equal(t, 3, m.Count(2))
	require.Equal(t, uint8(0), m.Labels[m.Dims.Index(4, 4, 3)])
	require.Equal(t, uint8(0), m.Labels[m.Dims.Index(9, 0, 0)])
}

func TestKeepLargestComponentEmptyMask(t *testing.T) {
	m := newMask(models.Dims{X: 3, Y: 3, Z: 3})
	require.NoError(t, KeepLargestComponent{}.Apply(context.Background(), m))
	require.Zero(t, m.Foreground())
}

func TestChain(t *testing.T) {
	var order []string
	step := func(name string, err error) Filter {
		return FilterFunc(func(ctx context.Context, m *models.Mask) error {
			order = append(order, name)
			return err
		})
	}
	m := newMask(models.Dims{X: 1, Y: 1, Z: 1})

	require.NoError(t, Chain{step("a", nil), step("b", nil)}.Apply(context.Background(), m))
	require.Equal(t, []string{"a", "b"}, order)

	order = nil
	boom := errors.New("boom")
	err := Chain{step("a", boom), step("b", nil)}.Apply(context.Background(), m)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a"}, order)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	order = nil
	require.ErrorIs(t, Chain{step("a", nil)}.Apply(ctx, m), context.Canceled)
	require.Empty(t, order)
}
