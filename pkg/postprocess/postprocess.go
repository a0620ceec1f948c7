// Package postprocess cleans up thresholded masks before they are written.
package postprocess

import (
	"context"
	"fmt"

	"footseg/internal/models"
)

// Filter modifies a mask in place.
type Filter interface {
	Apply(ctx context.Context, m *models.Mask) error
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, m *models.Mask) error

func (f FilterFunc) Apply(ctx context.Context, m *models.Mask) error { return f(ctx, m) }

// Chain applies its filters in order and stops at the first error.
type Chain []Filter

func (c Chain) Apply(ctx context.Context, m *models.Mask) error {
	for i, f := range c {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.Apply(ctx, m); err != nil {
			return fmt.Errorf("filter %d (%T): %w", i, f, err)
		}
	}
	return nil
}

// KeepLargestComponent removes every 6-connected component of a label
// except the largest one. Labels are processed independently.
type KeepLargestComponent struct{}

func (KeepLargestComponent) Apply(ctx context.Context, m *models.Mask) error {
	comp := make([]int32, len(m.Labels))
	var sizes []int
	var owner []uint8
	queue := make([]int, 0, 1024)

	d := m.Dims
	plane := d.X * d.Y
	for start, label := range m.Labels {
		if label == 0 || comp[start] != 0 {
			continue
		}
		if len(sizes)%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		id := int32(len(sizes) + 1)
		comp[start] = id
		size := 0
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++

			x, y, z := i%d.X, (i/d.X)%d.Y, i/plane
			visit := func(j int) {
				if comp[j] == 0 && m.Labels[j] == label {
					comp[j] = id
					queue = append(queue, j)
				}
			}
			if x > 0 {
				visit(i - 1)
			}
			if x < d.X-1 {
				visit(i + 1)
			}
			if y > 0 {
				visit(i - d.X)
			}
			if y < d.Y-1 {
				visit(i + d.X)
			}
			if z > 0 {
				visit(i - plane)
			}
			if z < d.Z-1 {
				visit(i + plane)
			}
		}
		sizes = append(sizes, size)
		owner = append(owner, label)
	}

	// largest component id per label; ties keep the first found
	best := make(map[uint8]int32)
	for i, size := range sizes {
		id := int32(i + 1)
		if cur, ok := best[owner[i]]; !ok || size > sizes[cur-1] {
			best[owner[i]] = id
		}
	}
	for i, c := range comp {
		if c != 0 && best[m.Labels[i]] != c {
			m.Labels[i] = 0
		}
	}
	return nil
}
