package volume

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"footseg/internal/models"
)

// Affine returns the 4x4 matrix mapping voxel indices (i, j, k, 1) to
// physical coordinates: columns are direction*spacing, the last column is
// the origin.
func Affine(g models.Geometry) *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.Set(r, c, g.Direction[r*3+c]*g.Spacing[c])
		}
		a.Set(r, 3, g.Origin[r])
	}
	a.Set(3, 3, 1)
	return a
}

// GeometryFromAffine splits a voxel-to-physical affine into spacing,
// direction and origin. Degenerate columns fall back to unit spacing along
// the matching axis.
func GeometryFromAffine(a mat.Matrix) models.Geometry {
	g := models.DefaultGeometry()
	for c := 0; c < 3; c++ {
		col := mat.NewVecDense(3, []float64{a.At(0, c), a.At(1, c), a.At(2, c)})
		norm := mat.Norm(col, 2)
		if norm == 0 || math.IsNaN(norm) {
			continue
		}
		g.Spacing[c] = norm
		for r := 0; r < 3; r++ {
			g.Direction[r*3+c] = col.AtVec(r) / norm
		}
	}
	for r := 0; r < 3; r++ {
		g.Origin[r] = a.At(r, 3)
	}
	return g
}

// Physical maps a voxel index to physical coordinates in mm.
func Physical(g models.Geometry, i, j, k float64) [3]float64 {
	var out mat.VecDense
	out.MulVec(Affine(g), mat.NewVecDense(4, []float64{i, j, k, 1}))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// directionMatrix returns the direction cosines as a 3x3 matrix.
func directionMatrix(g models.Geometry) *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), g.Direction[:]...))
}

// quaternToDirection converts NIfTI quaternion parameters into a direction
// matrix. qfac flips the third axis for left-handed grids.
func quaternToDirection(b, c, d, qfac float64) [9]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation; renormalize b, c, d
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	if qfac == 0 {
		qfac = 1
	}
	return [9]float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c) * qfac,
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b) * qfac,
		2 * (b*d - a*c), 2 * (c*d + a*b), (a*a + d*d - c*c - b*b) * qfac,
	}
}

// directionToQuatern converts a direction matrix into NIfTI quaternion
// parameters (b, c, d) and qfac.
func directionToQuatern(g models.Geometry) (b, c, d, qfac float64) {
	m := directionMatrix(g)
	qfac = 1
	if mat.Det(m) < 0 {
		qfac = -1
		for r := 0; r < 3; r++ {
			m.Set(r, 2, -m.At(r, 2))
		}
	}
	r11, r12, r13 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	r21, r22, r23 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	r31, r32, r33 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var a float64
	if trace := r11 + r22 + r33 + 1; trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}
