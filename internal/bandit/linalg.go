package bandit

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PivotEpsilon is the smallest pivot magnitude Invert accepts. Smaller
// pivots are replaced by this value, so a near-singular matrix yields an
// approximate inverse instead of an error. A is always λI plus outer
// products, so this only triggers under severe floating-point degradation.
const PivotEpsilon = 1e-10

// Invert computes the inverse of a square matrix by Gauss-Jordan
// elimination with partial pivoting.
func Invert(a mat.Matrix) *mat.Dense {
	n, _ := a.Dims()
	aug := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, 2*n)
		for j := 0; j < n; j++ {
			row[j] = a.At(i, j)
		}
		row[n+i] = 1
		aug[i] = row
	}

	for col := 0; col < n; col++ {
		pivotRow := col
		maxAbs := math.Abs(aug[col][col])
		for r := col + 1; r < n; r++ {
			if v := math.Abs(aug[r][col]); v > maxAbs {
				maxAbs = v
				pivotRow = r
			}
		}
		aug[col], aug[pivotRow] = aug[pivotRow], aug[col]

		pivot := aug[col][col]
		if math.Abs(pivot) < PivotEpsilon {
			pivot = PivotEpsilon
			aug[col][col] = pivot
		}

		row := aug[col]
		for j := range row {
			row[j] /= pivot
		}

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			target := aug[r]
			for j := range target {
				target[j] -= factor * row[j]
			}
		}
	}

	inv := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			inv.Set(i, j, aug[i][n+j])
		}
	}
	return inv
}

func identity(n int, scale float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, scale)
	}
	return m
}

func rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		out[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
