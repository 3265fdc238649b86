package tracker

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// identity returns an n x n identity matrix
func identity(n int) *mat.Dense {

	m := mat.NewDense(n, n, nil)

	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}

	return m
}

// regularizedInverse inverts the square matrix a using Gauss-Jordan
// elimination with partial pivoting.  A pivot with magnitude below 1e-10 is
// replaced by 1e-6, so a near-singular innovation covariance yields a damped
// result instead of an error.  All matrices involved in the Kalman update are
// at most 7x7.
func regularizedInverse(a mat.Matrix) *mat.Dense {

	n, _ := a.Dims()

	// augmented matrix [A | I]
	aug := mat.NewDense(n, 2*n, nil)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			aug.Set(i, j, a.At(i, j))
		}
		aug.Set(i, n+i, 1)
	}

	for col := 0; col < n; col++ {

		// partial pivoting
		maxRow := col
		maxVal := math.Abs(aug.At(col, col))

		for row := col + 1; row < n; row++ {
			if v := math.Abs(aug.At(row, col)); v > maxVal {
				maxVal = v
				maxRow = row
			}
		}

		if maxRow != col {
			for j := 0; j < 2*n; j++ {
				v := aug.At(col, j)
				aug.Set(col, j, aug.At(maxRow, j))
				aug.Set(maxRow, j, v)
			}
		}

		pivot := aug.At(col, col)

		if math.Abs(pivot) < 1e-10 {
			pivot = 1e-6
			aug.Set(col, col, pivot)
		}

		for j := 0; j < 2*n; j++ {
			aug.Set(col, j, aug.At(col, j)/pivot)
		}

		for row := 0; row < n; row++ {
			if row == col {
				continue
			}

			factor := aug.At(row, col)

			for j := 0; j < 2*n; j++ {
				aug.Set(row, j, aug.At(row, j)-factor*aug.At(col, j))
			}
		}
	}

	inv := mat.NewDense(n, n, nil)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			inv.Set(i, j, aug.At(i, n+j))
		}
	}

	return inv
}
