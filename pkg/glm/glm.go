// Package glm implements the univariate general linear model t-test used by
// the permutation engine, in both its fixed-design and per-fixel
// variable-design forms.
package glm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"fixelcfe/internal/models"
)

// BatchSize is the number of fixels processed per matrix multiplication in
// the fixed-design path.
const BatchSize = 1024

// rankTolerance is the relative singular value cutoff used for both rank
// estimation and pseudo-inversion.
const rankTolerance = 1e-10

// PseudoInverse computes the Moore-Penrose pseudo-inverse of a through its
// thin SVD, zeroing singular values below a relative tolerance.
func PseudoInverse(a mat.Matrix) *mat.Dense {
	var svd mat.SVD
	svd.Factorize(a, mat.SVDThin)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	tol := 0.0
	if len(values) > 0 {
		tol = rankTolerance * values[0]
	}
	inv := make([]float64, len(values))
	for i, s := range values {
		if s > tol {
			inv[i] = 1 / s
		}
	}

	// Assemble V * diag(1/s) * U'.
	uRows, _ := u.Dims()
	scaled := mat.NewDense(len(values), uRows, nil)
	for i := range values {
		for j := 0; j < uRows; j++ {
			scaled.Set(i, j, inv[i]*u.At(j, i))
		}
	}
	var pinv mat.Dense
	pinv.Mul(&v, scaled)
	return &pinv
}

// Rank returns the numerical rank of a.
func Rank(a mat.Matrix) int {
	var svd mat.SVD
	svd.Factorize(a, mat.SVDNone)
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0
	}
	tol := rankTolerance * values[0]
	rank := 0
	for _, s := range values {
		if s > tol {
			rank++
		}
	}
	return rank
}

// NormaliseContrasts brings the contrast matrix into row form: a column
// vector is transposed, and the column count must then match the number of
// design columns (including any element-wise columns).
func NormaliseContrasts(contrasts *mat.Dense, designCols int) (*mat.Dense, error) {
	rows, cols := contrasts.Dims()
	if cols == 1 && rows == designCols && designCols > 1 {
		t := mat.NewDense(1, rows, nil)
		for i := 0; i < rows; i++ {
			t.Set(0, i, contrasts.At(i, 0))
		}
		return t, nil
	}
	if cols != designCols {
		return nil, fmt.Errorf("contrast matrix has %d columns, design has %d: %w",
			cols, designCols, models.ErrInputInvalid)
	}
	return contrasts, nil
}

// ScaleContrasts scales each contrast row c by sqrt(df / (c * pinv(X'X) * c'))
// so that the t-statistic reduces to beta.scaled_c / ||residual||.
func ScaleContrasts(contrasts, design *mat.Dense) (*mat.Dense, error) {
	rows, _ := design.Dims()
	df := rows - Rank(design)
	if df <= 0 {
		return nil, fmt.Errorf("design matrix admits no residual degrees of freedom: %w", models.ErrInputInvalid)
	}
	return scaleContrastsWithDF(contrasts, design, df)
}

func scaleContrastsWithDF(contrasts, design *mat.Dense, df int) (*mat.Dense, error) {
	var xtx mat.Dense
	xtx.Mul(design.T(), design)
	sc := PseudoInverse(&xtx)

	numContrasts, cols := contrasts.Dims()
	scaled := mat.NewDense(numContrasts, cols, nil)
	for c := 0; c < numContrasts; c++ {
		row := mat.NewVecDense(cols, nil)
		for j := 0; j < cols; j++ {
			row.SetVec(j, contrasts.At(c, j))
		}
		var tmp mat.VecDense
		tmp.MulVec(sc, row)
		variance := mat.Dot(row, &tmp)
		if variance <= 0 || math.IsNaN(variance) {
			return nil, fmt.Errorf("contrast row %d is not estimable under the design: %w", c, models.ErrInputInvalid)
		}
		alpha := math.Sqrt(float64(df) / variance)
		for j := 0; j < cols; j++ {
			scaled.Set(c, j, alpha*contrasts.At(c, j))
		}
	}
	return scaled, nil
}

// PermuteRows returns a copy of m with row i taken from m[perm[i]].
func PermuteRows(m *mat.Dense, perm []int) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, m.At(perm[i], j))
		}
	}
	return out
}
