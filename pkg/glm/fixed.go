package glm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Fixed is the fixed-design t-test: one design matrix shared by every
// fixel, with all measurements finite. The heavy lifting is batched matrix
// multiplication over blocks of fixels.
type Fixed struct {
	y       *mat.Dense // numFixels x numSubjects
	design  *mat.Dense // numSubjects x numFactors
	scaled  *mat.Dense // numContrasts x numFactors
	fixels  int
	samples int
}

// NewFixed prepares a fixed-design test over the measurement matrix y
// (one row per fixel) with pre-scaled contrasts.
func NewFixed(y, design, scaledContrasts *mat.Dense) *Fixed {
	fixels, samples := y.Dims()
	return &Fixed{
		y:       y,
		design:  design,
		scaled:  scaledContrasts,
		fixels:  fixels,
		samples: samples,
	}
}

// NumContrasts returns the number of contrast rows.
func (g *Fixed) NumContrasts() int {
	rows, _ := g.scaled.Dims()
	return rows
}

// NumFixels returns the number of measurement rows.
func (g *Fixed) NumFixels() int {
	return g.fixels
}

// TValues computes the t-statistic of every fixel under the subject
// permutation perm and writes it into out, one row per contrast. Non-finite
// statistics are replaced with zero.
func (g *Fixed) TValues(perm []int, out [][]float64) {
	sx := PermuteRows(g.design, perm)
	pinvSX := PseudoInverse(sx)
	numContrasts, numFactors := g.scaled.Dims()

	for lo := 0; lo < g.fixels; lo += BatchSize {
		hi := lo + BatchSize
		if hi > g.fixels {
			hi = g.fixels
		}
		batch := g.y.Slice(lo, hi, 0, g.samples).(*mat.Dense)

		var beta, fitted mat.Dense
		beta.Mul(batch, pinvSX.T())
		fitted.Mul(&beta, sx.T())

		for r := 0; r < hi-lo; r++ {
			rss := 0.0
			for s := 0; s < g.samples; s++ {
				d := batch.At(r, s) - fitted.At(r, s)
				rss += d * d
			}
			norm := math.Sqrt(rss)
			for c := 0; c < numContrasts; c++ {
				dot := 0.0
				for p := 0; p < numFactors; p++ {
					dot += beta.At(r, p) * g.scaled.At(c, p)
				}
				t := dot / norm
				if math.IsNaN(t) || math.IsInf(t, 0) {
					t = 0
				}
				out[c][lo+r] = t
			}
		}
	}
}
