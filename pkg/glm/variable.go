package glm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Variable is the per-fixel t-test used when the design differs between
// fixels: element-wise columns append a fixel-specific regressor per
// subject, and subjects with non-finite measurements or regressors are
// dropped row-wise. This path is also taken whenever the measurement matrix
// contains NaN, even without element-wise columns.
type Variable struct {
	y         *mat.Dense   // numFixels x numSubjects
	design    *mat.Dense   // numSubjects x numFactors
	extras    []*mat.Dense // per element-wise column, numFixels x numSubjects
	contrasts *mat.Dense   // unscaled, numContrasts x (numFactors+len(extras))
	fixels    int
	samples   int
}

// NewVariable prepares a variable-design test. The contrast matrix is
// unscaled; scaling happens per fixel because the degrees of freedom depend
// on how many subjects survive the row drop.
func NewVariable(y, design *mat.Dense, extras []*mat.Dense, contrasts *mat.Dense) *Variable {
	fixels, samples := y.Dims()
	return &Variable{
		y:         y,
		design:    design,
		extras:    extras,
		contrasts: contrasts,
		fixels:    fixels,
		samples:   samples,
	}
}

// NumContrasts returns the number of contrast rows.
func (g *Variable) NumContrasts() int {
	rows, _ := g.contrasts.Dims()
	return rows
}

// NumFixels returns the number of measurement rows.
func (g *Variable) NumFixels() int {
	return g.fixels
}

// designFor assembles the full design matrix of one fixel under a subject
// permutation, then drops every row whose measurement or element-wise
// regressor is non-finite. It returns the kept design, the kept
// measurements and the residual degrees of freedom.
func (g *Variable) designFor(fixel int, perm []int) (*mat.Dense, *mat.VecDense, int) {
	_, numFactors := g.design.Dims()
	total := numFactors + len(g.extras)

	keptRows := make([][]float64, 0, g.samples)
	keptY := make([]float64, 0, g.samples)
	for s := 0; s < g.samples; s++ {
		y := g.y.At(fixel, s)
		if !isFinite(y) {
			continue
		}
		row := make([]float64, total)
		ok := true
		for p := 0; p < numFactors; p++ {
			row[p] = g.design.At(perm[s], p)
		}
		for e, extra := range g.extras {
			v := extra.At(fixel, perm[s])
			if !isFinite(v) {
				ok = false
				break
			}
			row[numFactors+e] = v
		}
		if !ok {
			continue
		}
		keptRows = append(keptRows, row)
		keptY = append(keptY, y)
	}
	if len(keptRows) == 0 {
		return nil, nil, 0
	}

	design := mat.NewDense(len(keptRows), total, nil)
	for r, row := range keptRows {
		design.SetRow(r, row)
	}
	df := len(keptRows) - Rank(design)
	return design, mat.NewVecDense(len(keptY), keptY), df
}

// TValues computes the t-statistic of every fixel under the subject
// permutation perm and writes it into out, one row per contrast.
func (g *Variable) TValues(perm []int, out [][]float64) {
	numContrasts := g.NumContrasts()
	for i := 0; i < g.fixels; i++ {
		design, y, df := g.designFor(i, perm)
		if design == nil || df <= 0 {
			for c := 0; c < numContrasts; c++ {
				out[c][i] = 0
			}
			continue
		}
		scaled, err := scaleContrastsWithDF(g.contrasts, design, df)
		if err != nil {
			for c := 0; c < numContrasts; c++ {
				out[c][i] = 0
			}
			continue
		}

		pinv := PseudoInverse(design)
		var beta mat.VecDense
		beta.MulVec(pinv, y)

		var fitted mat.VecDense
		fitted.MulVec(design, &beta)
		rss := 0.0
		for r := 0; r < y.Len(); r++ {
			d := y.AtVec(r) - fitted.AtVec(r)
			rss += d * d
		}
		norm := math.Sqrt(rss)

		_, total := design.Dims()
		for c := 0; c < numContrasts; c++ {
			dot := 0.0
			for p := 0; p < total; p++ {
				dot += beta.AtVec(p) * scaled.At(c, p)
			}
			t := dot / norm
			if math.IsNaN(t) || math.IsInf(t, 0) {
				t = 0
			}
			out[c][i] = t
		}
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
