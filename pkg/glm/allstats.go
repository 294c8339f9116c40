package glm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Stats holds the model fit of the unpermuted design, produced for
// reporting alongside the test statistics.
type Stats struct {
	// Betas holds one row per design column (element-wise columns
	// included), each of length numFixels.
	Betas [][]float64

	// AbsEffect is the contrast of the betas, one row per contrast.
	AbsEffect [][]float64

	// StdDev is the pooled residual standard deviation per fixel.
	StdDev []float64

	// StdEffect is AbsEffect divided by StdDev, one row per contrast.
	StdEffect [][]float64
}

func newStats(numFactors, numContrasts, numFixels int) *Stats {
	stats := &Stats{
		Betas:     make([][]float64, numFactors),
		AbsEffect: make([][]float64, numContrasts),
		StdDev:    make([]float64, numFixels),
		StdEffect: make([][]float64, numContrasts),
	}
	for p := range stats.Betas {
		stats.Betas[p] = make([]float64, numFixels)
	}
	for c := range stats.AbsEffect {
		stats.AbsEffect[c] = make([]float64, numFixels)
		stats.StdEffect[c] = make([]float64, numFixels)
	}
	return stats
}

// AllStats fits the unpermuted model and reports betas, absolute and
// standardised effect sizes, and the residual standard deviation. The
// contrast matrix is the unscaled one.
func (g *Fixed) AllStats(contrasts *mat.Dense) *Stats {
	_, numFactors := g.design.Dims()
	numContrasts, _ := contrasts.Dims()
	stats := newStats(numFactors, numContrasts, g.fixels)

	rows, _ := g.design.Dims()
	df := rows - Rank(g.design)
	pinv := PseudoInverse(g.design)

	for lo := 0; lo < g.fixels; lo += BatchSize {
		hi := lo + BatchSize
		if hi > g.fixels {
			hi = g.fixels
		}
		batch := g.y.Slice(lo, hi, 0, g.samples).(*mat.Dense)

		var beta, fitted mat.Dense
		beta.Mul(batch, pinv.T())
		fitted.Mul(&beta, g.design.T())

		for r := 0; r < hi-lo; r++ {
			rss := 0.0
			for s := 0; s < g.samples; s++ {
				d := batch.At(r, s) - fitted.At(r, s)
				rss += d * d
			}
			fillStats(stats, lo+r, rowOf(&beta, r), contrasts, rss, df)
		}
	}
	return stats
}

// AllStats fits the unpermuted per-fixel models. Fixels whose design
// collapses entirely keep NaN statistics.
func (g *Variable) AllStats() *Stats {
	_, numFactors := g.design.Dims()
	total := numFactors + len(g.extras)
	numContrasts := g.NumContrasts()
	stats := newStats(total, numContrasts, g.fixels)

	identity := make([]int, g.samples)
	for i := range identity {
		identity[i] = i
	}

	for i := 0; i < g.fixels; i++ {
		design, y, df := g.designFor(i, identity)
		if design == nil {
			for p := 0; p < total; p++ {
				stats.Betas[p][i] = math.NaN()
			}
			for c := 0; c < numContrasts; c++ {
				stats.AbsEffect[c][i] = math.NaN()
				stats.StdEffect[c][i] = math.NaN()
			}
			stats.StdDev[i] = math.NaN()
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
		fillStats(stats, i, beta.RawVector().Data, g.contrasts, rss, df)
	}
	return stats
}

func fillStats(stats *Stats, fixel int, beta []float64, contrasts *mat.Dense, rss float64, df int) {
	for p := range beta {
		stats.Betas[p][fixel] = beta[p]
	}
	stdDev := math.NaN()
	if df > 0 {
		stdDev = math.Sqrt(rss / float64(df))
	}
	stats.StdDev[fixel] = stdDev

	numContrasts, cols := contrasts.Dims()
	for c := 0; c < numContrasts; c++ {
		effect := 0.0
		for p := 0; p < cols; p++ {
			effect += contrasts.At(c, p) * beta[p]
		}
		stats.AbsEffect[c][fixel] = effect
		stats.StdEffect[c][fixel] = effect / stdDev
	}
}

func rowOf(m *mat.Dense, r int) []float64 {
	_, cols := m.Dims()
	row := make([]float64, cols)
	for j := 0; j < cols; j++ {
		row[j] = m.At(r, j)
	}
	return row
}
