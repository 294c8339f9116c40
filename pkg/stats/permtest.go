package stats

import (
	"context"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"fixelcfe/pkg/cfe"
)

// TTester computes per-fixel t-statistics under a subject permutation. Both
// GLM paths satisfy it.
type TTester interface {
	TValues(perm []int, out [][]float64)
	NumContrasts() int
	NumFixels() int
}

// Result holds everything the permutation run produces. All matrices are
// indexed contrast-first.
type Result struct {
	// ObservedT holds the t-statistics of the identity permutation.
	ObservedT [][]float64

	// ObservedCFE holds the enhanced observed map, divided by the
	// empirical statistic when non-stationarity adjustment is active.
	ObservedCFE [][]float64

	// MaxDist holds the maximum adjusted enhanced value of each
	// permutation, one row per contrast; column 0 is the identity.
	MaxDist [][]float64

	// UncorrectedP holds the fraction of permutations whose enhanced
	// value at each fixel reached the observed one.
	UncorrectedP [][]float64
}

// Run executes the full permutation test. The identity permutation (perms
// row 0) is evaluated first and pinned as the observed statistic; the
// remaining permutations are distributed over a worker pool that pulls
// indices from a shared atomic counter. empirical may be nil to disable
// non-stationarity adjustment.
func Run(ctx context.Context, tester TTester, enhancer *cfe.Enhancer, perms [][]int, empirical [][]float64, workers int) (*Result, error) {
	numContrasts := tester.NumContrasts()
	numFixels := tester.NumFixels()
	numPerms := len(perms)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	result := &Result{
		ObservedT:    makeMatrix(numContrasts, numFixels),
		ObservedCFE:  makeMatrix(numContrasts, numFixels),
		MaxDist:      makeMatrix(numContrasts, numPerms),
		UncorrectedP: makeMatrix(numContrasts, numFixels),
	}

	// Observed statistic first: the uncorrected tally needs it before any
	// worker can score a permutation.
	observedRaw := makeMatrix(numContrasts, numFixels)
	tester.TValues(perms[0], result.ObservedT)
	for c := 0; c < numContrasts; c++ {
		enhancer.Enhance(result.ObservedT[c], observedRaw[c])
		result.MaxDist[c][0] = adjustInto(result.ObservedCFE[c], observedRaw[c], empiricalRow(empirical, c))
	}

	tallies := make([][][]float64, workers)
	var next int64 = 1

	group, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		tally := makeMatrix(numContrasts, numFixels)
		tallies[w] = tally
		group.Go(func() error {
			tvals := makeMatrix(numContrasts, numFixels)
			raw := make([]float64, numFixels)
			adjusted := make([]float64, numFixels)
			for {
				k := int(atomic.AddInt64(&next, 1)) - 1
				if k >= numPerms {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				tester.TValues(perms[k], tvals)
				for c := 0; c < numContrasts; c++ {
					enhancer.Enhance(tvals[c], raw)
					result.MaxDist[c][k] = adjustInto(adjusted, raw, empiricalRow(empirical, c))
					for i := 0; i < numFixels; i++ {
						if raw[i] >= observedRaw[c][i] {
							tally[c][i]++
						}
					}
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	// The identity permutation counts itself, so no uncorrected p-value
	// can fall below 1/numPerms.
	for c := 0; c < numContrasts; c++ {
		for i := 0; i < numFixels; i++ {
			count := 1.0
			for w := range tallies {
				count += tallies[w][c][i]
			}
			result.UncorrectedP[c][i] = count / float64(numPerms)
		}
	}
	return result, nil
}

// adjustInto writes raw divided elementwise by empirical into dst and
// returns the maximum written value. A nil or non-positive divisor entry
// yields zero (nil empirical leaves values unadjusted).
func adjustInto(dst, raw, empirical []float64) float64 {
	maxVal := 0.0
	for i := range raw {
		v := raw[i]
		if empirical != nil {
			if empirical[i] > 0 {
				v /= empirical[i]
			} else {
				v = 0
			}
		}
		dst[i] = v
		if v > maxVal {
			maxVal = v
		}
	}
	return maxVal
}

func empiricalRow(empirical [][]float64, c int) []float64 {
	if empirical == nil {
		return nil
	}
	return empirical[c]
}

// EmpiricalCFE runs the non-stationarity pre-pass: the per-fixel mean of
// the enhanced statistic across the given permutations, one row per
// contrast.
func EmpiricalCFE(ctx context.Context, tester TTester, enhancer *cfe.Enhancer, perms [][]int, workers int) ([][]float64, error) {
	numContrasts := tester.NumContrasts()
	numFixels := tester.NumFixels()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	sums := make([][][]float64, workers)
	var next int64

	group, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		sum := makeMatrix(numContrasts, numFixels)
		sums[w] = sum
		group.Go(func() error {
			tvals := makeMatrix(numContrasts, numFixels)
			enhanced := make([]float64, numFixels)
			for {
				k := int(atomic.AddInt64(&next, 1)) - 1
				if k >= len(perms) {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				tester.TValues(perms[k], tvals)
				for c := 0; c < numContrasts; c++ {
					enhancer.Enhance(tvals[c], enhanced)
					for i := 0; i < numFixels; i++ {
						sum[c][i] += enhanced[i]
					}
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	empirical := makeMatrix(numContrasts, numFixels)
	for c := 0; c < numContrasts; c++ {
		for i := 0; i < numFixels; i++ {
			total := 0.0
			for w := range sums {
				total += sums[w][c][i]
			}
			empirical[c][i] = total / float64(len(perms))
		}
	}
	return empirical, nil
}

// FWEPValues converts a max-statistic distribution into family-wise error
// corrected p-values. The p-value of an observed value is the fraction of
// permutation maxima strictly greater than it, floored at 1/numPerms for
// positive observations; non-positive observations map to zero.
func FWEPValues(dist, observed []float64) []float64 {
	sorted := append([]float64(nil), dist...)
	sort.Float64s(sorted)
	n := float64(len(sorted))

	pvalues := make([]float64, len(observed))
	for i, obs := range observed {
		if obs <= 0 {
			pvalues[i] = 0
			continue
		}
		idx := sort.SearchFloat64s(sorted, obs)
		for idx < len(sorted) && sorted[idx] == obs {
			idx++
		}
		p := 1 - float64(idx)/n
		if p < 1/n {
			p = 1 / n
		}
		pvalues[i] = p
	}
	return pvalues
}

func makeMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
