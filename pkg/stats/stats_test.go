package stats

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"fixelcfe/internal/models"
	"fixelcfe/pkg/cfe"
	"fixelcfe/pkg/connectivity"
	"fixelcfe/pkg/glm"
)

func TestGeneratePermutations(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	perms, err := GeneratePermutations(10, 5, rng)
	require.NoError(t, err)
	require.Len(t, perms, 10)

	for i, v := range perms[0] {
		assert.Equal(t, i, v, "the first permutation must be the identity")
	}

	seen := make(map[string]struct{})
	for _, perm := range perms {
		require.Len(t, perm, 5)
		key := permKey(perm)
		_, dup := seen[key]
		assert.False(t, dup, "duplicate permutation generated")
		seen[key] = struct{}{}
	}
}

func TestGeneratePermutationsExhaustion(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	// 3! = 6 permutations exist; exactly 6 must succeed, 7 must fail.
	perms, err := GeneratePermutations(6, 3, rng)
	require.NoError(t, err)
	assert.Len(t, perms, 6)

	_, err = GeneratePermutations(7, 3, rng)
	assert.ErrorIs(t, err, models.ErrPermutationSpaceExhausted)
}

func TestPermutationCapacitySaturates(t *testing.T) {
	assert.Equal(t, int64(120), permutationCapacity(5))
	assert.Equal(t, int64(math.MaxInt64), permutationCapacity(30))
}

func TestPermutationsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perms.txt")
	perms := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	require.NoError(t, SavePermutations(path, perms))

	loaded, err := LoadPermutations(path, 3)
	require.NoError(t, err)
	assert.Equal(t, perms, loaded)

	_, err = LoadPermutations(path, 4)
	assert.ErrorIs(t, err, models.ErrInputInvalid)
}

func TestFWEPValues(t *testing.T) {
	dist := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	p := FWEPValues(dist, []float64{9.5, 10, 11, 0.5, 0, -1})
	assert.InDelta(t, 0.1, p[0], 1e-12, "one max above 9.5")
	assert.InDelta(t, 0.1, p[1], 1e-12, "nothing strictly above the largest max, floored at 1/n")
	assert.InDelta(t, 0.1, p[2], 1e-12, "beyond the distribution cannot reach zero")
	assert.InDelta(t, 1.0, p[3], 1e-12, "below every max")
	assert.Equal(t, 0.0, p[4], "non-positive observation")
	assert.Equal(t, 0.0, p[5], "non-positive observation")
}

// stubTester scores the identity permutation high and every other
// permutation low, on a single fixel.
type stubTester struct{}

func (stubTester) TValues(perm []int, out [][]float64) {
	for i, v := range perm {
		if v != i {
			out[0][0] = 0.5
			return
		}
	}
	out[0][0] = 3.0
}

func (stubTester) NumContrasts() int { return 1 }

func (stubTester) NumFixels() int { return 1 }

func selfOnlyGraph(n int) *connectivity.Graph {
	rows := make([][]connectivity.Edge, n)
	for i := range rows {
		rows[i] = []connectivity.Edge{{Fixel: i, Value: 1}}
	}
	return &connectivity.Graph{Rows: rows}
}

func TestRunPinnedObserved(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	perms, err := GeneratePermutations(6, 3, rng)
	require.NoError(t, err)

	enhancer := cfe.NewEnhancer(selfOnlyGraph(1), 0.1, 1, 1)
	result, err := Run(context.Background(), stubTester{}, enhancer, perms, nil, 2)
	require.NoError(t, err)

	// CFE(3.0) integrates 30 height steps: 0.1 * sum(0.1k) = 4.65;
	// CFE(0.5) integrates 5: 0.15.
	assert.InDelta(t, 3.0, result.ObservedT[0][0], 1e-12)
	assert.InDelta(t, 4.65, result.ObservedCFE[0][0], 1e-9)
	assert.InDelta(t, 4.65, result.MaxDist[0][0], 1e-9, "identity pinned to column 0")
	for k := 1; k < 6; k++ {
		assert.InDelta(t, 0.15, result.MaxDist[0][k], 1e-9)
	}

	assert.InDelta(t, 1.0/6.0, result.UncorrectedP[0][0], 1e-12,
		"only the identity itself reaches the observed value")

	fwe := FWEPValues(result.MaxDist[0], result.ObservedCFE[0])
	assert.InDelta(t, 1.0/6.0, fwe[0], 1e-12)
}

func TestEmpiricalCFEAverages(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	perms, err := GeneratePermutations(6, 3, rng)
	require.NoError(t, err)

	enhancer := cfe.NewEnhancer(selfOnlyGraph(1), 0.1, 1, 1)
	empirical, err := EmpiricalCFE(context.Background(), stubTester{}, enhancer, perms, 2)
	require.NoError(t, err)

	// (4.65 + 5*0.15) / 6
	assert.InDelta(t, 0.9, empirical[0][0], 1e-9)
}

func TestRunWithAdjustment(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	perms, err := GeneratePermutations(6, 3, rng)
	require.NoError(t, err)

	enhancer := cfe.NewEnhancer(selfOnlyGraph(1), 0.1, 1, 1)
	empirical := [][]float64{{0.9}}
	result, err := Run(context.Background(), stubTester{}, enhancer, perms, empirical, 2)
	require.NoError(t, err)

	assert.InDelta(t, 4.65/0.9, result.ObservedCFE[0][0], 1e-9)
	assert.InDelta(t, 0.15/0.9, result.MaxDist[0][1], 1e-9)
	assert.InDelta(t, 1.0/6.0, result.UncorrectedP[0][0], 1e-12,
		"the tally is unaffected by a shared positive divisor")
}

// chainGraph links consecutive fixels with weight 0.5 plus self-loops.
func chainGraph(n int) *connectivity.Graph {
	rows := make([][]connectivity.Edge, n)
	for i := range rows {
		row := []connectivity.Edge{{Fixel: i, Value: 1}}
		if i > 0 {
			row = append([]connectivity.Edge{{Fixel: i - 1, Value: 0.5}}, row...)
		}
		if i < n-1 {
			row = append(row, connectivity.Edge{Fixel: i + 1, Value: 0.5})
		}
		rows[i] = row
	}
	return &connectivity.Graph{Rows: rows}
}

// Under pure noise the permutation maxima should be mutually consistent:
// the vast majority within a factor two of the median.
func TestNullDistributionSanity(t *testing.T) {
	const (
		numFixels   = 64
		numSubjects = 20
		numPerms    = 100
	)
	rng := rand.New(rand.NewSource(42))

	design := mat.NewDense(numSubjects, 2, nil)
	for s := 0; s < numSubjects; s++ {
		if s < numSubjects/2 {
			design.Set(s, 0, 1)
		} else {
			design.Set(s, 1, 1)
		}
	}
	contrasts := mat.NewDense(1, 2, []float64{1, -1})
	y := mat.NewDense(numFixels, numSubjects, nil)
	for i := 0; i < numFixels; i++ {
		for s := 0; s < numSubjects; s++ {
			y.Set(i, s, rng.NormFloat64())
		}
	}

	scaled, err := glm.ScaleContrasts(contrasts, design)
	require.NoError(t, err)
	tester := glm.NewFixed(y, design, scaled)

	perms, err := GeneratePermutations(numPerms, numSubjects, rng)
	require.NoError(t, err)

	enhancer := cfe.NewEnhancer(chainGraph(numFixels), 0.1, 1, 0)
	result, err := Run(context.Background(), tester, enhancer, perms, nil, 4)
	require.NoError(t, err)

	dist := append([]float64(nil), result.MaxDist[0]...)
	sort.Float64s(dist)
	median := dist[numPerms/2]
	require.Greater(t, median, 0.0)

	within := 0
	for _, v := range dist {
		if v >= median/2 && v <= median*2 {
			within++
		}
	}
	assert.GreaterOrEqual(t, within, 90, "null maxima spread wider than a factor two around the median")

	for i := 0; i < numFixels; i++ {
		p := result.UncorrectedP[0][i]
		assert.GreaterOrEqual(t, p, 1.0/numPerms)
		assert.LessOrEqual(t, p, 1.0)
	}
}
