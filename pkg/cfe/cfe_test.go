package cfe

import (
	"math"
	"testing"

	"fixelcfe/pkg/connectivity"
)

// pairGraph is two fixels fully connected with edge value v plus unit
// self-loops.
func pairGraph(v float64) *connectivity.Graph {
	return &connectivity.Graph{Rows: [][]connectivity.Edge{
		{{Fixel: 0, Value: 1}, {Fixel: 1, Value: v}},
		{{Fixel: 0, Value: v}, {Fixel: 1, Value: 1}},
	}}
}

// selfOnlyGraph has no connectivity at all beyond the self-loops.
func selfOnlyGraph(n int) *connectivity.Graph {
	rows := make([][]connectivity.Edge, n)
	for i := range rows {
		rows[i] = []connectivity.Edge{{Fixel: i, Value: 1}}
	}
	return &connectivity.Graph{Rows: rows}
}

func TestEnhanceHandComputed(t *testing.T) {
	// Isolated fixel with t=0.25, dh=0.1, E=1, H=1: heights 0.1 and 0.2
	// both see extent 1, so CFE = 0.1*1*0.1 + 0.1*1*0.2 = 0.03.
	enhancer := NewEnhancer(selfOnlyGraph(1), 0.1, 1, 1)
	out := make([]float64, 1)
	enhancer.Enhance([]float64{0.25}, out)
	if math.Abs(out[0]-0.03) > 1e-12 {
		t.Fatalf("CFE = %v, want 0.03", out[0])
	}
}

func TestEnhanceNeighbourContributes(t *testing.T) {
	enhancer := NewEnhancer(pairGraph(0.5), 0.1, 1, 1)

	alone := make([]float64, 2)
	enhancer.Enhance([]float64{0.25, 0}, alone)
	together := make([]float64, 2)
	enhancer.Enhance([]float64{0.25, 0.25}, together)

	if !(together[0] > alone[0]) {
		t.Errorf("fixel 0 enhanced %v alone vs %v with a connected neighbour", alone[0], together[0])
	}
	// At every height the extent grows from 1 to 1.5, so the ratio is 1.5
	// with E=1.
	if math.Abs(together[0]/alone[0]-1.5) > 1e-9 {
		t.Errorf("enhancement ratio = %v, want 1.5", together[0]/alone[0])
	}
	// Fixel 1 scores through its neighbour alone: extent 0.5 at heights
	// 0.1 and 0.2.
	if math.Abs(alone[1]-0.015) > 1e-12 {
		t.Errorf("fixel with zero statistic enhanced to %v, want 0.015", alone[1])
	}
}

func TestEnhanceMonotone(t *testing.T) {
	graph := pairGraph(0.7)
	enhancer := NewEnhancer(graph, DefaultDH, DefaultE, DefaultH)

	low := make([]float64, 2)
	enhancer.Enhance([]float64{1.3, 0.8}, low)
	high := make([]float64, 2)
	enhancer.Enhance([]float64{1.9, 1.1}, high)

	for i := range low {
		if high[i] < low[i] {
			t.Errorf("fixel %d: raising every statistic lowered CFE from %v to %v", i, low[i], high[i])
		}
	}
}

func TestEnhanceNonFiniteContributesNothing(t *testing.T) {
	enhancer := NewEnhancer(pairGraph(0.5), 0.1, 1, 1)

	clean := make([]float64, 2)
	enhancer.Enhance([]float64{0.25, 0}, clean)
	dirty := make([]float64, 2)
	enhancer.Enhance([]float64{0.25, math.NaN()}, dirty)

	// For fixel 0 the NaN neighbour drops out of the extent exactly like a
	// zero one; fixel 1 still scores through its finite neighbour.
	if dirty[0] != clean[0] {
		t.Errorf("NaN neighbour changed CFE from %v to %v", clean[0], dirty[0])
	}
	if dirty[1] != clean[1] {
		t.Errorf("NaN fixel scored %v, want %v from its finite neighbour", dirty[1], clean[1])
	}
}

func TestEnhanceAllNonPositive(t *testing.T) {
	enhancer := NewEnhancer(selfOnlyGraph(3), DefaultDH, DefaultE, DefaultH)
	out := []float64{99, 99, 99}
	enhancer.Enhance([]float64{-1, 0, -0.5}, out)
	for i, v := range out {
		if v != 0 {
			t.Errorf("fixel %d enhanced to %v on a non-positive map", i, v)
		}
	}
}
