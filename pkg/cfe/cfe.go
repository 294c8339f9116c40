// Package cfe implements connectivity-based enhancement of a per-fixel test
// statistic map over the sparse fixel-fixel graph.
package cfe

import (
	"math"
	"sort"

	"fixelcfe/pkg/connectivity"
)

// Default enhancement parameters.
const (
	DefaultDH = 0.1
	DefaultE  = 2.0
	DefaultH  = 3.0
	DefaultC  = 0.5
)

// Enhancer integrates extent-weighted contributions over height thresholds.
// The graph edge values must already carry the connectivity exponent
// (fraction^C) and include the unit self-loop.
type Enhancer struct {
	graph *connectivity.Graph
	dh    float64
	expE  float64
	expH  float64
}

// NewEnhancer creates an enhancer over the given graph.
func NewEnhancer(graph *connectivity.Graph, dh, e, h float64) *Enhancer {
	return &Enhancer{graph: graph, dh: dh, expE: e, expH: h}
}

// Enhance computes the enhanced statistic for every fixel and writes it
// into out. For fixel i and height h, the extent is the sum of edge values
// over neighbours whose statistic reaches h; the enhanced value integrates
// dh * extent^E * h^H over h from dh up to the map maximum. Neighbours with
// non-finite or non-positive statistics never enter an extent. Enhance is
// safe for concurrent use with distinct out slices.
func (e *Enhancer) Enhance(t []float64, out []float64) {
	maxT := 0.0
	for _, v := range t {
		if isFinite(v) && v > maxT {
			maxT = v
		}
	}
	steps := int(maxT / e.dh)
	if steps == 0 {
		for i := range out {
			out[i] = 0
		}
		return
	}

	for i := range out {
		out[i] = e.enhanceFixel(i, t, steps)
	}
}

type neighbourStat struct {
	t     float64
	value float64
}

func (e *Enhancer) enhanceFixel(i int, t []float64, steps int) float64 {
	row := e.graph.Row(i)
	stats := make([]neighbourStat, 0, len(row))
	for _, edge := range row {
		tj := t[edge.Fixel]
		if !isFinite(tj) || tj < e.dh {
			continue
		}
		stats = append(stats, neighbourStat{t: tj, value: edge.Value})
	}
	if len(stats) == 0 {
		return 0
	}
	sort.Slice(stats, func(a, b int) bool { return stats[a].t > stats[b].t })

	// Walk the height ladder downwards, growing the extent as neighbour
	// statistics come into range.
	enhanced := 0.0
	extent := 0.0
	next := 0
	for k := steps; k >= 1; k-- {
		h := float64(k) * e.dh
		for next < len(stats) && stats[next].t >= h {
			extent += stats[next].value
			next++
		}
		if extent > 0 {
			enhanced += e.dh * math.Pow(extent, e.expE) * math.Pow(h, e.expH)
		}
	}
	return enhanced
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
