package connectivity

import (
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"fixelcfe/pkg/fixel"
)

// FWHMToSigma is the conversion factor between the full width at half
// maximum of a Gaussian and its standard deviation, 2*sqrt(2*ln 2).
const FWHMToSigma = 2.3548

// smoothWeightThreshold discards negligible smoothing contributions before
// row normalisation.
const smoothWeightThreshold = 0.01

// NormaliseParams controls the conversion of raw streamline counts into the
// CFE connectivity graph and the smoothing kernel.
type NormaliseParams struct {
	// ConnectivityThreshold prunes edges whose streamline fraction falls
	// below it.
	ConnectivityThreshold float64

	// SmoothFWHM is the full width at half maximum of the spatial smoothing
	// kernel in mm. Zero disables smoothing.
	SmoothFWHM float64

	// CFEExponentC is the connectivity exponent applied to each edge
	// fraction before enhancement.
	CFEExponentC float64

	// Workers is the number of normalisation goroutines. Zero means one
	// per CPU.
	Workers int
}

// Normalise converts the accumulated streamline counts into two graphs: the
// CFE graph, whose edge values are fraction^C with a unit self-loop, and the
// smoothing graph, whose rows are Gaussian-by-connectivity weights summing
// to one. Each row is processed independently, so after the per-row fraction
// normalisation neither output graph is guaranteed to be symmetric.
func Normalise(raw *RawGraph, atlas *fixel.Atlas, params NormaliseParams) (cfeGraph, smoothGraph *Graph, err error) {
	numFixels := atlas.NumFixels
	cfeGraph = &Graph{Rows: make([][]Edge, numFixels)}
	smoothGraph = &Graph{Rows: make([][]Edge, numFixels)}

	sigma := params.SmoothFWHM / FWHMToSigma
	gaussConst := 0.0
	if sigma > 0 {
		gaussConst = 1 / (sigma * math.Sqrt(2*math.Pi))
	}

	workers := params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunk := (numFixels + workers - 1) / workers

	var group errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > numFixels {
			hi = numFixels
		}
		if lo >= hi {
			break
		}
		group.Go(func() error {
			for i := lo; i < hi; i++ {
				cfeGraph.Rows[i], smoothGraph.Rows[i] = normaliseRow(raw, atlas, i, sigma, gaussConst, params)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return cfeGraph, smoothGraph, nil
}

func normaliseRow(raw *RawGraph, atlas *fixel.Atlas, i int, sigma, gaussConst float64, params NormaliseParams) (cfeRow, smoothRow []Edge) {
	tdi := raw.TDI[i]
	pos := atlas.Positions[i]

	for j, count := range raw.Counts[i] {
		fraction := 0.0
		if tdi > 0 {
			fraction = count / tdi
		}
		if fraction < params.ConnectivityThreshold {
			continue
		}
		cfeRow = append(cfeRow, Edge{Fixel: j, Value: math.Pow(fraction, params.CFEExponentC)})

		if sigma > 0 {
			other := atlas.Positions[j]
			dx := pos[0] - other[0]
			dy := pos[1] - other[1]
			dz := pos[2] - other[2]
			distSq := dx*dx + dy*dy + dz*dz
			weight := fraction * gaussConst * math.Exp(-distSq/(2*sigma*sigma))
			if weight > smoothWeightThreshold {
				smoothRow = append(smoothRow, Edge{Fixel: j, Value: weight})
			}
		}
	}

	cfeRow = append(cfeRow, Edge{Fixel: i, Value: 1.0})
	if sigma > 0 {
		smoothRow = append(smoothRow, Edge{Fixel: i, Value: gaussConst})
	} else {
		smoothRow = append(smoothRow, Edge{Fixel: i, Value: 1.0})
	}

	sort.Slice(cfeRow, func(a, b int) bool { return cfeRow[a].Fixel < cfeRow[b].Fixel })
	sort.Slice(smoothRow, func(a, b int) bool { return smoothRow[a].Fixel < smoothRow[b].Fixel })

	sum := 0.0
	for _, e := range smoothRow {
		sum += e.Value
	}
	for k := range smoothRow {
		smoothRow[k].Value /= sum
	}
	return cfeRow, smoothRow
}
