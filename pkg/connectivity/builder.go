package connectivity

import (
	"context"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"fixelcfe/internal/models"
	"fixelcfe/pkg/fixel"
	"fixelcfe/pkg/mif"
	"fixelcfe/pkg/tractography"
)

const (
	// DefaultBatchSize is the number of streamlines handed to a worker at
	// once; batching amortises channel synchronisation.
	DefaultBatchSize = 128

	// MinRecommendedTracks is the streamline count below which the graph
	// is considered under-sampled.
	MinRecommendedTracks = 1000000

	numLockStripes = 256
)

// BuilderParams controls the graph build.
type BuilderParams struct {
	// AngularThreshold is the maximum angle in degrees between a streamline
	// tangent and a fixel direction for the fixel to be counted as visited.
	AngularThreshold float64

	// Workers is the number of mapper goroutines. Zero means one per CPU.
	Workers int

	// BatchSize is the number of streamlines per work item. Zero means
	// DefaultBatchSize.
	BatchSize int
}

// Builder accumulates streamline visits into a shared fixel-fixel count
// graph. Rows are guarded by striped mutexes so that workers can commit
// their per-streamline visit sets concurrently.
type Builder struct {
	atlas        *fixel.Atlas
	cosThreshold float64
	workers      int
	batchSize    int

	counts []map[int]float64
	tdi    []float64
	locks  [numLockStripes]sync.Mutex
}

// NewBuilder creates a builder over the given atlas.
func NewBuilder(atlas *fixel.Atlas, params BuilderParams) *Builder {
	workers := params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Builder{
		atlas:        atlas,
		cosThreshold: math.Cos(params.AngularThreshold * math.Pi / 180),
		workers:      workers,
		batchSize:    batch,
		counts:       make([]map[int]float64, atlas.NumFixels),
		tdi:          make([]float64, atlas.NumFixels),
	}
}

// Build streams the track file through the mapper workers and returns the
// accumulated raw graph. The build fails if the file holds no streamlines.
func (b *Builder) Build(ctx context.Context, tracksPath string) (*RawGraph, error) {
	reader, err := mif.OpenTracks(tracksPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	// The header may omit the step size; fall back to measuring it on the
	// first streamline.
	first, err := reader.Next()
	if err == io.EOF {
		return nil, fmt.Errorf("track file %q contains no streamlines: %w", tracksPath, models.ErrInputInvalid)
	}
	if err != nil {
		return nil, err
	}
	stepSize := reader.Header().StepSize
	if stepSize <= 0 {
		stepSize = tractography.MeasureStepSize(first)
	}
	upsample := tractography.DetermineUpsampleRatio(b.atlas.MinVoxelSize(), stepSize, tractography.DefaultSampleFraction)

	batches := make(chan [][][3]float32, b.workers)
	group, ctx := errgroup.WithContext(ctx)

	numTracks := 0
	group.Go(func() error {
		defer close(batches)
		batch := [][][3]float32{first}
		numTracks = 1
		for {
			points, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			numTracks++
			batch = append(batch, points)
			if len(batch) >= b.batchSize {
				select {
				case batches <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
				batch = nil
			}
		}
		if len(batch) > 0 {
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < b.workers; w++ {
		group.Go(func() error {
			mapper := tractography.NewMapper(b.atlas.Index(), upsample)
			for batch := range batches {
				for _, points := range batch {
					b.processStreamline(mapper, points)
				}
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	if numTracks < MinRecommendedTracks {
		fmt.Printf("Warning: track file contains only %d streamlines; "+
			"the connectivity graph may be under-sampled\n", numTracks)
	}
	return &RawGraph{Counts: b.counts, TDI: b.tdi, NumTracks: numTracks}, nil
}

// processStreamline maps one streamline, assigns each voxel sample to the
// best-matching fixel, and commits the visit set to the shared graph.
func (b *Builder) processStreamline(mapper *tractography.Mapper, points [][3]float32) {
	samples := mapper.Map(points)
	if len(samples) == 0 {
		return
	}

	visits := make([]int, 0, len(samples))
	for _, sample := range samples {
		f, ok := b.selectFixel(sample)
		if !ok {
			continue
		}
		visits = append(visits, f)

		stripe := &b.locks[f%numLockStripes]
		stripe.Lock()
		b.tdi[f] += sample.Length
		stripe.Unlock()
	}

	// Fixel ranges partition the fixel table, so distinct voxels yield
	// distinct fixels and the visit list is already a set.
	for a := 0; a < len(visits); a++ {
		for c := a + 1; c < len(visits); c++ {
			b.incrementEdge(visits[a], visits[c])
			b.incrementEdge(visits[c], visits[a])
		}
	}
}

// selectFixel picks, within the sample's voxel, the fixel whose direction is
// most parallel to the streamline tangent. Samples whose best angle exceeds
// the angular threshold are discarded.
func (b *Builder) selectFixel(sample models.VoxelSample) (int, bool) {
	offset, count := b.atlas.FixelsInVoxel(sample.Voxel[0], sample.Voxel[1], sample.Voxel[2])
	if count == 0 {
		return 0, false
	}
	best := -1
	bestDot := -1.0
	for f := offset; f < offset+count; f++ {
		d := b.atlas.Directions[f]
		dot := math.Abs(sample.Tangent[0]*d[0] + sample.Tangent[1]*d[1] + sample.Tangent[2]*d[2])
		if dot > bestDot {
			bestDot = dot
			best = f
		}
	}
	if bestDot < b.cosThreshold {
		return 0, false
	}
	return best, true
}

func (b *Builder) incrementEdge(i, j int) {
	stripe := &b.locks[i%numLockStripes]
	stripe.Lock()
	row := b.counts[i]
	if row == nil {
		row = make(map[int]float64)
		b.counts[i] = row
	}
	row[j]++
	stripe.Unlock()
}
