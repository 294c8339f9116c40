// Package tractography converts streamlines into per-voxel samples suitable
// for fixel assignment: each visited voxel receives the mean streamline
// tangent within the voxel and the length of streamline it contains.
package tractography

import (
	"math"

	"fixelcfe/internal/models"
	"fixelcfe/pkg/mif"
)

// DefaultSampleFraction is the target fraction of a voxel covered by one
// upsampled streamline segment.
const DefaultSampleFraction = 0.333

// DetermineUpsampleRatio chooses how many sub-segments each streamline
// segment is split into so that a sample covers roughly the requested
// fraction of the smallest voxel extent.
func DetermineUpsampleRatio(minVoxelSize, stepSize, fraction float64) int {
	if stepSize <= 0 || minVoxelSize <= 0 {
		return 1
	}
	ratio := int(math.Ceil(stepSize / (fraction * minVoxelSize)))
	if ratio < 1 {
		return 1
	}
	return ratio
}

// MeasureStepSize estimates the inter-vertex distance of a streamline, used
// when the track file header does not announce one.
func MeasureStepSize(points [][3]float32) float64 {
	if len(points) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += distance(points[i-1], points[i])
	}
	return total / float64(len(points)-1)
}

func distance(a, b [3]float32) float64 {
	dx := float64(b[0] - a[0])
	dy := float64(b[1] - a[1])
	dz := float64(b[2] - a[2])
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Mapper maps streamlines onto the voxel grid of a template image using
// precise sub-voxel sampling.
type Mapper struct {
	grid     *mif.Image
	upsample int
}

// NewMapper creates a mapper over the grid of the given image. The upsample
// ratio controls sub-segment splitting; values below one are clamped to one.
func NewMapper(grid *mif.Image, upsample int) *Mapper {
	if upsample < 1 {
		upsample = 1
	}
	return &Mapper{grid: grid, upsample: upsample}
}

type voxelAccum struct {
	tangent [3]float64
	length  float64
	order   int
}

// Map converts one streamline into its per-voxel samples. Repeat visits to
// the same voxel are merged: lengths are summed and tangents averaged with
// length weighting, then renormalised. Samples are returned in first-visit
// order, so the result is deterministic for a given streamline.
func (m *Mapper) Map(points [][3]float32) []models.VoxelSample {
	if len(points) < 2 {
		return nil
	}

	visits := make(map[[3]int]*voxelAccum)
	order := 0

	for i := 1; i < len(points); i++ {
		p0 := toFloat64(points[i-1])
		p1 := toFloat64(points[i])
		for s := 0; s < m.upsample; s++ {
			t0 := float64(s) / float64(m.upsample)
			t1 := float64(s+1) / float64(m.upsample)
			a := lerp(p0, p1, t0)
			b := lerp(p0, p1, t1)

			seg := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
			length := math.Sqrt(seg[0]*seg[0] + seg[1]*seg[1] + seg[2]*seg[2])
			if length == 0 {
				continue
			}

			mid := [3]float64{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2, (a[2] + b[2]) / 2}
			v := m.grid.ScannerToVoxel(mid)
			voxel := [3]int{
				int(math.Round(v[0])),
				int(math.Round(v[1])),
				int(math.Round(v[2])),
			}

			acc, ok := visits[voxel]
			if !ok {
				acc = &voxelAccum{order: order}
				order++
				visits[voxel] = acc
			}
			// Length-weighted tangent sum; normalised on output.
			acc.tangent[0] += seg[0]
			acc.tangent[1] += seg[1]
			acc.tangent[2] += seg[2]
			acc.length += length
		}
	}

	samples := make([]models.VoxelSample, len(visits))
	for voxel, acc := range visits {
		norm := math.Sqrt(acc.tangent[0]*acc.tangent[0] + acc.tangent[1]*acc.tangent[1] + acc.tangent[2]*acc.tangent[2])
		tangent := acc.tangent
		if norm > 0 {
			tangent = [3]float64{acc.tangent[0] / norm, acc.tangent[1] / norm, acc.tangent[2] / norm}
		}
		samples[acc.order] = models.VoxelSample{
			Voxel:   voxel,
			Tangent: tangent,
			Length:  acc.length,
		}
	}
	return samples
}

func toFloat64(p [3]float32) [3]float64 {
	return [3]float64{float64(p[0]), float64(p[1]), float64(p[2])}
}

func lerp(a, b [3]float64, t float64) [3]float64 {
	return [3]float64{
		a[0] + t*(b[0]-a[0]),
		a[1] + t*(b[1]-a[1]),
		a[2] + t*(b[2]-a[2]),
	}
}
