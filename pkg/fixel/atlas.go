// Package fixel provides the template fixel atlas: per-fixel positions and
// directions plus the voxel index used to locate the fixels lying within a
// given voxel.
package fixel

import (
	"fmt"
	"math"
	"path/filepath"

	"fixelcfe/internal/models"
	"fixelcfe/pkg/mif"
)

// IndexFilename and DirectionsFilename are the fixed file names of the two
// atlas images inside a fixel directory.
const (
	IndexFilename      = "index.mif"
	DirectionsFilename = "directions.mif"
)

// Atlas is the loaded fixel template. It is immutable after load and safe
// for concurrent readers.
type Atlas struct {
	// NumFixels is the total number of fixels N.
	NumFixels int

	// Positions holds the scanner-space position of each fixel in mm
	// (the centre of its voxel).
	Positions [][3]float64

	// Directions holds the unit direction of each fixel.
	Directions [][3]float64

	index *mif.Image
}

// LoadAtlas reads index.mif and directions.mif from a fixel directory and
// assembles the atlas.
func LoadAtlas(dir string) (*Atlas, error) {
	index, err := mif.ReadImage(filepath.Join(dir, IndexFilename))
	if err != nil {
		return nil, err
	}
	if len(index.Dim) != 4 || index.Dim[3] != 2 || index.Datatype != mif.UInt32LE {
		return nil, fmt.Errorf("%s is not a fixel index image (expected 4D UInt32 with 2 channels): %w",
			filepath.Join(dir, IndexFilename), models.ErrInputInvalid)
	}

	directions, err := mif.ReadImage(filepath.Join(dir, DirectionsFilename))
	if err != nil {
		return nil, err
	}
	if len(directions.Dim) != 2 || directions.Dim[1] != 3 || directions.Datatype != mif.Float32LE {
		return nil, fmt.Errorf("%s is not a fixel directions image (expected Nx3 Float32): %w",
			filepath.Join(dir, DirectionsFilename), models.ErrInputInvalid)
	}

	numFixels := directions.Dim[0]
	atlas := &Atlas{
		NumFixels:  numFixels,
		Positions:  make([][3]float64, numFixels),
		Directions: make([][3]float64, numFixels),
		index:      index,
	}

	for i := 0; i < numFixels; i++ {
		d := [3]float64{
			float64(directions.Float[directions.Offset(i, 0)]),
			float64(directions.Float[directions.Offset(i, 1)]),
			float64(directions.Float[directions.Offset(i, 2)]),
		}
		norm := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		if norm == 0 || math.IsNaN(norm) {
			return nil, fmt.Errorf("fixel %d has a degenerate direction: %w", i, models.ErrInputInvalid)
		}
		atlas.Directions[i] = [3]float64{d[0] / norm, d[1] / norm, d[2] / norm}
	}

	// Walk the index to assign positions and verify that the per-voxel
	// (offset, count) ranges partition [0, N).
	seen := make([]bool, numFixels)
	total := 0
	for z := 0; z < index.Dim[2]; z++ {
		for y := 0; y < index.Dim[1]; y++ {
			for x := 0; x < index.Dim[0]; x++ {
				count := index.Uint[index.Offset(x, y, z, 0)]
				offset := index.Uint[index.Offset(x, y, z, 1)]
				if count == 0 {
					continue
				}
				if int(offset)+int(count) > numFixels {
					return nil, fmt.Errorf("voxel (%d,%d,%d) references fixels beyond the directions table: %w",
						x, y, z, models.ErrInputInvalid)
				}
				pos := index.VoxelToScanner(x, y, z)
				for f := offset; f < offset+count; f++ {
					if seen[f] {
						return nil, fmt.Errorf("fixel %d referenced by more than one voxel: %w", f, models.ErrInputInvalid)
					}
					seen[f] = true
					atlas.Positions[f] = pos
				}
				total += int(count)
			}
		}
	}
	if total != numFixels {
		return nil, fmt.Errorf("index covers %d fixels, directions file holds %d: %w",
			total, numFixels, models.ErrInputInvalid)
	}
	return atlas, nil
}

// Index returns the index image, used for voxel dimensions, voxel sizes and
// the voxel-to-scanner transform.
func (a *Atlas) Index() *mif.Image {
	return a.index
}

// InBounds reports whether a voxel coordinate lies within the index image.
func (a *Atlas) InBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 &&
		x < a.index.Dim[0] && y < a.index.Dim[1] && z < a.index.Dim[2]
}

// FixelsInVoxel returns the fixel range (offset, count) of a voxel. Out of
// bounds voxels hold no fixels.
func (a *Atlas) FixelsInVoxel(x, y, z int) (offset, count int) {
	if !a.InBounds(x, y, z) {
		return 0, 0
	}
	return int(a.index.Uint[a.index.Offset(x, y, z, 1)]), int(a.index.Uint[a.index.Offset(x, y, z, 0)])
}

// MinVoxelSize returns the smallest spatial voxel extent in mm.
func (a *Atlas) MinVoxelSize() float64 {
	m := a.index.Vox[0]
	for _, v := range a.index.Vox[1:3] {
		if v < m {
			m = v
		}
	}
	return m
}

// Match verifies that a subject data image holds one value per atlas fixel:
// N rows with every further axis of size one.
func (a *Atlas) Match(img *mif.Image) error {
	if len(img.Dim) == 0 || img.Dim[0] != a.NumFixels {
		return fmt.Errorf("data file holds %d fixels, template holds %d: %w",
			firstDim(img), a.NumFixels, models.ErrInputInvalid)
	}
	for _, d := range img.Dim[1:] {
		if d > 1 {
			return fmt.Errorf("data file does not contain fixel data (wrong dimensions): %w", models.ErrInputInvalid)
		}
	}
	return nil
}

func firstDim(img *mif.Image) int {
	if len(img.Dim) == 0 {
		return 0
	}
	return img.Dim[0]
}

// CopyIndexAndDirections copies the template index and directions images
// into the output fixel directory.
func CopyIndexAndDirections(inDir, outDir string) error {
	for _, name := range []string{IndexFilename, DirectionsFilename} {
		img, err := mif.ReadImage(filepath.Join(inDir, name))
		if err != nil {
			return err
		}
		if err := img.Write(filepath.Join(outDir, name)); err != nil {
			return err
		}
	}
	return nil
}
