package connectivity

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"fixelcfe/internal/models"
	"fixelcfe/pkg/fixel"
	"fixelcfe/pkg/mif"
)

// writeLineAtlas writes a fixel directory with numFixels voxels in a row
// along X, one fixel per voxel, all directions along +X.
func writeLineAtlas(t *testing.T, dir string, numFixels int) *fixel.Atlas {
	t.Helper()

	index := mif.NewUintImage([]int{numFixels, 1, 1, 2})
	for x := 0; x < numFixels; x++ {
		index.Uint[index.Offset(x, 0, 0, 0)] = 1
		index.Uint[index.Offset(x, 0, 0, 1)] = uint32(x)
	}
	if err := index.Write(filepath.Join(dir, fixel.IndexFilename)); err != nil {
		t.Fatalf("writing index: %v", err)
	}

	directions := mif.NewFloatImage([]int{numFixels, 3})
	for f := 0; f < numFixels; f++ {
		directions.Float[directions.Offset(f, 0)] = 1
	}
	if err := directions.Write(filepath.Join(dir, fixel.DirectionsFilename)); err != nil {
		t.Fatalf("writing directions: %v", err)
	}

	atlas, err := fixel.LoadAtlas(dir)
	if err != nil {
		t.Fatalf("loading atlas: %v", err)
	}
	return atlas
}

func writeTracks(t *testing.T, path string, streamlines [][][3]float32) {
	t.Helper()
	w, err := mif.CreateTracks(path, mif.TrackHeader{Count: len(streamlines), StepSize: 0.5})
	if err != nil {
		t.Fatalf("creating tracks: %v", err)
	}
	for _, points := range streamlines {
		if err := w.Write(points); err != nil {
			t.Fatalf("writing streamline: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing tracks: %v", err)
	}
}

// lineStreamline samples a straight +X streamline from x=-0.5 to x=3.5 in
// half-voxel steps, spanning all four voxels of the line atlas completely.
func lineStreamline() [][3]float32 {
	var points [][3]float32
	for x := -0.5; x <= 3.5+1e-9; x += 0.5 {
		points = append(points, [3]float32{float32(x), 0, 0})
	}
	return points
}

func buildLineGraph(t *testing.T, streamlines [][][3]float32) (*RawGraph, *fixel.Atlas) {
	t.Helper()
	dir := t.TempDir()
	atlas := writeLineAtlas(t, dir, 4)
	tracks := filepath.Join(dir, "tracks.tck")
	writeTracks(t, tracks, streamlines)

	builder := NewBuilder(atlas, BuilderParams{AngularThreshold: 45, Workers: 2})
	raw, err := builder.Build(context.Background(), tracks)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return raw, atlas
}

func TestBuildSingleStreamline(t *testing.T) {
	raw, _ := buildLineGraph(t, [][][3]float32{lineStreamline()})

	if raw.NumTracks != 1 {
		t.Fatalf("NumTracks = %d, want 1", raw.NumTracks)
	}
	for f := 0; f < 4; f++ {
		if math.Abs(raw.TDI[f]-1) > 1e-6 {
			t.Errorf("TDI[%d] = %v, want 1", f, raw.TDI[f])
		}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if i == j {
				continue
			}
			if raw.Counts[i][j] != 1 {
				t.Errorf("edge (%d,%d) count = %v, want 1", i, j, raw.Counts[i][j])
			}
		}
	}
}

func TestBuildSymmetry(t *testing.T) {
	raw, _ := buildLineGraph(t, [][][3]float32{
		lineStreamline(),
		lineStreamline()[:5],
		lineStreamline()[2:],
	})

	for i := range raw.Counts {
		for j, count := range raw.Counts[i] {
			if raw.Counts[j][i] != count {
				t.Errorf("edge (%d,%d) = %v but (%d,%d) = %v", i, j, count, j, i, raw.Counts[j][i])
			}
			if count > math.Min(raw.TDI[i], raw.TDI[j])+1e-9 {
				t.Errorf("edge (%d,%d) count %v exceeds min(TDI) = %v", i, j, count,
					math.Min(raw.TDI[i], raw.TDI[j]))
			}
		}
	}
}

// A streamline perpendicular to every fixel direction is rejected by the
// angular threshold and contributes neither TDI nor edges.
func TestBuildAngularThreshold(t *testing.T) {
	orthogonal := [][3]float32{{0, -1, 0}, {0, -0.5, 0}, {0, 0, 0}, {0, 0.5, 0}, {0, 1, 0}}
	raw, _ := buildLineGraph(t, [][][3]float32{lineStreamline(), orthogonal})

	if raw.NumTracks != 2 {
		t.Fatalf("NumTracks = %d, want 2", raw.NumTracks)
	}
	if math.Abs(raw.TDI[0]-1) > 1e-6 {
		t.Errorf("TDI[0] = %v, want 1 (orthogonal streamline must not count)", raw.TDI[0])
	}
	for i := range raw.Counts {
		for j, count := range raw.Counts[i] {
			if count != 1 {
				t.Errorf("edge (%d,%d) count = %v, want 1", i, j, count)
			}
		}
	}
}

func TestBuildEmptyTracks(t *testing.T) {
	dir := t.TempDir()
	atlas := writeLineAtlas(t, dir, 4)
	tracks := filepath.Join(dir, "tracks.tck")
	writeTracks(t, tracks, nil)

	builder := NewBuilder(atlas, BuilderParams{AngularThreshold: 45})
	_, err := builder.Build(context.Background(), tracks)
	if !errors.Is(err, models.ErrInputInvalid) {
		t.Fatalf("expected ErrInputInvalid for empty track file, got %v", err)
	}
}

func TestNormaliseWeightsSumToOne(t *testing.T) {
	raw, atlas := buildLineGraph(t, [][][3]float32{lineStreamline()})

	cfeGraph, smoothGraph, err := Normalise(raw, atlas, NormaliseParams{
		ConnectivityThreshold: 0.01,
		SmoothFWHM:            10,
		CFEExponentC:          0.5,
	})
	if err != nil {
		t.Fatalf("Normalise failed: %v", err)
	}

	for i := 0; i < atlas.NumFixels; i++ {
		sum := 0.0
		hasSelf := false
		for _, e := range smoothGraph.Row(i) {
			sum += e.Value
			if e.Fixel == i {
				hasSelf = true
			}
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("smoothing row %d sums to %v, want 1", i, sum)
		}
		if !hasSelf {
			t.Errorf("smoothing row %d is missing the self term", i)
		}

		selfValue := math.NaN()
		for _, e := range cfeGraph.Row(i) {
			if e.Fixel == i {
				selfValue = e.Value
			}
			if e.Value <= 0 || e.Value > 1+1e-9 {
				t.Errorf("cfe edge (%d,%d) value %v out of (0,1]", i, e.Fixel, e.Value)
			}
		}
		if selfValue != 1.0 {
			t.Errorf("cfe self-loop of %d = %v, want exactly 1", i, selfValue)
		}
	}
}

// With smoothing disabled the weight graph degenerates to self-loops and
// smoothing is the identity on finite data.
func TestSmoothingDisabled(t *testing.T) {
	raw, atlas := buildLineGraph(t, [][][3]float32{lineStreamline()})

	_, smoothGraph, err := Normalise(raw, atlas, NormaliseParams{
		ConnectivityThreshold: 0.01,
		SmoothFWHM:            0,
		CFEExponentC:          0.5,
	})
	if err != nil {
		t.Fatalf("Normalise failed: %v", err)
	}

	for i := 0; i < atlas.NumFixels; i++ {
		row := smoothGraph.Row(i)
		if len(row) != 1 || row[0].Fixel != i || row[0].Value != 1 {
			t.Fatalf("row %d = %v, want only a unit self-loop", i, row)
		}
	}

	data := []float64{0.5, 1.5, math.NaN(), 3.5}
	smoothed := NewSmoother(smoothGraph).Smooth(data)
	for i, v := range data {
		if math.IsNaN(v) {
			if !math.IsNaN(smoothed[i]) {
				t.Errorf("fixel %d: NaN input became %v", i, smoothed[i])
			}
			continue
		}
		if smoothed[i] != v {
			t.Errorf("fixel %d: %v changed to %v with smoothing disabled", i, v, smoothed[i])
		}
	}
}

func TestSmootherSkipsNonFinite(t *testing.T) {
	weights := &Graph{Rows: [][]Edge{
		{{Fixel: 0, Value: 0.5}, {Fixel: 1, Value: 0.5}},
		{{Fixel: 0, Value: 0.5}, {Fixel: 1, Value: 0.5}},
	}}
	smoothed := NewSmoother(weights).Smooth([]float64{2, math.NaN()})
	if smoothed[0] != 2 {
		t.Errorf("smoothed[0] = %v, want 2 (NaN neighbour excluded, weights renormalised)", smoothed[0])
	}
	if smoothed[1] != 2 {
		t.Errorf("smoothed[1] = %v, want 2 (only finite neighbour)", smoothed[1])
	}
}
