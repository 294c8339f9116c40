package tractography

import (
	"math"
	"testing"

	"fixelcfe/pkg/mif"
)

func TestDetermineUpsampleRatio(t *testing.T) {
	cases := []struct {
		name     string
		voxel    float64
		step     float64
		fraction float64
		want     int
	}{
		{"step matches fraction", 1.0, 0.333, 0.333, 1},
		{"coarse step", 2.0, 2.0, 0.333, 4},
		{"zero step", 1.0, 0, 0.333, 1},
		{"zero voxel", 0, 1.0, 0.333, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetermineUpsampleRatio(tc.voxel, tc.step, tc.fraction); got != tc.want {
				t.Errorf("DetermineUpsampleRatio(%v, %v, %v) = %d, want %d",
					tc.voxel, tc.step, tc.fraction, got, tc.want)
			}
		})
	}
}

func TestMeasureStepSize(t *testing.T) {
	points := [][3]float32{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {2, 1, 0}}
	if got := MeasureStepSize(points); math.Abs(got-1) > 1e-9 {
		t.Errorf("MeasureStepSize = %v, want 1", got)
	}
	if got := MeasureStepSize(points[:1]); got != 0 {
		t.Errorf("single point step size = %v, want 0", got)
	}
}

func TestMapStraightLine(t *testing.T) {
	grid := mif.NewFloatImage([]int{4, 1, 1})
	mapper := NewMapper(grid, 3)

	// From the centre of voxel 0 to the centre of voxel 3 along +X.
	samples := mapper.Map([][3]float32{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {3, 0, 0}})
	if len(samples) != 4 {
		t.Fatalf("got %d voxel samples, want 4", len(samples))
	}

	totalLength := 0.0
	for i, s := range samples {
		if s.Voxel != [3]int{i, 0, 0} {
			t.Errorf("sample %d voxel = %v, want (%d,0,0)", i, s.Voxel, i)
		}
		if math.Abs(s.Tangent[0]-1) > 1e-9 || math.Abs(s.Tangent[1]) > 1e-9 || math.Abs(s.Tangent[2]) > 1e-9 {
			t.Errorf("sample %d tangent = %v, want (1,0,0)", i, s.Tangent)
		}
		totalLength += s.Length
	}
	if math.Abs(totalLength-3) > 1e-9 {
		t.Errorf("total length = %v, want 3", totalLength)
	}
}

func TestMapMergesRevisits(t *testing.T) {
	grid := mif.NewFloatImage([]int{4, 4, 1})
	mapper := NewMapper(grid, 2)

	// Out along +X and straight back: each voxel is visited twice.
	samples := mapper.Map([][3]float32{{0, 0, 0}, {2, 0, 0}, {0, 0, 0}})
	if len(samples) != 2 {
		t.Fatalf("got %d voxel samples, want 2", len(samples))
	}
	for _, s := range samples {
		if math.Abs(s.Length-2) > 1e-9 {
			t.Errorf("voxel %v length = %v, want 2 (outbound and return merged)", s.Voxel, s.Length)
		}
	}
}

func TestMapShortStreamline(t *testing.T) {
	grid := mif.NewFloatImage([]int{4, 4, 4})
	mapper := NewMapper(grid, 2)
	if samples := mapper.Map([][3]float32{{1, 1, 1}}); samples != nil {
		t.Errorf("single-point streamline produced %d samples", len(samples))
	}
}
