package models

// VoxelSample is the contribution of one streamline to a single voxel,
// produced by the streamline-to-voxel mapper
type VoxelSample struct {
	// Voxel is the integer voxel coordinate
	Voxel [3]int

	// Tangent is the mean streamline direction within the voxel (unit length)
	Tangent [3]float64

	// Length is the streamline length traversed within the voxel in mm
	Length float64
}
