package models

import "fmt"

// Case represents one patient scan discovered in the raw dataset
type Case struct {
	// ID is the stable case identifier, taken from the case folder name
	ID string `json:"id"`

	// Modalities maps a modality name (flair, t1, ...) to its volume file
	Modalities map[string]string `json:"modalities"`

	// Label is the ground-truth segmentation file, empty when absent
	Label string `json:"label,omitempty"`
}

// Spacing is the physical size of a voxel in mm
type Spacing struct {
	X, Y, Z float64
}

// Volume represents a 3D scalar volume as a 1D array in row-major order,
// x varying fastest: index = z*Width*Height + y*Width + x
type Volume struct {
	// Data holds the voxel intensities
	Data []float32

	// Width is the size along x in voxels
	Width int

	// Height is the size along y in voxels
	Height int

	// Depth is the size along z in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize Spacing

	// DataType is the on-disk NIfTI datatype code the volume was read from
	DataType int16
}

// NewVolume allocates a zero volume
func NewVolume(width, height, depth int, spacing Spacing) *Volume {
	return &Volume{
		Data:      make([]float32, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: spacing,
	}
}

// Shape returns the volume extent as (D, H, W)
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// Index returns the flat index of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// LabelVolume is a discrete-label volume sharing Volume's geometry
type LabelVolume struct {
	Data      []uint8
	Width     int
	Height    int
	Depth     int
	VoxelSize Spacing
}

// NewLabelVolume allocates a background-only label volume
func NewLabelVolume(width, height, depth int, spacing Spacing) *LabelVolume {
	return &LabelVolume{
		Data:      make([]uint8, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: spacing,
	}
}

// Shape returns the volume extent as (D, H, W)
func (v *LabelVolume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// SameGrid reports whether two label volumes share the same voxel grid
func (v *LabelVolume) SameGrid(o *LabelVolume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Tensor is a dense float32 array in channel-first layout [C, D, H, W].
// The spatial index of every channel matches Volume's flat index.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero tensor of the given shape
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, n)}
}

// NumElements returns the product of the tensor dimensions
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Channel returns the sub-slice holding channel c of a [C, D, H, W] tensor
func (t *Tensor) Channel(c int) []float32 {
	vox := t.NumElements() / t.Shape[0]
	return t.Data[c*vox : (c+1)*vox]
}

// Validate checks that the data length agrees with the shape
func (t *Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("tensor has no shape")
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor shape %v has non-positive dimension", t.Shape)
		}
	}
	if t.NumElements() != len(t.Data) {
		return fmt.Errorf("tensor shape %v needs %d elements, have %d", t.Shape, t.NumElements(), len(t.Data))
	}
	return nil
}

// ShapeEqual reports whether two shapes are identical
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
