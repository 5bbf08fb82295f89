package preprocess

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"segbench/internal/models"
	"segbench/pkg/interpolation"
)

// Transform turns the co-registered modality volumes of one case into a
// fixed-shape tensor and the record needed to undo the spatial part
type Transform interface {
	// Name identifies the transform and its parameters for stage fingerprints
	Name() string

	Apply(vols []*models.Volume) (*models.Tensor, models.InverseTransform, error)
}

// CropNormalizeResize crops to the foreground box shared by all channels,
// z-score normalises every channel over its nonzero voxels and resizes the
// crop to Shape with trilinear interpolation
type CropNormalizeResize struct {
	Shape [3]int
}

func (t CropNormalizeResize) Name() string {
	return fmt.Sprintf("crop-zscore-trilinear-%dx%dx%d", t.Shape[0], t.Shape[1], t.Shape[2])
}

func (t CropNormalizeResize) Apply(vols []*models.Volume) (*models.Tensor, models.InverseTransform, error) {
	var inv models.InverseTransform
	if len(vols) == 0 {
		return nil, inv, fmt.Errorf("no input volumes")
	}
	grid := vols[0].Shape()
	for i, v := range vols[1:] {
		if v.Shape() != grid {
			return nil, inv, fmt.Errorf("channel %d grid %v differs from %v", i+1, v.Shape(), grid)
		}
	}

	box := ForegroundBox(vols)
	ext := box.Extent()
	inv = models.InverseTransform{
		OriginalShape: grid,
		Crop:          box,
		Spacing:       vols[0].VoxelSize,
	}
	for a := 0; a < 3; a++ {
		inv.Scale[a] = float64(ext[a]) / float64(t.Shape[a])
	}

	out := models.NewTensor(len(vols), t.Shape[0], t.Shape[1], t.Shape[2])
	for c, v := range vols {
		crop := Crop(v, box)
		Normalize(crop)
		resized, err := interpolation.Resize(crop, ext, t.Shape)
		if err != nil {
			return nil, inv, fmt.Errorf("channel %d: %w", c, err)
		}
		copy(out.Channel(c), resized)
	}
	return out, inv, nil
}

// ForegroundBox returns the tightest box holding every nonzero voxel of any
// channel. A volume with no foreground keeps its full extent.
func ForegroundBox(vols []*models.Volume) models.BBox {
	grid := vols[0].Shape()
	box := models.BBox{Min: grid}
	found := false
	for _, v := range vols {
		for z := 0; z < v.Depth; z++ {
			for y := 0; y < v.Height; y++ {
				row := v.Data[v.Index(0, y, z):v.Index(0, y, z)+v.Width]
				for x, val := range row {
					if val == 0 {
						continue
					}
					found = true
					p := [3]int{z, y, x}
					for a := 0; a < 3; a++ {
						box.Min[a] = min(box.Min[a], p[a])
						box.Max[a] = max(box.Max[a], p[a]+1)
					}
				}
			}
		}
	}
	if !found {
		return models.BBox{Max: grid}
	}
	return box
}

// Crop copies the voxels of box out of v in (D, H, W) order
func Crop(v *models.Volume, box models.BBox) []float32 {
	ext := box.Extent()
	out := make([]float32, 0, ext[0]*ext[1]*ext[2])
	for z := box.Min[0]; z < box.Max[0]; z++ {
		for y := box.Min[1]; y < box.Max[1]; y++ {
			start := v.Index(box.Min[2], y, z)
			out = append(out, v.Data[start:start+ext[2]]...)
		}
	}
	return out
}

// Normalize z-scores data in place over its nonzero voxels. Zero voxels are
// background and stay zero.
func Normalize(data []float32) {
	fg := make([]float64, 0, len(data))
	for _, v := range data {
		if v != 0 {
			fg = append(fg, float64(v))
		}
	}
	if len(fg) == 0 {
		return
	}
	mean, std := stat.MeanStdDev(fg, nil)
	if std == 0 || len(fg) < 2 {
		std = 1
	}
	for i, v := range data {
		if v != 0 {
			data[i] = float32((float64(v) - mean) / std)
		}
	}
}
