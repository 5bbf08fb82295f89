// Package visualization renders slices of a case with its segmentation
// overlays so that predictions can be inspected next to ground truth.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"slices"

	"gonum.org/v1/gonum/stat"

	"segbench/internal/models"
	"segbench/pkg/artifact"
)

// LabelColors maps contiguous labels to overlay colours
var LabelColors = map[uint8]color.RGBA{
	1: {R: 40, G: 200, B: 40, A: 255}, // edema
	2: {R: 220, G: 40, B: 40, A: 255}, // necrotic core
	3: {R: 250, G: 220, B: 0, A: 255}, // enhancing tumour
}

var otherLabel = color.RGBA{R: 200, G: 0, B: 200, A: 255}

// Viewer extracts 2D slices from an intensity volume. Each overlay is drawn
// as its own panel, left to right, on top of the same grey slice.
type Viewer struct {
	// image is the intensity volume shown in grey
	image *models.Volume

	// overlays are label volumes on the same grid
	overlays []*models.LabelVolume

	// lo and hi are the intensity window mapped to black and white
	lo, hi float64

	// Alpha is the overlay opacity
	Alpha float64
}

// NewViewer creates a viewer. The grey window spans the 0.5 to 99.5
// percentile of the nonzero voxels.
func NewViewer(img *models.Volume, overlays ...*models.LabelVolume) (*Viewer, error) {
	for i, o := range overlays {
		if o.Shape() != img.Shape() {
			return nil, fmt.Errorf("overlay %d grid %v differs from image %v", i, o.Shape(), img.Shape())
		}
	}

	v := &Viewer{image: img, overlays: overlays, Alpha: 0.45}
	var vals []float64
	for _, x := range img.Data {
		if x != 0 {
			vals = append(vals, float64(x))
		}
	}
	if len(vals) > 0 {
		slices.Sort(vals)
		v.lo = stat.Quantile(0.005, stat.Empirical, vals, nil)
		v.hi = stat.Quantile(0.995, stat.Empirical, vals, nil)
	}
	if v.hi <= v.lo {
		v.hi = v.lo + 1
	}
	return v, nil
}

// plane describes one slice: its size and the flat voxel index of (i, j)
type plane struct {
	w, h  int
	index func(i, j int) int
}

func (v *Viewer) plane(axis string, position int) (plane, error) {
	if position < 0 {
		return plane{}, fmt.Errorf("position must be non-negative")
	}
	img := v.image
	var p plane
	var limit int
	switch axis {
	case "x", "X":
		limit = img.Width
		p = plane{w: img.Depth, h: img.Height, index: func(i, j int) int { return img.Index(position, j, i) }}
	case "y", "Y":
		limit = img.Height
		p = plane{w: img.Width, h: img.Depth, index: func(i, j int) int { return img.Index(i, position, j) }}
	case "z", "Z":
		limit = img.Depth
		p = plane{w: img.Width, h: img.Height, index: func(i, j int) int { return img.Index(i, j, position) }}
	default:
		return plane{}, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if position >= limit {
		return plane{}, fmt.Errorf("position %d exceeds %s extent %d", position, axis, limit)
	}
	return p, nil
}

// ExtractSlice renders the slice at position along axis. Without overlays
// the result is a single grey panel.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	p, err := v.plane(axis, position)
	if err != nil {
		return nil, err
	}

	panels := max(len(v.overlays), 1)
	out := image.NewRGBA(image.Rect(0, 0, p.w*panels, p.h))
	for j := 0; j < p.h; j++ {
		for i := 0; i < p.w; i++ {
			idx := p.index(i, j)
			g := v.grey(v.image.Data[idx])
			for k := 0; k < panels; k++ {
				c := color.RGBA{R: g, G: g, B: g, A: 255}
				if k < len(v.overlays) {
					if l := v.overlays[k].Data[idx]; l != 0 {
						c = blend(c, labelColor(l), v.Alpha)
					}
				}
				// image rows grow downwards, volume rows upwards
				out.SetRGBA(k*p.w+i, p.h-1-j, c)
			}
		}
	}
	return out, nil
}

func (v *Viewer) grey(x float32) uint8 {
	t := (float64(x) - v.lo) / (v.hi - v.lo)
	return uint8(255 * min(max(t, 0), 1))
}

func labelColor(l uint8) color.RGBA {
	if c, ok := LabelColors[l]; ok {
		return c
	}
	return otherLabel
}

func blend(a, b color.RGBA, alpha float64) color.RGBA {
	mix := func(x, y uint8) uint8 { return uint8((1-alpha)*float64(x) + alpha*float64(y)) }
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// BusiestSlice returns the position along axis holding the most foreground
// voxels of the first overlay, or the middle slice when there is none
func (v *Viewer) BusiestSlice(axis string) (int, error) {
	limit, err := v.extent(axis)
	if err != nil {
		return 0, err
	}
	best, bestCount := limit/2, 0
	if len(v.overlays) == 0 {
		return best, nil
	}
	labels := v.overlays[0].Data
	for pos := 0; pos < limit; pos++ {
		p, _ := v.plane(axis, pos)
		n := 0
		for j := 0; j < p.h; j++ {
			for i := 0; i < p.w; i++ {
				if labels[p.index(i, j)] != 0 {
					n++
				}
			}
		}
		if n > bestCount {
			best, bestCount = pos, n
		}
	}
	return best, nil
}

func (v *Viewer) extent(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.image.Width, nil
	case "y", "Y":
		return v.image.Height, nil
	case "z", "Z":
		return v.image.Depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSlice writes an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return artifact.WriteFileAtomic(filename, func(w io.Writer) error {
		return png.Encode(w, img)
	})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	limit, err := v.extent(axis)
	if err != nil {
		return err
	}
	for pos := 0; pos < limit; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
