// Package testutil writes small synthetic BraTS cases and a deterministic toy
// model for package and end-to-end tests.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"segbench/internal/models"
	"segbench/pkg/backend"
	"segbench/pkg/config"
	"segbench/pkg/nifti"
)

// Modalities is the canonical BraTS channel order
var Modalities = []string{"flair", "t1", "t1ce", "t2"}

// CaseDims is the (W, H, D) extent of synthetic cases
var CaseDims = [3]int{24, 20, 16}

// TensorShape is the preprocessed extent used by tests (D, H, W)
var TensorShape = [3]int{8, 8, 8}

// CaseOptions tweak a synthetic case
type CaseOptions struct {
	// NoLabel omits the segmentation file
	NoLabel bool

	// Skip lists modalities that are not written
	Skip []string

	// Shift moves the tumour centre by whole voxels along x
	Shift int
}

// WriteCase writes raw case folder dir/id with one int16 volume per modality
// and a BraTS label volume: an edema shell (2) around an enhancing rim (4)
// around a necrotic core (1), inside an ellipsoidal brain.
func WriteCase(t testing.TB, dir, id string, opts CaseOptions) string {
	t.Helper()

	caseDir := filepath.Join(dir, id)
	if err := os.MkdirAll(caseDir, 0755); err != nil {
		t.Fatalf("create case dir: %v", err)
	}

	w, h, d := CaseDims[0], CaseDims[1], CaseDims[2]
	spacing := models.Spacing{X: 1, Y: 1, Z: 1}
	cx, cy, cz := float64(w)/2+float64(opts.Shift), float64(h)/2, float64(d)/2

	label := models.NewLabelVolume(w, h, d, spacing)
	brain := make([]bool, w*h*d)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := z*w*h + y*w + x
				ex := (float64(x) - float64(w)/2) / (float64(w)/2 - 2)
				ey := (float64(y) - float64(h)/2) / (float64(h)/2 - 2)
				ez := (float64(z) - float64(d)/2) / (float64(d)/2 - 1)
				brain[idx] = ex*ex+ey*ey+ez*ez <= 1

				r := math.Sqrt(sq(float64(x)-cx) + sq(float64(y)-cy) + sq(float64(z)-cz))
				switch {
				case !brain[idx]:
				case r <= 1.5:
					label.Data[idx] = 1
				case r <= 3:
					label.Data[idx] = 4
				case r <= 5:
					label.Data[idx] = 2
				}
			}
		}
	}

	skip := make(map[string]bool)
	for _, m := range opts.Skip {
		skip[m] = true
	}
	for c, m := range Modalities {
		if skip[m] {
			continue
		}
		vol := models.NewVolume(w, h, d, spacing)
		vol.DataType = nifti.DTInt16
		for i := range vol.Data {
			if !brain[i] {
				continue
			}
			base := float32(200 + 40*c + (i*7+c*13)%17)
			switch label.Data[i] {
			case 1:
				base += 150
			case 4:
				base += 300
			case 2:
				base += 80
			}
			vol.Data[i] = base
		}
		path := filepath.Join(caseDir, id+"_"+m+".nii.gz")
		if err := nifti.Write(path, vol); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	if !opts.NoLabel {
		path := filepath.Join(caseDir, id+"_seg.nii.gz")
		if err := nifti.WriteLabels(path, label); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return caseDir
}

func sq(v float64) float64 { return v * v }

// WriteModel writes a two-layer toy segmentation model with fixed weights and
// returns the descriptor path. The head has four output channels followed by
// softmax.
func WriteModel(t testing.TB, dir string, shape [3]int) string {
	t.Helper()

	desc := backend.Descriptor{
		Name:       "toy-unet3d",
		InputShape: [4]int{len(Modalities), shape[0], shape[1], shape[2]},
		Weights:    "toy-unet3d.safetensors",
		Layers: []backend.LayerSpec{
			{Name: "enc", Kernel: 3, Out: 6, Activation: backend.ActReLU},
			{Name: "head", Kernel: 1, Out: 4, Activation: backend.ActSoftmax},
		},
	}

	weights := make(map[string]*models.Tensor)
	in := len(Modalities)
	for li, l := range desc.Layers {
		k := l.Kernel
		w := models.NewTensor(l.Out, in, k, k, k)
		for i := range w.Data {
			w.Data[i] = float32(0.25 * math.Sin(float64(i*(li+3)+1)))
		}
		b := models.NewTensor(l.Out)
		for i := range b.Data {
			b.Data[i] = float32(0.05 * float64(i-li))
		}
		weights[l.Name+".weight"] = w
		weights[l.Name+".bias"] = b
		in = l.Out
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("create model dir: %v", err)
	}
	path := filepath.Join(dir, "toy-unet3d.yaml")
	if err := backend.SaveModel(path, desc, weights); err != nil {
		t.Fatalf("save model: %v", err)
	}
	return path
}

// Config returns a configuration rooted in fresh temporary directories with
// the toy model wired to both backends
func Config(t testing.TB) *config.Config {
	t.Helper()

	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Paths.RawDir = filepath.Join(root, "raw")
	cfg.Paths.WorkDir = filepath.Join(root, "work")
	cfg.Preprocessing.Shape = TensorShape
	cfg.Preprocessing.Workers = 2
	cfg.Postprocessing.Workers = 2
	cfg.Evaluation.Workers = 2

	model := WriteModel(t, filepath.Join(root, "models"), TensorShape)
	cfg.Models.Reference = model
	cfg.Models.Optimized = model
	return cfg
}
