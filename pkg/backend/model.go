package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"segbench/internal/models"
	"segbench/pkg/safetensors"
)

// Activation names accepted in a model descriptor
const (
	ActNone    = "none"
	ActReLU    = "relu"
	ActSigmoid = "sigmoid"
	ActSoftmax = "softmax"
)

// LayerSpec describes one same-padded 3D convolution
type LayerSpec struct {
	Name       string `yaml:"name"`
	Kernel     int    `yaml:"kernel"`
	Out        int    `yaml:"out"`
	Activation string `yaml:"activation"`
}

// Descriptor is the YAML model artifact. Weights live in a SafeTensors file
// next to it: "<layer>.weight" [out, in, k, k, k] and "<layer>.bias" [out].
type Descriptor struct {
	Name       string      `yaml:"name"`
	InputShape [4]int      `yaml:"inputShape"`
	Weights    string      `yaml:"weights"`
	Layers     []LayerSpec `yaml:"layers"`
}

// Layer is a validated layer with its parameters
type Layer struct {
	LayerSpec
	In     int
	Weight *models.Tensor
	Bias   *models.Tensor
}

// Model is a fully loaded, validated model shared by both backends
type Model struct {
	Descriptor
	Layers []Layer
	SHA256 string
}

// OutputShape returns [K, D, H, W]
func (m *Model) OutputShape() []int {
	last := m.Layers[len(m.Layers)-1]
	return []int{last.Out, m.InputShape[1], m.InputShape[2], m.InputShape[3]}
}

// Spec returns the tensor contract of the model
func (m *Model) Spec() Spec {
	input := []int{m.InputShape[0], m.InputShape[1], m.InputShape[2], m.InputShape[3]}
	return Spec{Name: m.Name, Input: input, Output: m.OutputShape(), SHA256: m.SHA256}
}

// LoadModel reads and validates a descriptor and its weights
func LoadModel(path string) (*Model, error) {
	mf, err := readModelFiles(path)
	if err != nil {
		return nil, err
	}
	wf, err := safetensors.Parse(mf.weights)
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}

	m := &Model{Descriptor: mf.desc, SHA256: mf.sha256()}
	if err := m.bind(wf); err != nil {
		return nil, err
	}
	return m, nil
}

// ModelSHA256 returns the checksum LoadModel reports for the model at path:
// descriptor bytes followed by weights bytes
func ModelSHA256(path string) (string, error) {
	mf, err := readModelFiles(path)
	if err != nil {
		return "", err
	}
	return mf.sha256(), nil
}

// modelFiles holds the raw bytes of a descriptor and its weights file
type modelFiles struct {
	desc     Descriptor
	descData []byte
	weights  []byte
}

func (mf *modelFiles) sha256() string {
	h := sha256.New()
	h.Write(mf.descData)
	h.Write(mf.weights)
	return hex.EncodeToString(h.Sum(nil))
}

func readModelFiles(path string) (*modelFiles, error) {
	descData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mf := &modelFiles{descData: descData}
	if err := yaml.Unmarshal(descData, &mf.desc); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if mf.desc.Weights == "" {
		return nil, fmt.Errorf("descriptor has no weights file")
	}
	weightsPath := mf.desc.Weights
	if !filepath.IsAbs(weightsPath) {
		weightsPath = filepath.Join(filepath.Dir(path), weightsPath)
	}

	if mf.weights, err = os.ReadFile(weightsPath); err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	return mf, nil
}

func (m *Model) bind(wf *safetensors.File) error {
	for i, d := range m.InputShape {
		if d <= 0 {
			return fmt.Errorf("inputShape axis %d must be positive, got %v", i, m.InputShape)
		}
	}
	if len(m.Descriptor.Layers) == 0 {
		return fmt.Errorf("model has no layers")
	}

	in := m.InputShape[0]
	m.Layers = make([]Layer, 0, len(m.Descriptor.Layers))
	for i, spec := range m.Descriptor.Layers {
		if spec.Kernel < 1 || spec.Kernel%2 == 0 {
			return fmt.Errorf("layer %s: kernel must be odd and positive, got %d", spec.Name, spec.Kernel)
		}
		if spec.Out < 1 {
			return fmt.Errorf("layer %s: out must be positive", spec.Name)
		}
		if spec.Activation == "" {
			spec.Activation = ActNone
		}
		switch spec.Activation {
		case ActNone, ActReLU, ActSigmoid:
		case ActSoftmax:
			if i != len(m.Descriptor.Layers)-1 {
				return fmt.Errorf("layer %s: softmax is only allowed on the last layer", spec.Name)
			}
		default:
			return fmt.Errorf("layer %s: unknown activation %q", spec.Name, spec.Activation)
		}

		w, err := wf.Tensor(spec.Name + ".weight")
		if err != nil {
			return err
		}
		k := spec.Kernel
		if want := []int{spec.Out, in, k, k, k}; !models.ShapeEqual(w.Shape, want) {
			return fmt.Errorf("layer %s: weight shape %v, want %v", spec.Name, w.Shape, want)
		}
		b, err := wf.Tensor(spec.Name + ".bias")
		if err != nil {
			return err
		}
		if !models.ShapeEqual(b.Shape, []int{spec.Out}) {
			return fmt.Errorf("layer %s: bias shape %v, want [%d]", spec.Name, b.Shape, spec.Out)
		}

		m.Layers = append(m.Layers, Layer{LayerSpec: spec, In: in, Weight: w, Bias: b})
		in = spec.Out
	}
	return nil
}

// SaveModel writes a descriptor to path and its weights to the descriptor's
// Weights file, relative to path
func SaveModel(path string, desc Descriptor, weights map[string]*models.Tensor) error {
	if desc.Weights == "" {
		desc.Weights = filepath.Base(path) + ".safetensors"
	}
	weightsPath := desc.Weights
	if !filepath.IsAbs(weightsPath) {
		weightsPath = filepath.Join(filepath.Dir(path), weightsPath)
	}
	if err := safetensors.Write(weightsPath, weights, map[string]string{"model": desc.Name}); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}

	data, err := yaml.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// tapOffsets lists the (dz, dy, dx) offsets of a k^3 kernel in weight order
func tapOffsets(k int) [][3]int {
	r := k / 2
	taps := make([][3]int, 0, k*k*k)
	for dz := -r; dz <= r; dz++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				taps = append(taps, [3]int{dz, dy, dx})
			}
		}
	}
	return taps
}
