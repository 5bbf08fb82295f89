package backend_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/models"
	"segbench/internal/testutil"
	"segbench/pkg/backend"
	"segbench/pkg/config"
)

// createTestInput fills a [4, D, H, W] tensor with a smooth deterministic field
func createTestInput(shape [3]int) *models.Tensor {
	in := models.NewTensor(4, shape[0], shape[1], shape[2])
	for i := range in.Data {
		in.Data[i] = float32(math.Sin(float64(i)*0.37) * 1.5)
	}
	return in
}

func load(t *testing.T, kind config.BackendKind, threads int, model string) (backend.Backend, backend.ModelHandle) {
	t.Helper()
	be, err := backend.New(kind, backend.Options{Threads: threads})
	require.NoError(t, err)
	h, err := be.Load(context.Background(), model)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return be, h
}

func TestLoadMissingModel(t *testing.T) {
	for _, kind := range config.BackendKinds {
		t.Run(kind.String(), func(t *testing.T) {
			be, err := backend.New(kind, backend.Options{})
			require.NoError(t, err)

			_, err = be.Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
			var loadErr *models.ModelLoadError
			require.ErrorAs(t, err, &loadErr)
			assert.True(t, models.IsFatal(err))
		})
	}
}

func TestLoadCorruptWeights(t *testing.T) {
	dir := t.TempDir()
	model := testutil.WriteModel(t, dir, testutil.TensorShape)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "toy-unet3d.safetensors"), []byte("garbage"), 0644))

	be, err := backend.New(config.OptimizedBackend, backend.Options{})
	require.NoError(t, err)
	_, err = be.Load(context.Background(), model)
	var loadErr *models.ModelLoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestHandleSpec(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	_, h := load(t, config.ReferenceBackend, 1, model)

	spec := h.Spec()
	assert.Equal(t, "toy-unet3d", spec.Name)
	assert.Equal(t, []int{4, 8, 8, 8}, spec.Input)
	assert.Equal(t, []int{4, 8, 8, 8}, spec.Output)
	assert.Len(t, spec.SHA256, 64)
}

func TestModelSHA256MatchesSpec(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	_, h := load(t, config.OptimizedBackend, 1, model)

	sum, err := backend.ModelSHA256(model)
	require.NoError(t, err)
	assert.Equal(t, h.Spec().SHA256, sum)

	weights := filepath.Join(filepath.Dir(model), "toy-unet3d.safetensors")
	data, err := os.ReadFile(weights)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(weights, data, 0644))

	changed, err := backend.ModelSHA256(model)
	require.NoError(t, err)
	assert.NotEqual(t, sum, changed)
}

func TestInferShapeMismatch(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	for _, kind := range config.BackendKinds {
		t.Run(kind.String(), func(t *testing.T) {
			be, h := load(t, kind, 2, model)

			_, _, err := be.Infer(context.Background(), h, createTestInput([3]int{8, 8, 6}))
			var sm *models.ShapeMismatchError
			require.ErrorAs(t, err, &sm)
			assert.Equal(t, []int{4, 8, 8, 8}, sm.Expected)
			assert.False(t, models.IsFatal(err))
		})
	}
}

// TestBackendsAgree runs the same input through both engines; the outputs
// must match within the cross-backend tolerance
func TestBackendsAgree(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	input := createTestInput(testutil.TensorShape)

	refBe, refH := load(t, config.ReferenceBackend, 1, model)
	optBe, optH := load(t, config.OptimizedBackend, 3, model)

	ref, refLat, err := refBe.Infer(context.Background(), refH, input)
	require.NoError(t, err)
	opt, _, err := optBe.Infer(context.Background(), optH, input)
	require.NoError(t, err)

	assert.Positive(t, refLat)
	require.Equal(t, ref.Shape, opt.Shape)
	for i := range ref.Data {
		if math.Abs(float64(ref.Data[i]-opt.Data[i])) > 1e-3 {
			t.Fatalf("element %d: reference %v, optimized %v", i, ref.Data[i], opt.Data[i])
		}
	}

	// softmax head: channel probabilities sum to one per voxel
	vox := ref.NumElements() / ref.Shape[0]
	for p := 0; p < vox; p += 37 {
		var sum float64
		for c := 0; c < ref.Shape[0]; c++ {
			sum += float64(ref.Data[c*vox+p])
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
}

// TestOptimizedDeterministic checks bitwise stability across runs and thread
// counts
func TestOptimizedDeterministic(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	input := createTestInput(testutil.TensorShape)

	be1, h1 := load(t, config.OptimizedBackend, 1, model)
	be4, h4 := load(t, config.OptimizedBackend, 4, model)

	a, _, err := be1.Infer(context.Background(), h1, input)
	require.NoError(t, err)
	b, _, err := be4.Infer(context.Background(), h4, input)
	require.NoError(t, err)
	c, _, err := be4.Infer(context.Background(), h4, input)
	require.NoError(t, err)

	for i := range a.Data {
		if math.Float32bits(a.Data[i]) != math.Float32bits(b.Data[i]) || math.Float32bits(b.Data[i]) != math.Float32bits(c.Data[i]) {
			t.Fatalf("element %d differs: %v %v %v", i, a.Data[i], b.Data[i], c.Data[i])
		}
	}
}

func TestInferAfterClose(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	for _, kind := range config.BackendKinds {
		t.Run(kind.String(), func(t *testing.T) {
			be, h := load(t, kind, 1, model)
			require.NoError(t, h.Close())

			_, _, err := be.Infer(context.Background(), h, createTestInput(testutil.TensorShape))
			var infErr *models.InferenceError
			assert.ErrorAs(t, err, &infErr)
		})
	}
}

func TestInferForeignHandle(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	_, refH := load(t, config.ReferenceBackend, 1, model)
	optBe, _ := load(t, config.OptimizedBackend, 1, model)

	_, _, err := optBe.Infer(context.Background(), refH, createTestInput(testutil.TensorShape))
	var infErr *models.InferenceError
	assert.ErrorAs(t, err, &infErr)
}

func TestInferCancelled(t *testing.T) {
	model := testutil.WriteModel(t, t.TempDir(), testutil.TensorShape)
	be, h := load(t, config.ReferenceBackend, 1, model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := be.Infer(ctx, h, createTestInput(testutil.TensorShape))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := backend.New(config.BackendKind(7), backend.Options{})
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadModelValidation(t *testing.T) {
	dir := t.TempDir()
	w := models.NewTensor(2, 1, 2, 2, 2)
	b := models.NewTensor(2)
	desc := backend.Descriptor{
		Name:       "even",
		InputShape: [4]int{1, 4, 4, 4},
		Layers:     []backend.LayerSpec{{Name: "c", Kernel: 2, Out: 2}},
	}
	path := filepath.Join(dir, "even.yaml")
	require.NoError(t, backend.SaveModel(path, desc, map[string]*models.Tensor{"c.weight": w, "c.bias": b}))

	_, err := backend.LoadModel(path)
	assert.ErrorContains(t, err, "kernel must be odd")
}
