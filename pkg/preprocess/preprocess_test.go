package preprocess

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/models"
	"segbench/internal/testutil"
	"segbench/pkg/artifact"
	"segbench/pkg/config"
	"segbench/pkg/manifest"
	"segbench/pkg/restructure"
	"segbench/pkg/safetensors"
)

// createTestVolume returns a w x h x d volume with a bright block at
// [lo, hi) on every axis
func createTestVolume(w, h, d int, lo, hi [3]int) *models.Volume {
	v := models.NewVolume(w, h, d, models.Spacing{X: 1, Y: 1, Z: 2})
	for z := lo[0]; z < hi[0]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[2]; x < hi[2]; x++ {
				v.Data[v.Index(x, y, z)] = float32(10 + x + y + z)
			}
		}
	}
	return v
}

func TestForegroundBoxUnion(t *testing.T) {
	a := createTestVolume(10, 10, 10, [3]int{2, 3, 4}, [3]int{5, 6, 7})
	b := createTestVolume(10, 10, 10, [3]int{4, 1, 5}, [3]int{8, 4, 9})

	box := ForegroundBox([]*models.Volume{a, b})
	assert.Equal(t, [3]int{2, 1, 4}, box.Min)
	assert.Equal(t, [3]int{8, 6, 9}, box.Max)
}

func TestForegroundBoxEmpty(t *testing.T) {
	v := models.NewVolume(4, 5, 6, models.Spacing{X: 1, Y: 1, Z: 1})
	box := ForegroundBox([]*models.Volume{v})
	assert.Equal(t, models.BBox{Max: [3]int{6, 5, 4}}, box)
}

func TestNormalize(t *testing.T) {
	data := []float32{0, 2, 4, 6, 0, 8}
	Normalize(data)

	assert.Zero(t, data[0])
	assert.Zero(t, data[4])
	var sum, sq float64
	for _, v := range []float32{data[1], data[2], data[3], data[5]} {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	assert.InDelta(t, 0, sum/4, 1e-6)
	// sample standard deviation over the foreground is one
	assert.InDelta(t, 1, math.Sqrt(sq/3), 1e-6)

	constant := []float32{3, 3, 3}
	Normalize(constant)
	assert.Equal(t, []float32{0, 0, 0}, constant)
}

// TestApplyShapeInvariance feeds cases of different extents through the
// transform; every tensor comes out at the configured shape
func TestApplyShapeInvariance(t *testing.T) {
	tr := CropNormalizeResize{Shape: [3]int{8, 8, 8}}
	for _, dims := range [][3]int{{20, 16, 12}, {9, 31, 7}, {8, 8, 8}} {
		w, h, d := dims[0], dims[1], dims[2]
		vols := []*models.Volume{
			createTestVolume(w, h, d, [3]int{1, 1, 1}, [3]int{d - 1, h - 1, w - 1}),
			createTestVolume(w, h, d, [3]int{0, 2, 2}, [3]int{d / 2, h, w}),
		}
		tensor, inv, err := tr.Apply(vols)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 8, 8, 8}, tensor.Shape)
		assert.Equal(t, [3]int{d, h, w}, inv.OriginalShape)
		assert.InDelta(t, float64(inv.Crop.Extent()[1])/8, inv.Scale[1], 1e-12)
		assert.Equal(t, 2.0, inv.Spacing.Z)
	}
}

func TestApplyRejectsMismatchedGrids(t *testing.T) {
	tr := CropNormalizeResize{Shape: [3]int{4, 4, 4}}
	_, _, err := tr.Apply([]*models.Volume{
		models.NewVolume(4, 4, 4, models.Spacing{}),
		models.NewVolume(4, 4, 5, models.Spacing{}),
	})
	assert.Error(t, err)
}

func restructured(t *testing.T, cfg *config.Config, ids ...string) {
	t.Helper()
	for i, id := range ids {
		testutil.WriteCase(t, cfg.Paths.RawDir, id, testutil.CaseOptions{Shift: i - 1})
	}
	_, err := restructure.New(cfg).Run(context.Background())
	require.NoError(t, err)
}

func TestRun(t *testing.T) {
	cfg := testutil.Config(t)
	restructured(t, cfg, "BraTS_003", "BraTS_001", "BraTS_002")

	p := New(cfg, nil)
	m, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BraTS_001", "BraTS_002", "BraTS_003"}, m.CaseIDs())
	assert.Equal(t, [4]int{4, 8, 8, 8}, m.Shape)
	assert.True(t, artifact.Complete(cfg.PreprocessedDir(), artifact.Preprocessed, p.Fingerprint()))

	loaded, err := manifest.Load(cfg.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	for _, e := range m.Entries {
		path := manifest.Resolve(cfg.PreprocessedDir(), e.TensorPath)
		sum, err := artifact.FileSHA256(path)
		require.NoError(t, err)
		assert.Equal(t, e.TensorSHA256, sum)

		tensor, meta, err := safetensors.ReadTensor(path, InputTensor)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 8, 8, 8}, tensor.Shape)
		assert.Equal(t, e.CaseID, meta["case_id"])
		assert.NotEmpty(t, e.LabelPath)
	}
}

// TestRunDeterministic preprocesses the same dataset twice and expects
// byte-identical tensors
func TestRunDeterministic(t *testing.T) {
	cfg := testutil.Config(t)
	restructured(t, cfg, "BraTS_001", "BraTS_002")

	first, err := New(cfg, nil).Run(context.Background())
	require.NoError(t, err)
	second, err := New(cfg, nil).Run(context.Background())
	require.NoError(t, err)

	for i := range first.Entries {
		assert.Equal(t, first.Entries[i].TensorSHA256, second.Entries[i].TensorSHA256)
	}
}

func TestRunWithoutRestructure(t *testing.T) {
	cfg := testutil.Config(t)
	_, err := New(cfg, nil).Run(context.Background())
	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, models.ErrMissingArtifact)
}
