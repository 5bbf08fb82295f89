package postprocess

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/models"
	"segbench/internal/testutil"
	"segbench/pkg/artifact"
	"segbench/pkg/backend"
	"segbench/pkg/config"
	"segbench/pkg/nifti"
	"segbench/pkg/preprocess"
	"segbench/pkg/restructure"
	"segbench/pkg/runner"
)

func createTestEntry() models.ManifestEntry {
	return models.ManifestEntry{
		CaseID: "A",
		Shape:  [4]int{4, 4, 4, 4},
		Inverse: models.InverseTransform{
			OriginalShape: [3]int{10, 12, 14},
			Crop:          models.BBox{Min: [3]int{2, 3, 4}, Max: [3]int{8, 9, 12}},
			Spacing:       models.Spacing{X: 1, Y: 1, Z: 2},
		},
	}
}

func TestArgmaxTiesGoLow(t *testing.T) {
	channels := [][]float32{{0.2, 0.1, 0.4}, {0.2, 0.7, 0.4}, {0.1, 0.7, 0.4}}
	var rule Argmax
	assert.Equal(t, uint8(0), rule.Label(channels, 0))
	assert.Equal(t, uint8(1), rule.Label(channels, 1))
	assert.Equal(t, uint8(0), rule.Label(channels, 2))
}

func TestRegionsInnermostWins(t *testing.T) {
	rule := Regions{Threshold: 0.5}
	// logits for whole, core, enhancing
	channels := [][]float32{{-3, 2, 2, 2}, {-3, -1, 2, -1}, {-3, -1, 2, 4}}
	assert.Equal(t, uint8(0), rule.Label(channels, 0))
	assert.Equal(t, uint8(1), rule.Label(channels, 1))
	assert.Equal(t, uint8(3), rule.Label(channels, 2))
	assert.Equal(t, uint8(3), rule.Label(channels, 3))
}

func TestNewRule(t *testing.T) {
	r, err := NewRule("regions", 0.3)
	require.NoError(t, err)
	assert.Equal(t, Regions{Threshold: 0.3}, r)

	_, err = NewRule("vote", 0)
	assert.Error(t, err)
}

func TestApplyPlacesCrop(t *testing.T) {
	p, err := New(testutil.Config(t), nil)
	require.NoError(t, err)

	out := models.NewTensor(4, 4, 4, 4)
	for i := range out.Channel(2) {
		out.Channel(2)[i] = 1
	}

	entry := createTestEntry()
	lv, err := p.Apply(entry, out)
	require.NoError(t, err)
	assert.Equal(t, [3]int{10, 12, 14}, lv.Shape())
	assert.Equal(t, 2.0, lv.VoxelSize.Z)

	box := entry.Inverse.Crop
	for z := 0; z < 10; z++ {
		for y := 0; y < 12; y++ {
			for x := 0; x < 14; x++ {
				inside := z >= box.Min[0] && z < box.Max[0] && y >= box.Min[1] && y < box.Max[1] && x >= box.Min[2] && x < box.Max[2]
				want := uint8(0)
				if inside {
					want = 2
				}
				require.Equal(t, want, lv.Data[z*12*14+y*14+x], "voxel (%d,%d,%d)", x, y, z)
			}
		}
	}
}

// TestApplyPure runs Apply twice on the same input; the input must be left
// alone and both label volumes must match
func TestApplyPure(t *testing.T) {
	p, err := New(testutil.Config(t), nil)
	require.NoError(t, err)

	out := models.NewTensor(4, 4, 4, 4)
	for i := range out.Data {
		out.Data[i] = float32((i * 7919) % 13)
	}
	snapshot := append([]float32(nil), out.Data...)

	a, err := p.Apply(createTestEntry(), out)
	require.NoError(t, err)
	b, err := p.Apply(createTestEntry(), out)
	require.NoError(t, err)

	assert.Equal(t, snapshot, out.Data)
	assert.Equal(t, a, b)
}

func TestApplyShapeMismatch(t *testing.T) {
	p, err := New(testutil.Config(t), nil)
	require.NoError(t, err)

	_, err = p.Apply(createTestEntry(), models.NewTensor(4, 4, 4, 5))
	var sm *models.ShapeMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "A", sm.CaseID)
}

func TestApplyCropOutsideVolume(t *testing.T) {
	p, err := New(testutil.Config(t), nil)
	require.NoError(t, err)

	entry := createTestEntry()
	entry.Inverse.OriginalShape = [3]int{4, 4, 4}
	entry.Inverse.Crop = models.BBox{Min: [3]int{3, 3, 3}, Max: [3]int{6, 6, 6}}

	var lv *models.LabelVolume
	require.NotPanics(t, func() { lv, err = p.Apply(entry, models.NewTensor(4, 4, 4, 4)) })
	assert.ErrorContains(t, err, "case A")
	assert.Nil(t, lv)

	entry.Inverse.Crop = models.BBox{Min: [3]int{-1, 0, 0}, Max: [3]int{2, 2, 2}}
	_, err = p.Apply(entry, models.NewTensor(4, 4, 4, 4))
	assert.Error(t, err)
}

func inferred(t *testing.T, ids ...string) *config.Config {
	t.Helper()
	cfg := testutil.Config(t)
	for _, id := range ids {
		testutil.WriteCase(t, cfg.Paths.RawDir, id, testutil.CaseOptions{})
	}
	_, err := restructure.New(cfg).Run(context.Background())
	require.NoError(t, err)
	_, err = preprocess.New(cfg, nil).Run(context.Background())
	require.NoError(t, err)
	be, err := backend.New(cfg.Backend, backend.Options{})
	require.NoError(t, err)
	_, err = runner.New(cfg, be).Run(context.Background())
	require.NoError(t, err)
	return cfg
}

func TestRunExcludesOrphanResult(t *testing.T) {
	cfg := inferred(t, "A", "B")

	// a result no manifest entry knows about
	data, err := os.ReadFile(runner.ResultPath(cfg.InferenceDir(), "A"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(runner.ResultPath(cfg.InferenceDir(), "Z"), data, 0644))

	p, err := New(cfg, nil)
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, res.Written)
	assert.Equal(t, []models.Exclusion{{CaseID: "Z", Reason: models.ReasonManifestMismatch}}, res.Excluded)
	assert.Empty(t, res.Failed)

	lv, err := nifti.ReadLabels(PredictionPath(cfg.PredictionsDir(), "A"))
	require.NoError(t, err)
	assert.Equal(t, [3]int{16, 20, 24}, lv.Shape())
	_, err = os.Stat(PredictionPath(cfg.PredictionsDir(), "Z"))
	assert.True(t, os.IsNotExist(err))

	assert.True(t, artifact.Complete(cfg.PredictionsDir(), artifact.Postprocessed, p.Fingerprint()))
}

func TestRunRemovesStalePredictions(t *testing.T) {
	cfg := inferred(t, "A")
	require.NoError(t, os.MkdirAll(cfg.PredictionsDir(), 0755))
	stale := PredictionPath(cfg.PredictionsDir(), "OLD")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	p, err := New(cfg, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestNewRejectsUnknownRule(t *testing.T) {
	cfg := testutil.Config(t)
	cfg.Postprocessing.Rule = "vote"
	_, err := New(cfg, nil)
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
