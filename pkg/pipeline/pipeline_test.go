package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/models"
	"segbench/internal/testutil"
	"segbench/pkg/artifact"
	"segbench/pkg/config"
	"segbench/pkg/ledger"
	"segbench/pkg/report"
	"segbench/pkg/restructure"
)

// createTestDataset writes three raw cases; C has no ground truth
func createTestDataset(t *testing.T) *config.Config {
	t.Helper()
	cfg := testutil.Config(t)
	testutil.WriteCase(t, filepath.Join(cfg.Paths.RawDir, "HGG"), "A", testutil.CaseOptions{})
	testutil.WriteCase(t, filepath.Join(cfg.Paths.RawDir, "HGG"), "B", testutil.CaseOptions{Shift: 2})
	testutil.WriteCase(t, filepath.Join(cfg.Paths.RawDir, "LGG"), "C", testutil.CaseOptions{NoLabel: true})
	return cfg
}

// TestProcessAccuracy runs the whole chain end to end
func TestProcessAccuracy(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end pipeline test in short mode")
	}
	cfg := createTestDataset(t)
	cfg.Runner.Workers = 2

	l, err := ledger.Open(filepath.Join(cfg.Paths.WorkDir, "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	p := New(cfg, l)
	sum, err := p.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, artifact.Scored, sum.Final)
	assert.Empty(t, sum.Skipped)
	assert.Equal(t, models.Counts{Succeeded: 3}, sum.Run.Counts)
	assert.Equal(t, []string{"A", "B", "C"}, sum.Postprocess.Written)

	require.NotNil(t, sum.Score)
	assert.Len(t, sum.Score.Cases, 2)
	assert.Equal(t, []models.Exclusion{{CaseID: "C", Reason: models.ReasonMissingGroundTruth}}, sum.Score.Excluded)
	assert.True(t, sum.Partial())

	state, err := p.State()
	require.NoError(t, err)
	assert.Equal(t, artifact.Scored, state)

	// a new rule leaves the label volumes and scores stale
	cfg.Postprocessing.Rule = "regions"
	state, err = p.State()
	require.NoError(t, err)
	assert.Equal(t, artifact.InferredPersisted, state)
	cfg.Postprocessing.Rule = "argmax"

	entries, err := l.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, string(artifact.Scored), entries[0].Stage)
	assert.Equal(t, ledger.StatusPartial, entries[0].Status)
	assert.Equal(t, p.RunID(), entries[4].RunID)
}

// TestProcessResume reruns a finished pipeline; only stages whose inputs
// changed run again
func TestProcessResume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end pipeline test in short mode")
	}
	cfg := createTestDataset(t)

	_, err := New(cfg, nil).Process(context.Background())
	require.NoError(t, err)

	sum, err := New(cfg, nil).Process(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.Skipped, 5)
	assert.Equal(t, artifact.Scored, sum.Final)
	require.NotNil(t, sum.Score)
	assert.Len(t, sum.Score.Cases, 2)

	cfg.Postprocessing.Rule = "regions"
	sum, err = New(cfg, nil).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []artifact.Stage{artifact.Restructured, artifact.Preprocessed, artifact.InferredPersisted}, sum.Skipped)

	// new weights under the same descriptor invalidate inference onwards
	weights := filepath.Join(filepath.Dir(cfg.Models.Reference), "toy-unet3d.safetensors")
	data, err := os.ReadFile(weights)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(weights, data, 0644))
	state, err := New(cfg, nil).State()
	require.NoError(t, err)
	assert.Equal(t, artifact.Preprocessed, state)

	sum, err = New(cfg, nil).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []artifact.Stage{artifact.Restructured, artifact.Preprocessed}, sum.Skipped)

	cfg.Pipeline.Resume = false
	sum, err = New(cfg, nil).Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Skipped)
}

func TestProcessPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end pipeline test in short mode")
	}
	cfg := createTestDataset(t)
	cfg.Mode = config.PerformanceMode

	p := New(cfg, nil)
	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, artifact.Inferred, sum.Final)
	assert.Nil(t, sum.Score)
	assert.Positive(t, sum.Run.Throughput)

	state, err := p.State()
	require.NoError(t, err)
	assert.Equal(t, artifact.Inferred, state)

	_, err = p.Postprocess(context.Background())
	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Details, "performance mode")
}

// TestBackendsAgree runs both backends over the same preprocessed data; the
// score reports must agree within the configured tolerance
func TestBackendsAgree(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end pipeline test in short mode")
	}
	cfg := createTestDataset(t)

	ref, err := New(cfg, nil).Process(context.Background())
	require.NoError(t, err)
	opt, err := New(cfg.WithBackend(config.OptimizedBackend), nil).Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []artifact.Stage{artifact.Restructured, artifact.Preprocessed}, opt.Skipped)
	c := report.Compare(ref.Score, opt.Score, cfg.Evaluation.Tolerance)
	assert.True(t, c.OK(), c.Problems)
}

func TestStagesRequireUpstream(t *testing.T) {
	cfg := testutil.Config(t)
	p := New(cfg, nil)
	ctx := context.Background()

	state, err := p.State()
	require.NoError(t, err)
	assert.Equal(t, artifact.Raw, state)

	_, err = p.Preprocess(ctx)
	assert.ErrorIs(t, err, models.ErrMissingArtifact)
	_, err = p.Infer(ctx)
	assert.ErrorIs(t, err, models.ErrMissingArtifact)
	_, err = p.Postprocess(ctx)
	assert.ErrorIs(t, err, models.ErrMissingArtifact)
	_, err = p.Evaluate(ctx)
	assert.ErrorIs(t, err, models.ErrMissingArtifact)
	assert.True(t, models.IsFatal(err))
}

func TestStateStopsAtGap(t *testing.T) {
	cfg := testutil.Config(t)
	fp := restructure.New(cfg).Fingerprint()
	require.NoError(t, artifact.WriteMarker(cfg.RestructuredDir(), artifact.Marker{Stage: artifact.Restructured, Fingerprint: fp}))
	// a scores marker without the stages between does not count
	require.NoError(t, artifact.WriteMarker(cfg.ScoresDir(), artifact.Marker{Stage: artifact.Scored}))

	state, err := New(cfg, nil).State()
	require.NoError(t, err)
	assert.Equal(t, artifact.Restructured, state)
}

func TestStateIgnoresStaleMarker(t *testing.T) {
	cfg := testutil.Config(t)
	fp := restructure.New(cfg).Fingerprint()
	require.NoError(t, artifact.WriteMarker(cfg.RestructuredDir(), artifact.Marker{Stage: artifact.Restructured, Fingerprint: fp}))
	require.NoError(t, artifact.WriteMarker(cfg.PreprocessedDir(), artifact.Marker{Stage: artifact.Preprocessed, Fingerprint: "stale"}))

	state, err := New(cfg, nil).State()
	require.NoError(t, err)
	assert.Equal(t, artifact.Restructured, state)

	cfg.Dataset.LabelSuffix = "_mask"
	state, err = New(cfg, nil).State()
	require.NoError(t, err)
	assert.Equal(t, artifact.Raw, state)
}

func TestSummaryPartial(t *testing.T) {
	assert.False(t, (&Summary{}).Partial())
	assert.True(t, (&Summary{Run: &models.RunReport{Counts: models.Counts{Failed: 1}}}).Partial())
	assert.True(t, (&Summary{Score: &models.ScoreReport{Counts: models.Counts{Excluded: 1}}}).Partial())
}
