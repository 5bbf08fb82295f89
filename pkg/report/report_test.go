package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/models"
	"segbench/pkg/artifact"
	"segbench/pkg/config"
	"segbench/pkg/evaluate"
	"segbench/pkg/runner"
)

func createTestScore(backend string, means ...float64) *models.ScoreReport {
	r := &models.ScoreReport{
		Backend:     backend,
		Metric:      "dice",
		Regions:     []string{"whole_tumor"},
		RegionMeans: map[string]float64{},
		Target:      models.Target{Reference: 0.853, Fraction: 0.99, Threshold: 0.853 * 0.99},
	}
	var sum float64
	for i, m := range means {
		id := string(rune('A' + i))
		r.Cases = append(r.Cases, models.CaseScore{CaseID: id, Regions: map[string]float64{"whole_tumor": m}, Mean: m})
		sum += m
	}
	r.Aggregate = sum / float64(len(means))
	r.RegionMeans["whole_tumor"] = r.Aggregate
	r.Counts.Succeeded = len(means)
	return r
}

func TestCompareWithinTolerance(t *testing.T) {
	a := createTestScore("reference", 0.9, 0.8)
	b := createTestScore("optimized", 0.9004, 0.7998)

	c := Compare(a, b, 1e-3)
	assert.True(t, c.OK(), c.Problems)
	assert.InDelta(t, 0.0001, c.Aggregate.Diff, 1e-9)
	assert.Len(t, c.Cases, 2)
	assert.Contains(t, c.Table(ASCII), "agree")
}

func TestCompareBeyondTolerance(t *testing.T) {
	a := createTestScore("reference", 0.9, 0.8)
	b := createTestScore("optimized", 0.9, 0.7, 0.5)

	c := Compare(a, b, 1e-3)
	assert.False(t, c.OK())
	joined := strings.Join(c.Problems, "\n")
	assert.Contains(t, joined, "case B differs")
	assert.Contains(t, joined, "case C scored by optimized only")
	assert.Contains(t, joined, "aggregate mean")
}

func TestParseAccuracy(t *testing.T) {
	got, err := ParseAccuracy("mean=0.84512 whole_tumor=0.90000 scored=3 failed=0 excluded=1\n")
	require.NoError(t, err)
	assert.Equal(t, 0.84512, got["mean"])
	assert.Equal(t, 1.0, got["excluded"])

	_, err = ParseAccuracy("mean")
	assert.Error(t, err)
	_, err = ParseAccuracy("mean=abc")
	assert.Error(t, err)
	_, err = ParseAccuracy("  ")
	assert.Error(t, err)
}

func writeResults(t *testing.T, cfg *config.Config, score *models.ScoreReport) {
	t.Helper()
	run := &models.RunReport{Backend: cfg.Backend.String(), Mode: cfg.Mode.String()}
	require.NoError(t, artifact.WriteJSONAtomic(filepath.Join(cfg.InferenceDir(), runner.ReportFile), run))
	if score == nil {
		return
	}
	require.NoError(t, artifact.WriteJSONAtomic(filepath.Join(cfg.ScoresDir(), evaluate.ReportFile), score))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ScoresDir(), evaluate.AccuracyFile), []byte(evaluate.AccuracyLine(score)+"\n"), 0644))
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Paths.WorkDir = t.TempDir()
	return cfg
}

func TestCheckPasses(t *testing.T) {
	cfg := testConfig(t)
	writeResults(t, cfg, createTestScore("reference", 0.9, 0.86))

	res := Check(cfg)
	assert.True(t, res.OK(), res.Problems)
	assert.True(t, strings.HasPrefix(res.Summary(), "Results reference/accuracy: mean=0.88000"))
}

func TestCheckBelowTarget(t *testing.T) {
	cfg := testConfig(t)
	writeResults(t, cfg, createTestScore("reference", 0.5))

	res := Check(cfg)
	require.False(t, res.OK())
	assert.Contains(t, res.Problems[0], "below target")
	assert.True(t, strings.HasPrefix(res.Summary(), "NoResults"))
}

func TestCheckMissingFiles(t *testing.T) {
	cfg := testConfig(t)
	writeResults(t, cfg, nil)

	res := Check(cfg)
	assert.Len(t, res.Problems, 2, res.Problems)

	cfg.Mode = config.PerformanceMode
	res = Check(cfg)
	require.Len(t, res.Problems, 1)
	assert.Contains(t, res.Problems[0], "accuracy mode")
}

func TestTablesRender(t *testing.T) {
	score := createTestScore("reference", 0.9)
	score.Excluded = []models.Exclusion{{CaseID: "Z", Reason: models.ReasonMissingGroundTruth}}
	score.Target.Met = true
	out := ScoreTable(score, ASCII)
	assert.Contains(t, out, "whole_tumor")
	assert.Contains(t, out, "missing ground truth")
	assert.Contains(t, out, ": met")

	run := &models.RunReport{Backend: "optimized", Mode: "performance", RunID: "r-1",
		Outcomes: []models.CaseOutcome{{CaseID: "A", Status: models.StatusOK}, {CaseID: "B", Status: models.StatusFailed, Error: "boom"}}}
	md := RunTable(run, Markdown)
	assert.Contains(t, md, "| A ")
	assert.Contains(t, md, "boom")
}
