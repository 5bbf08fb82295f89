package report

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"segbench/internal/models"
	"segbench/pkg/artifact"
	"segbench/pkg/config"
	"segbench/pkg/evaluate"
	"segbench/pkg/runner"
)

// CheckResult is the verdict on one backend's results directory
type CheckResult struct {
	Backend  string
	Mode     string
	Accuracy map[string]float64
	Problems []string
}

// OK reports whether the results are complete and meet the target
func (r *CheckResult) OK() bool { return len(r.Problems) == 0 }

// Summary is the one-line verdict
func (r *CheckResult) Summary() string {
	if !r.OK() {
		return fmt.Sprintf("NoResults %s/%s: %s", r.Backend, r.Mode, strings.Join(r.Problems, "; "))
	}
	if mean, ok := r.Accuracy["mean"]; ok {
		return fmt.Sprintf("Results %s/%s: mean=%.5f", r.Backend, r.Mode, mean)
	}
	return fmt.Sprintf("Results %s/%s", r.Backend, r.Mode)
}

// Check verifies that the configured backend's results directory holds every
// file its mode requires and, in accuracy mode, that the accuracy target is
// met and the summary line agrees with the score report
func Check(cfg *config.Config) *CheckResult {
	res := &CheckResult{Backend: cfg.Backend.String(), Mode: cfg.Mode.String()}
	problem := func(format string, args ...any) {
		res.Problems = append(res.Problems, fmt.Sprintf(format, args...))
	}

	var run models.RunReport
	if err := artifact.ReadJSON(filepath.Join(cfg.InferenceDir(), runner.ReportFile), &run); err != nil {
		problem("%s: %v", runner.ReportFile, err)
	} else if run.Mode != cfg.Mode.String() {
		problem("%s was produced in %s mode", runner.ReportFile, run.Mode)
	}
	if cfg.Mode != config.AccuracyMode {
		return res
	}

	var score models.ScoreReport
	scoreErr := artifact.ReadJSON(filepath.Join(cfg.ScoresDir(), evaluate.ReportFile), &score)
	if scoreErr != nil {
		problem("%s: %v", evaluate.ReportFile, scoreErr)
	}

	line, err := os.ReadFile(filepath.Join(cfg.ScoresDir(), evaluate.AccuracyFile))
	if err != nil {
		problem("%s: %v", evaluate.AccuracyFile, err)
		return res
	}
	acc, err := ParseAccuracy(string(line))
	if err != nil {
		problem("%s: %v", evaluate.AccuracyFile, err)
		return res
	}
	res.Accuracy = acc

	mean, ok := acc["mean"]
	if !ok {
		problem("%s has no mean", evaluate.AccuracyFile)
		return res
	}
	threshold := cfg.Evaluation.Reference * cfg.Evaluation.TargetFraction
	if mean < threshold {
		problem("accuracy %.5f below target %.5f (%.5f x %.2f)", mean, threshold, cfg.Evaluation.Reference, cfg.Evaluation.TargetFraction)
	}
	if scoreErr == nil && math.Abs(score.Aggregate-mean) > 1e-5 {
		problem("%s mean %.5f disagrees with %s aggregate %.5f", evaluate.AccuracyFile, mean, evaluate.ReportFile, score.Aggregate)
	}
	return res
}

// ParseAccuracy reads an accuracy.txt line of space-separated key=value
// pairs
func ParseAccuracy(line string) (map[string]float64, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty accuracy line")
	}
	out := make(map[string]float64, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed field %q", f)
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
