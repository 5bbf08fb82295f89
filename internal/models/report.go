package models

import "time"

// Status is the outcome of one case in a stage
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// InferenceResult is the backend output for one case
type InferenceResult struct {
	CaseID  string
	Output  *Tensor
	Latency time.Duration
}

// CaseOutcome is the runner's record for one manifest entry
type CaseOutcome struct {
	CaseID       string        `json:"case_id"`
	Status       Status        `json:"status"`
	Latency      time.Duration `json:"latency_ns"`
	OutputSHA256 string        `json:"output_sha256,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// LatencyStats summarises per-case inference latency
type LatencyStats struct {
	Mean time.Duration `json:"mean_ns"`
	P50  time.Duration `json:"p50_ns"`
	P90  time.Duration `json:"p90_ns"`
	P99  time.Duration `json:"p99_ns"`
	Min  time.Duration `json:"min_ns"`
	Max  time.Duration `json:"max_ns"`
}

// Counts is the successful / failed / excluded tally every report carries
type Counts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Excluded  int `json:"excluded"`
}

// Partial reports whether any case did not succeed
func (c Counts) Partial() bool {
	return c.Failed > 0 || c.Excluded > 0
}

// RunReport is the Inference Runner's telemetry for one invocation
type RunReport struct {
	RunID      string        `json:"run_id"`
	Backend    string        `json:"backend"`
	Mode       string        `json:"mode"`
	Model      string        `json:"model"`
	Workers    int           `json:"workers"`
	StartedAt  time.Time     `json:"started_at"`
	Span       time.Duration `json:"span_ns"`
	Throughput float64       `json:"throughput_cases_per_sec"`
	Latency    LatencyStats  `json:"latency"`
	Outcomes   []CaseOutcome `json:"outcomes"`
	Counts     Counts        `json:"counts"`
}

// FailedCases returns the ids of failed cases in manifest order
func (r *RunReport) FailedCases() []CaseFailure {
	var out []CaseFailure
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, CaseFailure{CaseID: o.CaseID, Stage: "inference", Error: o.Error})
		}
	}
	return out
}

// CaseScore holds the metric values for one scored case
type CaseScore struct {
	CaseID  string             `json:"case_id"`
	Regions map[string]float64 `json:"regions"`
	Mean    float64            `json:"mean"`
}

// CaseFailure records a case that failed upstream of scoring
type CaseFailure struct {
	CaseID string `json:"case_id"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// Exclusion records a case left out of the aggregate and why
type Exclusion struct {
	CaseID string `json:"case_id"`
	Reason string `json:"reason"`
}

// Target is the accuracy acceptance threshold
type Target struct {
	Reference float64 `json:"reference"`
	Fraction  float64 `json:"fraction"`
	Threshold float64 `json:"threshold"`
	Met       bool    `json:"met"`
}

// ScoreReport is the final artifact of the pipeline
type ScoreReport struct {
	Backend     string             `json:"backend"`
	Metric      string             `json:"metric"`
	Regions     []string           `json:"regions"`
	Cases       []CaseScore        `json:"cases"`
	Aggregate   float64            `json:"aggregate"`
	RegionMeans map[string]float64 `json:"region_means"`
	Failed      []CaseFailure      `json:"failed"`
	Excluded    []Exclusion        `json:"excluded"`
	Counts      Counts             `json:"counts"`
	Target      Target             `json:"target"`
}

// Score returns the case score for an id
func (r *ScoreReport) Score(caseID string) (CaseScore, bool) {
	for _, c := range r.Cases {
		if c.CaseID == caseID {
			return c, true
		}
	}
	return CaseScore{}, false
}
