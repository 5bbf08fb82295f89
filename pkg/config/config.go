// Package config provides configuration loading and management for segbench.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"segbench/internal/models"
)

// BackendKind selects one of the two inference engines
type BackendKind int

const (
	// ReferenceBackend is the float64 numerical-framework backend
	ReferenceBackend BackendKind = iota
	// OptimizedBackend is the compiled float32 graph-runtime backend
	OptimizedBackend
)

// BackendKinds lists every supported backend in a stable order
var BackendKinds = []BackendKind{ReferenceBackend, OptimizedBackend}

func (k BackendKind) String() string {
	switch k {
	case ReferenceBackend:
		return "reference"
	case OptimizedBackend:
		return "optimized"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// ParseBackendKind converts a configuration value into a BackendKind
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reference", "reference-backend":
		return ReferenceBackend, nil
	case "optimized", "optimized-backend":
		return OptimizedBackend, nil
	}
	return 0, &models.ConfigurationError{Field: "backend", Details: fmt.Sprintf("unknown backend %q (want reference or optimized)", s)}
}

func (k BackendKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *BackendKind) UnmarshalText(b []byte) error {
	v, err := ParseBackendKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Mode selects what the inference runner persists
type Mode int

const (
	// PerformanceMode measures latency only and persists no predictions
	PerformanceMode Mode = iota
	// AccuracyMode persists predictions for postprocessing and scoring
	AccuracyMode
)

func (m Mode) String() string {
	switch m {
	case PerformanceMode:
		return "performance"
	case AccuracyMode:
		return "accuracy"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration value into a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "performance", "perf":
		return PerformanceMode, nil
	case "accuracy", "acc":
		return AccuracyMode, nil
	}
	return 0, &models.ConfigurationError{Field: "mode", Details: fmt.Sprintf("unknown mode %q (want performance or accuracy)", s)}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Region is a named set of labels scored as one foreground class
type Region struct {
	Name   string  `yaml:"name"`
	Labels []uint8 `yaml:"labels"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Backend selects the inference engine
	Backend BackendKind `yaml:"backend"`

	// Mode selects performance or accuracy runs
	Mode Mode `yaml:"mode"`

	Paths struct {
		// RawDir holds the raw case folders
		RawDir string `yaml:"rawDir"`

		// WorkDir is the root of every stage's artifact set
		WorkDir string `yaml:"workDir"`

		// Ledger is the SQLite run ledger; empty disables it
		Ledger string `yaml:"ledger"`
	} `yaml:"paths"`

	// Models maps each backend to its model descriptor
	Models struct {
		Reference string `yaml:"reference"`
		Optimized string `yaml:"optimized"`
	} `yaml:"models"`

	Dataset struct {
		// Modalities fixes the channel order of the preprocessed tensor
		Modalities []string `yaml:"modalities"`

		// LabelSuffix names the ground-truth file suffix in raw case folders
		LabelSuffix string `yaml:"labelSuffix"`
	} `yaml:"dataset"`

	Preprocessing struct {
		// Shape is the fixed tensor extent (D, H, W)
		Shape [3]int `yaml:"shape"`

		Workers int `yaml:"workers"`
	} `yaml:"preprocessing"`

	Runner struct {
		// Workers bounds concurrent ModelHandles, normally the device count
		Workers int `yaml:"workers"`

		// SkipCompleted reuses published outputs whose checksums still match
		SkipCompleted bool `yaml:"skipCompleted"`
	} `yaml:"runner"`

	Postprocessing struct {
		// Rule is the label decision rule: argmax or regions
		Rule string `yaml:"rule"`

		// Threshold applies to the regions rule
		Threshold float64 `yaml:"threshold"`

		Workers int `yaml:"workers"`
	} `yaml:"postprocessing"`

	Evaluation struct {
		Regions []Region `yaml:"regions"`

		// Reference is the reference accuracy the target is derived from
		Reference float64 `yaml:"reference"`

		// TargetFraction of Reference that a run must reach
		TargetFraction float64 `yaml:"targetFraction"`

		// Tolerance bounds cross-backend aggregate differences
		Tolerance float64 `yaml:"tolerance"`

		// Workers bounds cases scored concurrently
		Workers int `yaml:"workers"`
	} `yaml:"evaluation"`

	Pipeline struct {
		// Resume skips stages whose markers match the current inputs
		Resume bool `yaml:"resume"`
	} `yaml:"pipeline"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Backend = ReferenceBackend
	cfg.Mode = AccuracyMode

	cfg.Paths.RawDir = "data/raw"
	cfg.Paths.WorkDir = "build"
	cfg.Paths.Ledger = ""

	cfg.Models.Reference = "models/unet3d.yaml"
	cfg.Models.Optimized = "models/unet3d.yaml"

	cfg.Dataset.Modalities = []string{"flair", "t1", "t1ce", "t2"}
	cfg.Dataset.LabelSuffix = "seg"

	cfg.Preprocessing.Shape = [3]int{128, 128, 128}
	cfg.Preprocessing.Workers = runtime.NumCPU()

	cfg.Runner.Workers = 1
	cfg.Runner.SkipCompleted = true

	cfg.Postprocessing.Rule = "argmax"
	cfg.Postprocessing.Threshold = 0.5
	cfg.Postprocessing.Workers = runtime.NumCPU()

	cfg.Evaluation.Regions = DefaultRegions()
	cfg.Evaluation.Reference = 0.85300
	cfg.Evaluation.TargetFraction = 0.99
	cfg.Evaluation.Tolerance = 1e-3
	cfg.Evaluation.Workers = runtime.NumCPU()

	cfg.Pipeline.Resume = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// DefaultRegions returns the BraTS evaluation regions over contiguous labels
// (1 edema, 2 necrosis / non-enhancing core, 3 enhancing tumor)
func DefaultRegions() []Region {
	return []Region{
		{Name: "whole_tumor", Labels: []uint8{1, 2, 3}},
		{Name: "tumor_core", Labels: []uint8{2, 3}},
		{Name: "enhancing_tumor", Labels: []uint8{3}},
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "config", Details: "read " + configPath, Err: err}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &models.ConfigurationError{Field: "config", Details: "parse " + configPath, Err: err}
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Marshal encodes the configuration as YAML
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return data, nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks the configuration before any stage runs
func (c *Config) Validate() error {
	if c.Backend != ReferenceBackend && c.Backend != OptimizedBackend {
		return &models.ConfigurationError{Field: "backend", Details: c.Backend.String()}
	}
	if c.Mode != PerformanceMode && c.Mode != AccuracyMode {
		return &models.ConfigurationError{Field: "mode", Details: c.Mode.String()}
	}
	if c.Paths.WorkDir == "" {
		return &models.ConfigurationError{Field: "paths.workDir", Details: "must be set"}
	}
	if c.ModelPath(c.Backend) == "" {
		return &models.ConfigurationError{Field: "models." + c.Backend.String(), Details: "must be set"}
	}
	if len(c.Dataset.Modalities) == 0 {
		return &models.ConfigurationError{Field: "dataset.modalities", Details: "at least one modality required"}
	}
	seen := make(map[string]bool)
	for _, m := range c.Dataset.Modalities {
		if m == "" || seen[m] {
			return &models.ConfigurationError{Field: "dataset.modalities", Details: fmt.Sprintf("invalid or duplicate modality %q", m)}
		}
		seen[m] = true
	}
	for i, d := range c.Preprocessing.Shape {
		if d <= 0 {
			return &models.ConfigurationError{Field: "preprocessing.shape", Details: fmt.Sprintf("axis %d must be positive, got %d", i, d)}
		}
	}
	if c.Runner.Workers < 1 {
		return &models.ConfigurationError{Field: "runner.workers", Details: "must be at least 1"}
	}
	switch c.Postprocessing.Rule {
	case "argmax", "regions":
	default:
		return &models.ConfigurationError{Field: "postprocessing.rule", Details: fmt.Sprintf("unknown rule %q", c.Postprocessing.Rule)}
	}
	if len(c.Evaluation.Regions) == 0 {
		return &models.ConfigurationError{Field: "evaluation.regions", Details: "at least one region required"}
	}
	if c.Evaluation.Workers < 1 {
		return &models.ConfigurationError{Field: "evaluation.workers", Details: "must be at least 1"}
	}
	if c.Evaluation.Tolerance < 0 {
		return &models.ConfigurationError{Field: "evaluation.tolerance", Details: "must not be negative"}
	}
	return nil
}

// ModelPath returns the model descriptor configured for a backend
func (c *Config) ModelPath(kind BackendKind) string {
	switch kind {
	case ReferenceBackend:
		return c.Models.Reference
	case OptimizedBackend:
		return c.Models.Optimized
	}
	return ""
}

// RestructuredDir holds the canonical raw dataset
func (c *Config) RestructuredDir() string {
	return filepath.Join(c.Paths.WorkDir, "restructured")
}

// PreprocessedDir holds tensors and the manifest
func (c *Config) PreprocessedDir() string {
	return filepath.Join(c.Paths.WorkDir, "preprocessed")
}

// ManifestPath is the manifest file inside PreprocessedDir
func (c *Config) ManifestPath() string {
	return filepath.Join(c.PreprocessedDir(), "manifest.json")
}

// InferenceDir holds the active backend's inference results
func (c *Config) InferenceDir() string {
	return filepath.Join(c.Paths.WorkDir, "inference", c.Backend.String())
}

// PredictionsDir holds the active backend's label volumes
func (c *Config) PredictionsDir() string {
	return filepath.Join(c.Paths.WorkDir, "predictions", c.Backend.String())
}

// ScoresDir holds the active backend's score report
func (c *Config) ScoresDir() string {
	return filepath.Join(c.Paths.WorkDir, "scores", c.Backend.String())
}

// ScoreReportPath is the score report for a backend
func (c *Config) ScoreReportPath(kind BackendKind) string {
	return filepath.Join(c.Paths.WorkDir, "scores", kind.String(), "score_report.json")
}

// WithBackend returns a copy of the configuration targeting another backend
func (c *Config) WithBackend(kind BackendKind) *Config {
	cp := *c
	cp.Backend = kind
	return &cp
}
