// segbench runs the segmentation benchmark: restructure, preprocess, infer,
// postprocess and evaluate, individually or as one resumable pipeline.
//
// Usage:
//
//	segbench config init [path]
//	segbench run [--backend reference|optimized] [--mode accuracy|performance]
//	segbench status
//	segbench compare reference optimized
//	segbench check
//	segbench preview <case-id> [--axis z] [--slice n]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"segbench/internal/logging"
	"segbench/pkg/config"
	"segbench/pkg/ledger"
	"segbench/pkg/pipeline"
	"segbench/pkg/report"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
	exitProblem = 3
)

var rootFlags struct {
	configPath string
	backend    string
	mode       string
	rawDir     string
	workDir    string
	ledger     string
	workers    int
	logLevel   string
	logFormat  string
	markdown   bool
}

var rootCmd = &cobra.Command{
	Use:   "segbench",
	Short: "Reproducible 3D brain tumour segmentation benchmark",
	Long: "segbench restructures a BraTS-style dataset, preprocesses it into fixed-shape\n" +
		"tensors, runs a reference or optimized inference backend over them and scores\n" +
		"the predictions against ground truth.",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootFlags.configPath, "config", "c", "segbench.yaml", "Configuration file")
	f.StringVar(&rootFlags.backend, "backend", "", "Inference backend: reference or optimized")
	f.StringVar(&rootFlags.mode, "mode", "", "Run mode: performance or accuracy")
	f.StringVar(&rootFlags.rawDir, "raw-dir", "", "Raw dataset directory")
	f.StringVar(&rootFlags.workDir, "work-dir", "", "Work directory for stage artifacts")
	f.StringVar(&rootFlags.ledger, "ledger", "", "SQLite run ledger path")
	f.IntVar(&rootFlags.workers, "workers", 0, "Concurrent inference workers")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&rootFlags.logFormat, "log-format", "", "Log format: text or json")
	f.BoolVar(&rootFlags.markdown, "markdown", false, "Render tables as markdown")

	rootCmd.AddCommand(restructureCmd)
	rootCmd.AddCommand(preprocessCmd)
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(postprocessCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.Version = version
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

// exitError carries a process exit code other than exitFatal
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFatal
}

func partial() error {
	return &exitError{code: exitPartial, err: pipeline.ErrPartial}
}

// loadConfig reads the configuration file and applies command line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(rootFlags.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		if cfg.Backend, err = config.ParseBackendKind(rootFlags.backend); err != nil {
			return nil, err
		}
	}
	if flags.Changed("mode") {
		if cfg.Mode, err = config.ParseMode(rootFlags.mode); err != nil {
			return nil, err
		}
	}
	if flags.Changed("raw-dir") {
		cfg.Paths.RawDir = rootFlags.rawDir
	}
	if flags.Changed("work-dir") {
		cfg.Paths.WorkDir = rootFlags.workDir
	}
	if flags.Changed("ledger") {
		cfg.Paths.Ledger = rootFlags.ledger
	}
	if flags.Changed("workers") {
		cfg.Runner.Workers = rootFlags.workers
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = rootFlags.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = rootFlags.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cmd.ErrOrStderr())
	return cfg, nil
}

// openPipeline builds a Pipeline with the ledger the configuration names.
// The returned func closes the ledger.
func openPipeline(cmd *cobra.Command) (*config.Config, *pipeline.Pipeline, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Paths.Ledger == "" {
		return cfg, pipeline.New(cfg, nil), func() {}, nil
	}
	l, err := ledger.Open(cfg.Paths.Ledger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, pipeline.New(cfg, l), func() { _ = l.Close() }, nil
}

func tableFormat() report.Format {
	if rootFlags.markdown {
		return report.Markdown
	}
	return report.ASCII
}
