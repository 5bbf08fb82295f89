package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"segbench/internal/models"
	"segbench/pkg/artifact"
	"segbench/pkg/config"
	"segbench/pkg/report"
)

var compareCmd = &cobra.Command{
	Use:   "compare [backend-a] [backend-b]",
	Short: "Compare two backends' score reports within the configured tolerance",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runCompare,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the results directory of the configured backend and mode",
	RunE:  runCheck,
}

func runCompare(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	names := []string{config.ReferenceBackend.String(), config.OptimizedBackend.String()}
	copy(names, args)

	var scores [2]*models.ScoreReport
	for i, name := range names {
		kind, err := config.ParseBackendKind(name)
		if err != nil {
			return err
		}
		var s models.ScoreReport
		if err := artifact.ReadJSON(cfg.ScoreReportPath(kind), &s); err != nil {
			return &models.ConfigurationError{Field: "compare", Details: "no score report for " + kind.String(), Err: err}
		}
		scores[i] = &s
	}

	c := report.Compare(scores[0], scores[1], cfg.Evaluation.Tolerance)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, c.Table(tableFormat()))
	if !c.OK() {
		for _, p := range c.Problems {
			fmt.Fprintf(out, "  %s\n", p)
		}
		return &exitError{code: exitProblem, err: fmt.Errorf("%s and %s disagree", names[0], names[1])}
	}
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	res := report.Check(cfg)
	fmt.Fprintln(cmd.OutOrStdout(), res.Summary())
	if !res.OK() {
		return &exitError{code: exitProblem, err: fmt.Errorf("check failed for %s/%s", res.Backend, res.Mode)}
	}
	return nil
}
