package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"segbench/pkg/report"
)

var restructureCmd = &cobra.Command{
	Use:   "restructure",
	Short: "Rewrite the raw dataset into canonical form",
	RunE:  runRestructure,
}

var preprocessCmd = &cobra.Command{
	Use:   "preprocess",
	Short: "Crop, normalize and resize every case and write the manifest",
	RunE:  runPreprocess,
}

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Run the selected backend over the manifest",
	RunE:  runInfer,
}

var postprocessCmd = &cobra.Command{
	Use:   "postprocess",
	Short: "Map inference results back to label volumes on the original grids",
	RunE:  runPostprocess,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score predictions against ground truth",
	RunE:  runEvaluate,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage in order, resuming completed ones",
	RunE:  runAll,
}

func runRestructure(cmd *cobra.Command, _ []string) error {
	_, p, done, err := openPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	res, err := p.Restructure(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Restructured %d cases\n", len(res.Cases))
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "  skipped %s: %s\n", s.CaseID, s.Reason)
	}
	if len(res.Skipped) > 0 {
		return partial()
	}
	return nil
}

func runPreprocess(cmd *cobra.Command, _ []string) error {
	cfg, p, done, err := openPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	m, err := p.Preprocess(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Preprocessed %d cases to %v, manifest %s\n", len(m.Entries), m.Shape, cfg.ManifestPath())
	return nil
}

func runInfer(cmd *cobra.Command, _ []string) error {
	_, p, done, err := openPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	r, err := p.Infer(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), report.RunTable(r, tableFormat()))
	if r.Counts.Partial() {
		return partial()
	}
	return nil
}

func runPostprocess(cmd *cobra.Command, _ []string) error {
	_, p, done, err := openPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	res, err := p.Postprocess(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %d predictions\n", len(res.Written))
	for _, f := range res.Failed {
		fmt.Fprintf(out, "  failed %s: %s\n", f.CaseID, f.Error)
	}
	for _, e := range res.Excluded {
		fmt.Fprintf(out, "  excluded %s: %s\n", e.CaseID, e.Reason)
	}
	if len(res.Failed)+len(res.Excluded) > 0 {
		return partial()
	}
	return nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	_, p, done, err := openPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	s, err := p.Evaluate(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), report.ScoreTable(s, tableFormat()))
	if s.Counts.Partial() {
		return partial()
	}
	return nil
}

func runAll(cmd *cobra.Command, _ []string) error {
	_, p, done, err := openPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	sum, err := p.Process(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range sum.Skipped {
		fmt.Fprintf(out, "%s: up to date\n", s)
	}
	if sum.Run != nil {
		fmt.Fprintln(out, report.RunTable(sum.Run, tableFormat()))
	}
	if sum.Score != nil {
		fmt.Fprintln(out, report.ScoreTable(sum.Score, tableFormat()))
	}
	fmt.Fprintf(out, "Final state: %s\n", sum.Final)
	if sum.Partial() {
		return partial()
	}
	return nil
}
