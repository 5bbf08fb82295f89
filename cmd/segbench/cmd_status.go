package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"segbench/pkg/ledger"
)

var statusFlags struct {
	history int
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stage markers and recent ledger entries",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusFlags.history, "history", 10, "Ledger entries to show")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, p, done, err := openPipeline(cmd)
	if err != nil {
		return err
	}
	defer done()

	out := cmd.OutOrStdout()
	state, err := p.State()
	if err != nil {
		return err
	}

	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	w.SetTitle("%s/%s  state %s", cfg.Backend, cfg.Mode, state)
	w.AppendHeader(table.Row{"stage", "marker", "cases", "completed", "fingerprint"})
	for _, s := range p.Status() {
		if s.Marker == nil {
			w.AppendRow(table.Row{s.Stage, "-", "", "", ""})
			continue
		}
		w.AppendRow(table.Row{s.Stage, s.Marker.Stage, s.Marker.Cases,
			s.Marker.CompletedAt.Format(time.RFC3339), short(s.Marker.Fingerprint)})
	}
	if rootFlags.markdown {
		fmt.Fprintln(out, w.RenderMarkdown())
	} else {
		fmt.Fprintln(out, w.Render())
	}

	if cfg.Paths.Ledger == "" || statusFlags.history <= 0 {
		return nil
	}
	l, err := ledger.Open(cfg.Paths.Ledger)
	if err != nil {
		return err
	}
	defer l.Close()
	entries, err := l.Recent(cmd.Context(), statusFlags.history)
	if err != nil {
		return err
	}

	h := table.NewWriter()
	h.SetStyle(table.StyleLight)
	h.SetTitle("recent stage runs")
	h.AppendHeader(table.Row{"started", "run", "stage", "backend", "cases", "failed", "status", "duration"})
	for _, e := range entries {
		h.AppendRow(table.Row{e.StartedAt.Format(time.RFC3339), short(e.RunID), e.Stage, e.Backend,
			e.Cases, e.Failed, e.Status, e.Duration.Round(time.Millisecond)})
	}
	if rootFlags.markdown {
		fmt.Fprintln(out, h.RenderMarkdown())
	} else {
		fmt.Fprintln(out, h.Render())
	}
	return nil
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
