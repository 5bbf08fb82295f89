// Package report renders run and score reports as terminal tables, compares
// backends and checks a results directory for completeness.
package report

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"segbench/internal/models"
)

// Format selects the table rendering
type Format int

const (
	ASCII Format = iota
	Markdown
)

func newTable(f Format) table.Writer {
	w := table.NewWriter()
	if f == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return w
}

func render(w table.Writer, f Format) string {
	if f == Markdown {
		return w.RenderMarkdown()
	}
	return w.Render()
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
}

// RunTable renders latency statistics and per-case outcomes of a run
func RunTable(r *models.RunReport, f Format) string {
	w := newTable(f)
	w.SetTitle("%s / %s  run %s", r.Backend, r.Mode, r.RunID)
	w.AppendHeader(table.Row{"case", "status", "latency", "output", "error"})
	for _, o := range r.Outcomes {
		latency := "-"
		if o.Status == models.StatusOK {
			latency = ms(o.Latency)
		}
		w.AppendRow(table.Row{o.CaseID, string(o.Status), latency, shortSum(o.OutputSHA256), o.Error})
	}
	w.AppendFooter(table.Row{
		fmt.Sprintf("ok %d  failed %d", r.Counts.Succeeded, r.Counts.Failed),
		fmt.Sprintf("%.2f case/s", r.Throughput),
		"p50 " + ms(r.Latency.P50),
		"p90 " + ms(r.Latency.P90),
		"p99 " + ms(r.Latency.P99),
	})
	w.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 5, WidthMax: 60},
	})
	return render(w, f)
}

// ScoreTable renders per-case region scores, the aggregate and the target
func ScoreTable(r *models.ScoreReport, f Format) string {
	w := newTable(f)
	w.SetTitle("%s  %s", r.Backend, r.Metric)

	header := table.Row{"case"}
	for _, name := range r.Regions {
		header = append(header, name)
	}
	header = append(header, "mean")
	w.AppendHeader(header)

	for _, c := range r.Cases {
		row := table.Row{c.CaseID}
		for _, name := range r.Regions {
			row = append(row, fmt.Sprintf("%.4f", c.Regions[name]))
		}
		row = append(row, fmt.Sprintf("%.4f", c.Mean))
		w.AppendRow(row)
	}
	for _, fc := range r.Failed {
		w.AppendRow(table.Row{fc.CaseID, "failed in " + fc.Stage})
	}
	for _, ex := range r.Excluded {
		w.AppendRow(table.Row{ex.CaseID, "excluded: " + ex.Reason})
	}

	footer := table.Row{fmt.Sprintf("scored %d  failed %d  excluded %d", r.Counts.Succeeded, r.Counts.Failed, r.Counts.Excluded)}
	for _, name := range r.Regions {
		footer = append(footer, fmt.Sprintf("%.4f", r.RegionMeans[name]))
	}
	footer = append(footer, fmt.Sprintf("%.4f", r.Aggregate))
	w.AppendFooter(footer)

	met := "NOT MET"
	if r.Target.Met {
		met = "met"
	}
	w.SetCaption("target %.5f (%.5f x %.2f): %s", r.Target.Threshold, r.Target.Reference, r.Target.Fraction, met)
	return render(w, f)
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
