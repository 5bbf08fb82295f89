package report

import (
	"fmt"
	"math"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"segbench/internal/models"
)

// Delta is the difference of one quantity between two score reports
type Delta struct {
	Name string
	A, B float64
	Diff float64
}

// Comparison is the outcome of comparing two backends' score reports
type Comparison struct {
	A, B      string
	Tolerance float64
	Aggregate Delta
	Regions   []Delta
	Cases     []Delta

	// Problems lists every difference beyond tolerance and every case
	// scored by only one side
	Problems []string
}

// OK reports whether the two reports agree within tolerance
func (c *Comparison) OK() bool { return len(c.Problems) == 0 }

// Compare checks that b reproduces a: aggregate, region means and every
// case score must agree within tol, and both must have scored the same cases
func Compare(a, b *models.ScoreReport, tol float64) *Comparison {
	c := &Comparison{A: a.Backend, B: b.Backend, Tolerance: tol}

	check := func(kind, name string, va, vb float64) Delta {
		d := Delta{Name: name, A: va, B: vb, Diff: vb - va}
		if math.Abs(d.Diff) > tol {
			c.Problems = append(c.Problems, fmt.Sprintf("%s %s differs by %.6f (tolerance %g)", kind, name, d.Diff, tol))
		}
		return d
	}

	c.Aggregate = check("aggregate", "mean", a.Aggregate, b.Aggregate)
	for _, name := range a.Regions {
		c.Regions = append(c.Regions, check("region", name, a.RegionMeans[name], b.RegionMeans[name]))
	}

	byID := make(map[string]models.CaseScore)
	for _, cs := range b.Cases {
		byID[cs.CaseID] = cs
	}
	seen := make(map[string]bool)
	for _, ca := range a.Cases {
		seen[ca.CaseID] = true
		cb, ok := byID[ca.CaseID]
		if !ok {
			c.Problems = append(c.Problems, fmt.Sprintf("case %s scored by %s only", ca.CaseID, a.Backend))
			continue
		}
		c.Cases = append(c.Cases, check("case", ca.CaseID, ca.Mean, cb.Mean))
	}
	var onlyB []string
	for id := range byID {
		if !seen[id] {
			onlyB = append(onlyB, id)
		}
	}
	sort.Strings(onlyB)
	for _, id := range onlyB {
		c.Problems = append(c.Problems, fmt.Sprintf("case %s scored by %s only", id, b.Backend))
	}
	return c
}

// Table renders the comparison
func (c *Comparison) Table(f Format) string {
	w := newTable(f)
	w.SetTitle("%s vs %s  tolerance %g", c.A, c.B, c.Tolerance)
	w.AppendHeader(table.Row{"quantity", c.A, c.B, "diff"})
	row := func(d Delta) table.Row {
		return table.Row{d.Name, fmt.Sprintf("%.5f", d.A), fmt.Sprintf("%.5f", d.B), fmt.Sprintf("%+.6f", d.Diff)}
	}
	w.AppendRow(row(c.Aggregate))
	for _, d := range c.Regions {
		w.AppendRow(row(d))
	}
	w.AppendSeparator()
	for _, d := range c.Cases {
		w.AppendRow(row(d))
	}
	status := "agree"
	if !c.OK() {
		status = fmt.Sprintf("%d problem(s)", len(c.Problems))
	}
	w.SetCaption("%s", status)
	return render(w, f)
}
