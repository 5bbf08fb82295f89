package postprocess

import (
	"fmt"
	"math"
)

// Rule names accepted by NewRule
const (
	RuleArgmax  = "argmax"
	RuleRegions = "regions"
)

// DecisionRule turns per-channel scores of one voxel into a label
type DecisionRule interface {
	Name() string

	// Label picks the label of voxel p from channels, each holding one
	// score per voxel
	Label(channels [][]float32, p int) uint8
}

// NewRule returns the rule registered under name
func NewRule(name string, threshold float64) (DecisionRule, error) {
	switch name {
	case RuleArgmax, "":
		return Argmax{}, nil
	case RuleRegions:
		return Regions{Threshold: threshold}, nil
	}
	return nil, fmt.Errorf("unknown decision rule %q", name)
}

// Argmax labels a voxel with its highest-scoring channel. Ties go to the
// lowest channel index, so uniform scores are background.
type Argmax struct{}

func (Argmax) Name() string { return RuleArgmax }

func (Argmax) Label(channels [][]float32, p int) uint8 {
	best := 0
	for c := 1; c < len(channels); c++ {
		if channels[c][p] > channels[best][p] {
			best = c
		}
	}
	return uint8(best)
}

// Regions reads the channels as nested region logits, outermost first
// (whole tumour, tumour core, enhancing tumour). A voxel takes label c+1 for
// the innermost channel c whose sigmoid exceeds Threshold.
type Regions struct {
	Threshold float64
}

func (Regions) Name() string { return RuleRegions }

func (r Regions) Label(channels [][]float32, p int) uint8 {
	for c := len(channels) - 1; c >= 0; c-- {
		if 1/(1+math.Exp(-float64(channels[c][p]))) > r.Threshold {
			return uint8(c + 1)
		}
	}
	return 0
}
