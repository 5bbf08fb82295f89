package evaluate

import (
	"fmt"

	"segbench/internal/models"
	"segbench/pkg/config"
)

// Metric scores a predicted label volume against ground truth, one value per
// region
type Metric interface {
	Name() string
	Score(pred, truth *models.LabelVolume, regions []config.Region) (map[string]float64, error)
}

// Dice is the overlap 2|P∩T| / (|P|+|T|) of each region. A region absent
// from both volumes scores 1.
type Dice struct{}

func (Dice) Name() string { return "dice" }

func (Dice) Score(pred, truth *models.LabelVolume, regions []config.Region) (map[string]float64, error) {
	if !pred.SameGrid(truth) || len(pred.Data) != len(truth.Data) {
		return nil, fmt.Errorf("prediction grid %v differs from ground truth %v", pred.Shape(), truth.Shape())
	}

	scores := make(map[string]float64, len(regions))
	for _, r := range regions {
		var member [256]bool
		for _, l := range r.Labels {
			member[l] = true
		}

		var inter, p, t int
		for i, pv := range pred.Data {
			inP, inT := member[pv], member[truth.Data[i]]
			if inP {
				p++
			}
			if inT {
				t++
			}
			if inP && inT {
				inter++
			}
		}
		if p+t == 0 {
			scores[r.Name] = 1
			continue
		}
		scores[r.Name] = 2 * float64(inter) / float64(p+t)
	}
	return scores, nil
}
