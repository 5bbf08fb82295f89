package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"segbench/internal/models"
	"segbench/pkg/nifti"
	"segbench/pkg/postprocess"
	"segbench/pkg/restructure"
	"segbench/pkg/visualization"
)

var previewFlags struct {
	axis     string
	slice    int
	modality string
	all      bool
	outDir   string
}

var previewCmd = &cobra.Command{
	Use:   "preview <case-id>",
	Short: "Render ground truth and prediction overlays of a case as PNG",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	f := previewCmd.Flags()
	f.StringVar(&previewFlags.axis, "axis", "z", "Slice axis: x, y or z")
	f.IntVar(&previewFlags.slice, "slice", -1, "Slice position; -1 picks the slice with the most tumour")
	f.StringVar(&previewFlags.modality, "modality", "", "Modality shown in grey (default: first configured)")
	f.BoolVar(&previewFlags.all, "all", false, "Write every slice along the axis")
	f.StringVarP(&previewFlags.outDir, "out", "o", "", "Output directory (default: <work-dir>/previews/<backend>/<case-id>)")
	rootCmd.AddCommand(previewCmd)
}

func runPreview(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id := args[0]

	ds, err := restructure.LoadDataset(cfg.RestructuredDir())
	if err != nil {
		return err
	}
	var c *models.Case
	for i := range ds.Cases {
		if ds.Cases[i].ID == id {
			c = &ds.Cases[i]
		}
	}
	if c == nil {
		return fmt.Errorf("case %s is not in the restructured dataset", id)
	}

	modality := previewFlags.modality
	if modality == "" {
		modality = cfg.Dataset.Modalities[0]
	}
	imgPath, ok := c.Modalities[modality]
	if !ok {
		return fmt.Errorf("case %s has no %s volume", id, modality)
	}
	img, err := nifti.Read(imgPath)
	if err != nil {
		return err
	}

	// panels: ground truth, then prediction, whichever exist
	var overlays []*models.LabelVolume
	var panels []string
	if c.Label != "" {
		truth, err := nifti.ReadLabels(c.Label)
		if err != nil {
			return err
		}
		overlays = append(overlays, truth)
		panels = append(panels, "ground truth")
	}
	predPath := postprocess.PredictionPath(cfg.PredictionsDir(), id)
	if _, err := os.Stat(predPath); err == nil {
		pred, err := nifti.ReadLabels(predPath)
		if err != nil {
			return err
		}
		overlays = append(overlays, pred)
		panels = append(panels, "prediction")
	}

	v, err := visualization.NewViewer(img, overlays...)
	if err != nil {
		return err
	}

	outDir := previewFlags.outDir
	if outDir == "" {
		outDir = filepath.Join(cfg.Paths.WorkDir, "previews", cfg.Backend.String(), id)
	}
	out := cmd.OutOrStdout()
	if previewFlags.all {
		if err := v.SaveSliceSequence(previewFlags.axis, outDir); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s-axis slices of %s to %s (panels: %v)\n", previewFlags.axis, id, outDir, panels)
		return nil
	}

	pos := previewFlags.slice
	if pos < 0 {
		if pos, err = v.BusiestSlice(previewFlags.axis); err != nil {
			return err
		}
	}
	slice, err := v.ExtractSlice(previewFlags.axis, pos)
	if err != nil {
		return err
	}
	path := filepath.Join(outDir, fmt.Sprintf("slice_%s_%03d.png", previewFlags.axis, pos))
	if err := v.SaveSlice(slice, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s (panels: %v)\n", path, panels)
	return nil
}
