package cli

import (
	"math"
	"strconv"

	"github.com/spf13/cobra"

	"footseg/pkg/evaluation"
	"footseg/pkg/volume"
)

// NewEvaluateCmd creates the evaluate command comparing a predicted label
// map with a reference one.
func NewEvaluateCmd(outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate PREDICTION REFERENCE",
		Short: "Compare two NIfTI label maps (Dice, Jaccard, sensitivity, precision)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pred, err := volume.ReadLabelMap(args[0])
			if err != nil {
				return err
			}
			ref, err := volume.ReadLabelMap(args[1])
			if err != nil {
				return err
			}

			metrics, err := evaluation.Compare(pred, ref)
			if err != nil {
				return err
			}

			rows := [][]string{overlapRow("all", metrics.Foreground)}
			result := []overlapJSON{newOverlapJSON("all", metrics.Foreground)}
			for _, o := range metrics.Labels {
				label := strconv.Itoa(int(o.Label))
				rows = append(rows, overlapRow(label, o))
				result = append(result, newOverlapJSON(label, o))
			}
			outputFn(cmd).Print(
				[]string{"LABEL", "DICE", "JACCARD", "SENSITIVITY", "PRECISION", "VOLUME_DIFF"},
				rows,
				result,
			)
			return nil
		},
	}
}

// overlapJSON is the JSON form of one overlap. VolumeDifference is null
// when the reference label is empty.
type overlapJSON struct {
	Label            string   `json:"label"`
	TruePositives    int      `json:"truePositives"`
	FalsePositives   int      `json:"falsePositives"`
	FalseNegatives   int      `json:"falseNegatives"`
	Dice             float64  `json:"dice"`
	Jaccard          float64  `json:"jaccard"`
	Sensitivity      float64  `json:"sensitivity"`
	Precision        float64  `json:"precision"`
	VolumeDifference *float64 `json:"volumeDifference"`
}

func newOverlapJSON(label string, o evaluation.Overlap) overlapJSON {
	out := overlapJSON{
		Label:          label,
		TruePositives:  o.TruePositives,
		FalsePositives: o.FalsePositives,
		FalseNegatives: o.FalseNegatives,
		Dice:           o.Dice,
		Jaccard:        o.Jaccard,
		Sensitivity:    o.Sensitivity,
		Precision:      o.Precision,
	}
	if !math.IsInf(o.VolumeDifference, 0) {
		out.VolumeDifference = &o.VolumeDifference
	}
	return out
}

func overlapRow(label string, o evaluation.Overlap) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return []string{label, f(o.Dice), f(o.Jaccard), f(o.Sensitivity), f(o.Precision), f(o.VolumeDifference)}
}
