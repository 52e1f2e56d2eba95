// Package ensemble builds weighted-average ensembles over candidate model
// predictions via greedy forward selection.
package ensemble

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/automlkit/ensembled/internal/artifact"
)

// Member is one selected model with its integer weight.
type Member struct {
	Key    artifact.Key `json:"key"`
	Path   string       `json:"path"`
	Weight int          `json:"weight"`
}

// Ensemble is immutable after fitting. Weights are aligned with the
// candidate order used during the fit and sum to Size.
type Ensemble struct {
	Size      int      `json:"ensemble_size"`
	Members   []Member `json:"members"`
	TrainLoss float64  `json:"train_loss"`

	// Weights[i] is the multiplicity of candidate i, including zeros.
	Weights []int `json:"weights"`
}

// Predict returns the weighted average of the member predictions. The
// slice must be aligned with the candidate order the ensemble was fit on.
func (e *Ensemble) Predict(preds []*artifact.Array) (*artifact.Array, error) {
	if len(preds) != len(e.Weights) {
		return nil, fmt.Errorf("ensemble: got %d prediction arrays for %d weights", len(preds), len(e.Weights))
	}
	var out *artifact.Array
	for i, w := range e.Weights {
		if w == 0 {
			continue
		}
		p := preds[i]
		if p == nil {
			return nil, fmt.Errorf("ensemble: missing prediction array for member %d", i)
		}
		if out == nil {
			out = &artifact.Array{Data: make([]float64, len(p.Data)), Rows: p.Rows, Cols: p.Cols}
		}
		if len(p.Data) != len(out.Data) {
			return nil, fmt.Errorf("ensemble: prediction %d has %d values, want %d", i, len(p.Data), len(out.Data))
		}
		floats.AddScaled(out.Data, float64(w)/float64(e.Size), p.Data)
	}
	if out == nil {
		return nil, fmt.Errorf("ensemble: all weights are zero")
	}
	return out, nil
}
