// Package metric maps metric names to loss functions. The registry is a
// plain table populated once at startup; smaller loss is always better.
package metric

import (
	"fmt"
	"math"
	"sort"

	"github.com/automlkit/ensembled/internal/artifact"
)

// Params carries per-metric keyword overrides from the configuration.
type Params map[string]float64

// Func computes a loss for predictions against a target. Implementations
// must treat the inputs as read-only.
type Func func(target, pred *artifact.Array, params Params) (float64, error)

// Registry is the name -> loss function table.
type Registry struct {
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (Func, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("metric: unknown metric %q (have %v)", name, r.Names())
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the registry with the built-in losses.
func Default() *Registry {
	r := NewRegistry()
	r.Register("rmse", RMSE)
	r.Register("mae", MAE)
	r.Register("misclassification", Misclassification)
	return r
}

// RMSE is the root mean squared error over all elements.
func RMSE(target, pred *artifact.Array, _ Params) (float64, error) {
	if err := checkShapes(target, pred); err != nil {
		return 0, err
	}
	var sum float64
	for i, t := range target.Data {
		d := pred.Data[i] - t
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(target.Data))), nil
}

// MAE is the mean absolute error over all elements.
func MAE(target, pred *artifact.Array, _ Params) (float64, error) {
	if err := checkShapes(target, pred); err != nil {
		return 0, err
	}
	var sum float64
	for i, t := range target.Data {
		sum += math.Abs(pred.Data[i] - t)
	}
	return sum / float64(len(target.Data)), nil
}

// Misclassification is the zero-one loss. Multi-column predictions are
// argmaxed per row; single-column predictions use a 0.5 threshold
// (override with params["threshold"]). Targets hold class labels.
func Misclassification(target, pred *artifact.Array, params Params) (float64, error) {
	if target.Rows != pred.Rows {
		return 0, fmt.Errorf("metric: target rows %d != prediction rows %d", target.Rows, pred.Rows)
	}
	if target.Rows == 0 {
		return 0, fmt.Errorf("metric: empty target")
	}
	threshold := 0.5
	if t, ok := params["threshold"]; ok {
		threshold = t
	}

	var wrong int
	for row := 0; row < target.Rows; row++ {
		var label int
		if pred.Cols > 1 {
			label = argmaxRow(pred, row)
		} else if pred.Data[row] >= threshold {
			label = 1
		}
		if label != int(target.Data[row*target.Cols]) {
			wrong++
		}
	}
	return float64(wrong) / float64(target.Rows), nil
}

func argmaxRow(a *artifact.Array, row int) int {
	best, bestV := 0, a.At(row, 0)
	for col := 1; col < a.Cols; col++ {
		if v := a.At(row, col); v > bestV {
			best, bestV = col, v
		}
	}
	return best
}

func checkShapes(target, pred *artifact.Array) error {
	if len(target.Data) == 0 {
		return fmt.Errorf("metric: empty target")
	}
	if len(target.Data) != len(pred.Data) {
		return fmt.Errorf("metric: target size %d != prediction size %d", len(target.Data), len(pred.Data))
	}
	return nil
}
