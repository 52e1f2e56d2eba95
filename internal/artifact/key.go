package artifact

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Key identifies one trained model's prediction artifact. RunID 1 is
// reserved for the dummy baseline model and is never deleted.
type Key struct {
	Seed   int
	RunID  int
	Budget float64
}

// DummyRunID is the run number reserved for the baseline model.
const DummyRunID = 1

// Prediction files encode (seed, run, budget) in their name:
// predictions_<split>_{seed}_{run}_{budget}.npy or .npy.gz.
var keyRe = regexp.MustCompile(`_([0-9]+)_([0-9]+)_([0-9]+\.?[0-9]*)\.npy(\.gz)?$`)

// ParseKey extracts the model key from a prediction file path.
// A path that does not match the naming contract is a hard error.
func ParseKey(path string) (Key, error) {
	m := keyRe.FindStringSubmatch(path)
	if m == nil {
		return Key{}, fmt.Errorf("artifact: malformed prediction path %q", path)
	}
	seed, err := strconv.Atoi(m[1])
	if err != nil {
		return Key{}, fmt.Errorf("artifact: bad seed in %q: %w", path, err)
	}
	run, err := strconv.Atoi(m[2])
	if err != nil {
		return Key{}, fmt.Errorf("artifact: bad run id in %q: %w", path, err)
	}
	budget, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Key{}, fmt.Errorf("artifact: bad budget in %q: %w", path, err)
	}
	return Key{Seed: seed, RunID: run, Budget: budget}, nil
}

// FormatBudget renders a budget the way run directories are named: a plain
// decimal that always carries a fractional part ("50.0", "5.5555").
func FormatBudget(b float64) string {
	s := strconv.FormatFloat(b, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// DirName is the run directory name for this key, {seed}_{run}_{budget}.
func (k Key) DirName() string {
	return fmt.Sprintf("%d_%d_%s", k.Seed, k.RunID, FormatBudget(k.Budget))
}

func (k Key) String() string {
	return k.DirName()
}
