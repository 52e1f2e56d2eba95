package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a ground-truth target file does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Store reads and writes the shared run directory the optimizer and the
// ensemble builder coordinate through. Layout under Root:
//
//	runs/{seed}_{run}_{budget}/predictions_<split>_{seed}_{run}_{budget}.npy[.gz]
//	targets/targets_<split>.npy
//	ensembles/ensemble_{seed}_{iteration}.json
//	predictions/predictions_<split>_{prefix}_{iteration}.txt
//	cache/ensembled.db
type Store struct {
	Root string

	// Precision is the float decode target (16/32/64/128) for ReadArray.
	Precision int
}

func NewStore(root string, precision int) *Store {
	return &Store{Root: root, Precision: precision}
}

func (s *Store) RunsDir() string    { return filepath.Join(s.Root, "runs") }
func (s *Store) TargetsDir() string { return filepath.Join(s.Root, "targets") }
func (s *Store) CacheDir() string   { return filepath.Join(s.Root, "cache") }

// RunDirectory is the directory holding every file of one run.
func (s *Store) RunDirectory(k Key) string {
	return filepath.Join(s.RunsDir(), k.DirName())
}

// ListRunDirectories returns the run directories belonging to seed.
func (s *Store) ListRunDirectories(seed int) ([]string, error) {
	pattern := filepath.Join(s.RunsDir(), fmt.Sprintf("%d_*_*", seed))
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("artifact: list runs: %w", err)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ListEnsemblePredictions enumerates every ensemble-split prediction file
// for the given seed, one per run directory at most.
func (s *Store) ListEnsemblePredictions(seed int) ([]string, error) {
	dirs, err := s.ListRunDirectories(seed)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("predictions_ensemble_%d_*_*.npy*", seed)))
		if err != nil {
			return nil, fmt.Errorf("artifact: list predictions: %w", err)
		}
		for _, m := range matches {
			if strings.HasSuffix(m, ".npy") || strings.HasSuffix(m, ".npy.gz") {
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// TestPredictionPath locates the test-split prediction file for a key, or
// "" when the run has none.
func (s *Store) TestPredictionPath(k Key) (string, error) {
	pattern := filepath.Join(s.RunDirectory(k),
		fmt.Sprintf("predictions_test_%d_%d_%s.npy*", k.Seed, k.RunID, FormatBudget(k.Budget)))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("artifact: find test predictions: %w", err)
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".npy") || strings.HasSuffix(m, ".npy.gz") {
			return m, nil
		}
	}
	return "", nil
}

// ReadArray decodes a prediction file at the store's precision.
func (s *Store) ReadArray(path string) (*Array, error) {
	return ReadArray(path, s.Precision)
}

// LoadGroundTruth reads the target array for a data split ("ensemble",
// "test"). Missing targets report ErrNotFound.
func (s *Store) LoadGroundTruth(split string) (*Array, error) {
	path := filepath.Join(s.TargetsDir(), fmt.Sprintf("targets_%s.npy", split))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: targets for split %q", ErrNotFound, split)
		}
		return nil, fmt.Errorf("artifact: stat targets: %w", err)
	}
	return ReadArray(path, 64)
}

// DiskCostMB reports the total on-disk footprint of the run directory
// owning the given prediction file, in megabytes rounded to 2 decimals.
func (s *Store) DiskCostMB(path string) (float64, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("artifact: read run dir: %w", err)
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return 0, fmt.Errorf("artifact: stat %s: %w", e.Name(), err)
		}
		total += info.Size()
	}
	mb := float64(total) / (1024 * 1024)
	return math.Round(mb*100) / 100, nil
}

// AtomicDelete removes a run directory by renaming it aside first, so a
// concurrent reader never sees a half-deleted directory under the live name.
func (s *Store) AtomicDelete(dir string) error {
	old := dir + ".old"
	if err := os.Rename(dir, old); err != nil {
		return fmt.Errorf("artifact: rename %s: %w", dir, err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("artifact: remove %s: %w", old, err)
	}
	return nil
}

// SaveEnsemble persists a fitted ensemble as JSON.
func (s *Store) SaveEnsemble(e any, iteration, seed int) error {
	dir := filepath.Join(s.Root, "ensembles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: ensembles dir: %w", err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode ensemble: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("ensemble_%d_%d.json", seed, iteration))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write ensemble: %w", err)
	}
	return os.Rename(tmp, path)
}

// SavePredictions writes ensemble output for a split as text, one row per
// line, values rendered with the given decimal precision.
func (s *Store) SavePredictions(a *Array, split string, iteration int, prefix string, precision int) error {
	dir := filepath.Join(s.Root, "predictions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: predictions dir: %w", err)
	}
	var b strings.Builder
	for row := 0; row < a.Rows; row++ {
		for col := 0; col < a.Cols; col++ {
			if col > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(a.At(row, col), 'f', precision, 64))
		}
		b.WriteByte('\n')
	}
	path := filepath.Join(dir, fmt.Sprintf("predictions_%s_%s_%d.txt", split, prefix, iteration))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("artifact: write predictions: %w", err)
	}
	return os.Rename(tmp, path)
}

// EnsurePaths creates the directory skeleton the builder needs.
func (s *Store) EnsurePaths() error {
	for _, dir := range []string{s.RunsDir(), s.TargetsDir(), s.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("artifact: mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// Mtime returns the file's modification time as a change-detection token.
func Mtime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}
