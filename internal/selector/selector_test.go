package selector

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/config"
	"github.com/automlkit/ensembled/internal/losscache"
	"github.com/automlkit/ensembled/internal/metric"
)

// seed is fixed across all fixtures in this file.
const seed = 1

type fixture struct {
	store *artifact.Store
	cache *losscache.Cache
}

// run describes one on-disk prediction artifact plus its cached loss.
type run struct {
	id     int
	loss   float64
	diskMB float64
}

// newFixture materializes prediction files for each run and seeds the loss
// cache through its durable store, the same path production state takes.
func newFixture(t *testing.T, runs []run) *fixture {
	t.Helper()
	store := artifact.NewStore(t.TempDir(), 64)
	if err := store.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	db, err := losscache.Open(filepath.Join(store.CacheDir(), "ensembled.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	records := make([]*losscache.Record, 0, len(runs))
	for _, r := range runs {
		k := artifact.Key{Seed: seed, RunID: r.id, Budget: 50}
		dir := store.RunDirectory(k)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		path := filepath.Join(dir, "predictions_ensemble_"+k.DirName()+".npy")
		arr := &artifact.Array{Data: []float64{r.loss, r.loss}, Rows: 2, Cols: 1}
		if err := artifact.WriteArray(path, arr); err != nil {
			t.Fatalf("WriteArray: %v", err)
		}
		records = append(records, &losscache.Record{
			Path:    path,
			Key:     k,
			EnsLoss: r.loss,
			DiskMB:  r.diskMB,
			State:   losscache.StateDropped,
		})
	}
	if err := db.SaveRecords(context.Background(), records); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	cache := losscache.New(store, db, metric.RMSE, nil, seed, 0, 0)
	cache.Load(context.Background())
	return &fixture{store: store, cache: cache}
}

func runIDs(t *testing.T, paths []string) []int {
	t.Helper()
	out := make([]int, 0, len(paths))
	for _, p := range paths {
		k, err := artifact.ParseKey(p)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", p, err)
		}
		out = append(out, k.RunID)
	}
	return out
}

func TestSelectNBestTieBreaksOnRunID(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1}, // dummy baseline
		{id: 5, loss: 0.5, diskMB: 1},
		{id: 2, loss: 0.3, diskMB: 1},
		{id: 7, loss: 0.3, diskMB: 1},
	})
	s := &Selector{Cache: fx.cache, Seed: seed, NBest: config.NBestCount(2)}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]int{2, 7}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
	if res.MaxResidentModels != -1 {
		t.Errorf("MaxResidentModels = %d, want unset", res.MaxResidentModels)
	}
}

func TestSelectDiscardsModelsNotBeatingDummy(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 0.4, diskMB: -1},
		{id: 2, loss: 0.4, diskMB: 1}, // ties the dummy, discarded
		{id: 3, loss: 0.2, diskMB: 1},
	})
	s := &Selector{Cache: fx.cache, Seed: seed, NBest: config.NBestCount(10)}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]int{3}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectFallsBackToDummy(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 0.4, diskMB: -1},
		{id: 2, loss: 0.9, diskMB: 1},
		{id: 3, loss: 0.5, diskMB: 1},
	})
	s := &Selector{Cache: fx.cache, Seed: seed, NBest: config.NBestCount(10)}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]int{1}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectDiskBudgetMegabytes(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1},
		{id: 2, loss: 0.2, diskMB: 4},
		{id: 3, loss: 0.3, diskMB: 4},
		{id: 4, loss: 0.4, diskMB: 4},
	})
	s := &Selector{
		Cache:           fx.cache,
		Seed:            seed,
		NBest:           config.NBestCount(10),
		MaxModelsOnDisc: &config.DiskBudget{MB: 10},
	}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// 4+4 plus one pessimistic 4 MB model overruns 10 MB, so only the
	// single best model stays resident.
	if res.MaxResidentModels != 1 {
		t.Errorf("MaxResidentModels = %d, want 1", res.MaxResidentModels)
	}
	if diff := cmp.Diff([]int{2}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectDiskBudgetCount(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1},
		{id: 2, loss: 0.2, diskMB: 1},
		{id: 3, loss: 0.3, diskMB: 1},
	})
	s := &Selector{
		Cache:           fx.cache,
		Seed:            seed,
		NBest:           config.NBestCount(10),
		MaxModelsOnDisc: &config.DiskBudget{IsCount: true, Count: 1},
	}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.MaxResidentModels != 1 {
		t.Errorf("MaxResidentModels = %d, want 1", res.MaxResidentModels)
	}
	if diff := cmp.Diff([]int{2}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectDiskBudgetRoomForAll(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 2, loss: 0.2, diskMB: 1},
		{id: 3, loss: 0.3, diskMB: 1},
	})
	s := &Selector{
		Cache:           fx.cache,
		Seed:            seed,
		NBest:           config.NBestCount(10),
		MaxModelsOnDisc: &config.DiskBudget{MB: 100},
	}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.MaxResidentModels != -1 {
		t.Errorf("MaxResidentModels = %d, want unset when everything fits", res.MaxResidentModels)
	}
	if len(res.Paths) != 2 {
		t.Errorf("kept %d models, want 2", len(res.Paths))
	}
}

func TestSelectDiskBudgetCountZero(t *testing.T) {
	// A zero count budget is a real cap, not "disabled": nothing may stay
	// resident and the reclaimer gets 0, not the unset sentinel.
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1},
		{id: 2, loss: 0.2, diskMB: 1},
	})
	s := &Selector{
		Cache:           fx.cache,
		Seed:            seed,
		NBest:           config.NBestCount(10),
		MaxModelsOnDisc: &config.DiskBudget{IsCount: true, Count: 0},
	}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.MaxResidentModels != 0 {
		t.Errorf("MaxResidentModels = %d, want 0", res.MaxResidentModels)
	}
	if len(res.Paths) != 0 {
		t.Errorf("kept %d models under a zero cap", len(res.Paths))
	}
}

func TestSelectPerformanceRangePruning(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1},
		{id: 2, loss: 0.2, diskMB: 1},
		{id: 3, loss: 0.7, diskMB: 1},
		{id: 4, loss: 0.8, diskMB: 1},
	})
	s := &Selector{
		Cache:                     fx.cache,
		Seed:                      seed,
		NBest:                     config.NBestCount(10),
		PerformanceRangeThreshold: 0.5,
	}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// cutoff = 1.0 - (1.0-0.2)*0.5 = 0.6; runs 3 and 4 fall outside.
	if diff := cmp.Diff([]int{2}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectPerformanceRangeKeepsAtLeastOne(t *testing.T) {
	// threshold 1.0 puts the cutoff at the best loss itself, so even the
	// best model sits on the boundary; the floor of one must hold.
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1},
		{id: 2, loss: 0.5, diskMB: 1},
		{id: 3, loss: 0.8, diskMB: 1},
	})
	s := &Selector{
		Cache:                     fx.cache,
		Seed:                      seed,
		NBest:                     config.NBestCount(10),
		PerformanceRangeThreshold: 1.0,
	}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]int{2}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectSideEffects(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1},
		{id: 2, loss: 0.2, diskMB: 1},
		{id: 3, loss: 0.3, diskMB: 1},
	})
	s := &Selector{Cache: fx.cache, Seed: seed, NBest: config.NBestCount(1)}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Paths) != 1 {
		t.Fatalf("kept %d models, want 1", len(res.Paths))
	}
	kept := res.Paths[0]
	if fx.cache.EnsPred(kept) == nil {
		t.Errorf("kept candidate has no resident prediction array")
	}
	if fx.cache.Record(kept).State != losscache.StateLoaded {
		t.Errorf("kept candidate state = %v, want loaded", fx.cache.Record(kept).State)
	}
}

func TestSelectEmptyCache(t *testing.T) {
	fx := newFixture(t, nil)
	s := &Selector{Cache: fx.cache, Seed: seed, NBest: config.NBestCount(10)}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Paths) != 0 {
		t.Errorf("kept %d models from an empty cache", len(res.Paths))
	}
}

func TestSelectIgnoresUnscoredRecords(t *testing.T) {
	fx := newFixture(t, []run{
		{id: 1, loss: 1.0, diskMB: -1},
		{id: 2, loss: 0.2, diskMB: 1},
		{id: 3, loss: math.Inf(1), diskMB: -1},
	})
	s := &Selector{Cache: fx.cache, Seed: seed, NBest: config.NBestCount(10)}

	res, err := s.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]int{2}, runIDs(t, res.Paths)); diff != "" {
		t.Errorf("kept runs mismatch (-want +got):\n%s", diff)
	}
}
