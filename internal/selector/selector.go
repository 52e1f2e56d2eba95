// Package selector ranks cached losses and prunes them down to the
// resident candidate set.
package selector

import (
	"errors"
	"log"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/config"
	"github.com/automlkit/ensembled/internal/losscache"
)

// Selector applies best-N, disk-budget and performance-range pruning over
// the loss cache. NBest is mutable: the driver lowers it under memory
// pressure.
type Selector struct {
	Cache *losscache.Cache
	Seed  int

	NBest                     config.IntOrFloat
	MaxModelsOnDisc           *config.DiskBudget
	PerformanceRangeThreshold float64
}

// Result is the resident set decision for one iteration.
type Result struct {
	// Paths is the kept candidate prefix in ascending-loss order.
	Paths []string

	// MaxResidentModels bounds how many models may stay on disk. Zero is
	// a real cap (keep nothing); negative means no budget is configured.
	MaxResidentModels int
}

// Select ranks every cached record and returns the kept prefix. Side
// effects: prediction arrays of demoted candidates are dropped, kept
// candidates get their ensemble-split array loaded.
func (s *Selector) Select() (Result, error) {
	sorted := s.Cache.SortedRecords()
	numKeys := len(sorted)

	// The dummy baseline (run 1) is a floor, never a candidate: anything
	// at least as bad as it is discarded. If nothing beats it, fall back
	// to the dummy itself.
	var dummies []*losscache.Record
	for _, r := range sorted {
		if r.Key.RunID == artifact.DummyRunID {
			dummies = append(dummies, r)
		}
	}
	candidates := sorted
	haveDummy := len(dummies) > 0
	var dummyLoss float64
	if haveDummy {
		dummyLoss = dummies[0].EnsLoss
		log.Printf("selector: using %f as dummy loss", dummyLoss)
		candidates = candidates[:0:0]
		for _, r := range sorted {
			if r.Key.RunID > artifact.DummyRunID && r.EnsLoss < dummyLoss {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			if numKeys > len(dummies) {
				log.Printf("selector: no models better than random, using dummy loss (models: %d, dummies: %d)",
					numKeys-1, len(dummies))
			}
			for _, r := range sorted {
				if r.Key.Seed == s.Seed && r.Key.RunID == artifact.DummyRunID {
					candidates = append(candidates, r)
				}
			}
		}
	}

	keepN := s.NBest.Count(len(candidates))
	if s.NBest.IsInt {
		log.Printf("selector: keeping %d of %d models", keepN, len(candidates))
	} else {
		log.Printf("selector: keeping top %.1f%% of models (%d of %d)",
			s.NBest.Frac*100, keepN, len(candidates))
	}

	maxResident := s.maxResidentModels(sorted)
	if maxResident >= 0 && keepN > maxResident {
		log.Printf("selector: restricting to %d models instead of %d due to the disk budget",
			maxResident, keepN)
		keepN = maxResident
	}

	// Performance-range pruning shrinks the kept prefix to models inside
	// cutoff = dummy - (dummy-best) * threshold; at least one survives.
	if s.PerformanceRangeThreshold > 0 && haveDummy && keepN > 0 && len(candidates) > 0 {
		best := candidates[0].EnsLoss
		cutoff := dummyLoss - (dummyLoss-best)*s.PerformanceRangeThreshold
		if candidates[keepN-1].EnsLoss > cutoff {
			for i := 0; i < keepN; i++ {
				if candidates[i].EnsLoss >= cutoff {
					n := i
					if n < 1 {
						n = 1
					}
					log.Printf("selector: performance range reduces %d to %d models", keepN, n)
					keepN = n
					break
				}
			}
		}
	}

	// Demoted candidates lose their resident arrays.
	for _, r := range candidates[keepN:] {
		s.Cache.DropPreds(r.Path)
	}

	// Kept candidates need their ensemble-split array in memory.
	kept := make([]string, 0, keepN)
	for _, r := range candidates[:keepN] {
		if s.Cache.EnsPred(r.Path) == nil && r.State != losscache.StateDeleted {
			if err := s.Cache.LoadEnsPred(r.Path); err != nil {
				if errors.Is(err, losscache.ErrMemoryLimit) {
					return Result{}, err
				}
				log.Printf("selector: could not load predictions for %s, skipping: %v", r.Path, err)
				continue
			}
		}
		kept = append(kept, r.Path)
	}

	return Result{Paths: kept, MaxResidentModels: maxResident}, nil
}

// maxResidentModels translates the disk budget into a model count. A count
// budget is used directly (0 keeps nothing on disk); a megabyte budget walks
// the cumulative cost in ascending-loss order plus one pessimistic extra
// max-cost model. Returns -1 when no budget applies.
func (s *Selector) maxResidentModels(sorted []*losscache.Record) int {
	b := s.MaxModelsOnDisc
	if b == nil {
		return -1
	}
	if b.IsCount {
		return b.Count
	}

	var costs []float64
	var total, maxCost float64
	for _, r := range sorted {
		if r.DiskMB < 0 {
			continue
		}
		costs = append(costs, r.DiskMB)
		total += r.DiskMB
		if r.DiskMB > maxCost {
			maxCost = r.DiskMB
		}
	}
	if len(costs) == 0 || total+maxCost <= b.MB {
		return -1
	}

	cum := 0.0
	limit := len(costs)
	for i, c := range costs {
		cum += c
		if cum+maxCost > b.MB {
			limit = i
			break
		}
	}
	if limit < 1 {
		limit = 1
	}
	log.Printf("selector: disk budget %.1f MB limits resident models to %d (worst case %.1f MB each)",
		b.MB, limit, maxCost)
	return limit
}
