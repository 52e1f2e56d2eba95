// Package builder owns the per-iteration build: read artifacts, select
// candidates, fit, persist, reclaim disk and snapshot the trajectory.
package builder

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/config"
	"github.com/automlkit/ensembled/internal/ensemble"
	"github.com/automlkit/ensembled/internal/history"
	"github.com/automlkit/ensembled/internal/losscache"
	"github.com/automlkit/ensembled/internal/metric"
	"github.com/automlkit/ensembled/internal/selector"
)

// defaultTimeBuffer is slack reserved inside the wall-clock budget so the
// iteration never races the deadline on its final writes.
const defaultTimeBuffer = 5 * time.Second

// savedPredPrecision is the decimal precision of persisted prediction text.
const savedPredPrecision = 8

// Driver runs the READ -> SELECT -> FIT -> PERSIST -> RECLAIM -> SNAPSHOT
// machine. It is stateless across invocations except for the durable loss
// and prediction caches.
type Driver struct {
	Store    *artifact.Store
	Cache    *losscache.Cache
	Selector *selector.Selector
	Fitter   *ensemble.Fitter

	Metric      metric.Func
	Params      metric.Params
	MetricName  string
	DatasetName string
	Seed        int

	// KeepAllCandidates retains every model that was ever selected.
	KeepAllCandidates bool

	TimeBuffer time.Duration

	testTarget        *artifact.Array
	testTargetMissing bool
	valPerf           float64
	valPerfSet        bool
}

// Result is what one invocation hands back to the coordinator.
type Result struct {
	History    []history.Snapshot
	NBest      config.IntOrFloat
	ReadAtMost int
}

// ValidationPerformance is the best fitted loss seen so far (+Inf before
// the first successful fit).
func (d *Driver) ValidationPerformance() float64 {
	if !d.valPerfSet {
		return math.Inf(1)
	}
	return d.valPerf
}

// Run executes iterations until one succeeds or the wall clock runs out.
// Memory exhaustion degrades the configuration: halve ensemble_nbest, then
// read_at_most=1, then ensemble_nbest=0 (reclaim-only). It never returns
// an error; failures surface as an unchanged trajectory.
func (d *Driver) Run(ctx context.Context, endAt time.Time, iteration int) Result {
	d.Cache.Load(ctx)
	d.Fitter.SetLastFingerprint(d.Cache.Fingerprint())

	for {
		timeLeft := time.Until(endAt) - d.timeBuffer()
		if timeLeft < time.Second {
			log.Printf("builder: iteration %d abandoned, wall clock exhausted", iteration)
			return d.result(nil)
		}

		runCtx, cancel := context.WithTimeout(ctx, timeLeft)
		snaps, err := d.iterate(runCtx, iteration)
		cancel()

		switch {
		case err == nil:
			return d.result(snaps)

		case errors.Is(err, losscache.ErrMemoryLimit):
			// Resident predictions no longer fit; restart smaller.
			if derr := d.Cache.DropPersistedPreds(ctx); derr != nil {
				log.Printf("builder: dropping prediction cache: %v", derr)
			}
			if d.Selector.NBest.AtFloor() {
				if d.Cache.ReadAtMost == 1 {
					log.Printf("builder: memory limit hit with ensemble_nbest at its floor and "+
						"read_at_most=1; setting ensemble_nbest=0 and continuing only to reclaim disk "+
						"(raise memory_limit_mb above %d to build ensembles again)", d.Cache.MemoryLimitMB)
					d.Selector.NBest = config.NBestCount(0)
				} else {
					log.Printf("builder: memory limit hit, reducing read_at_most to 1")
					d.Cache.ReadAtMost = 1
				}
				continue
			}
			d.Selector.NBest = d.Selector.NBest.Halve()
			log.Printf("builder: memory limit hit, restarting with ensemble_nbest=%s", d.Selector.NBest)
			return d.result(nil)

		case errors.Is(err, context.DeadlineExceeded):
			log.Printf("builder: iteration %d abandoned, wall clock exhausted mid-run", iteration)
			return d.result(nil)

		default:
			// Fatal to this iteration only; try again next tick.
			log.Printf("builder: iteration %d failed: %v", iteration, err)
			return d.result(nil)
		}
	}
}

func (d *Driver) timeBuffer() time.Duration {
	if d.TimeBuffer > 0 {
		return d.TimeBuffer
	}
	return defaultTimeBuffer
}

func (d *Driver) result(snaps []history.Snapshot) Result {
	return Result{History: snaps, NBest: d.Selector.NBest, ReadAtMost: d.Cache.ReadAtMost}
}

// iterate is one pass through the state machine.
func (d *Driver) iterate(ctx context.Context, iteration int) ([]history.Snapshot, error) {
	// READ
	ok, err := d.Cache.Update(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// SELECT
	sel, err := d.Selector.Select()
	if err != nil {
		return nil, err
	}
	if len(sel.Paths) == 0 {
		// Reclaim-only mode (and the no-candidates-yet case) still frees
		// disk and keeps the record state durable.
		d.reclaim(sel.MaxResidentModels, nil)
		if perr := d.Cache.PersistRecords(ctx); perr != nil {
			log.Printf("builder: persisting loss records: %v", perr)
		}
		return nil, nil
	}
	if d.KeepAllCandidates {
		for _, p := range sel.Paths {
			d.Cache.MarkCandidate(p)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Test-split predictions are loaded only for the winners; a missing
	// test file keeps the model in the ensemble but skips the test score.
	haveAllTests := true
	for _, p := range sel.Paths {
		loaded, err := d.Cache.LoadTestPred(p)
		if err != nil {
			if errors.Is(err, losscache.ErrMemoryLimit) {
				return nil, err
			}
			log.Printf("builder: loading test predictions for %s: %v", p, err)
			loaded = false
		}
		if !loaded {
			haveAllTests = false
		}
	}

	// FIT
	candidates := make([]ensemble.Candidate, 0, len(sel.Paths))
	for _, p := range sel.Paths {
		candidates = append(candidates, ensemble.Candidate{
			Path: p,
			Key:  d.Cache.Record(p).Key,
			Pred: d.Cache.EnsPred(p),
		})
	}
	ens, err := d.Fitter.Fit(candidates, d.Cache.Target())
	if err != nil {
		log.Printf("builder: no ensemble this round: %v", err)
		ens = nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// PERSIST
	if ens != nil {
		if err := d.Store.SaveEnsemble(ens, iteration, d.Seed); err != nil {
			log.Printf("builder: saving ensemble: %v", err)
		}
	}

	// RECLAIM. Runs after the ensemble is saved so models of the current
	// ensemble are never deleted out from under it.
	resident := make(map[string]bool, len(sel.Paths))
	for _, p := range sel.Paths {
		resident[p] = true
	}
	d.reclaim(sel.MaxResidentModels, resident)

	if err := d.Cache.PersistRecords(ctx); err != nil {
		log.Printf("builder: persisting loss records: %v", err)
	}

	// SNAPSHOT
	var snaps []history.Snapshot
	if ens != nil {
		if snap, ok := d.snapshot(ens, sel.Paths, haveAllTests, iteration); ok {
			snaps = append(snaps, snap)
		}
		if !d.valPerfSet || ens.TrainLoss < d.valPerf {
			d.valPerf = ens.TrainLoss
			d.valPerfSet = true
		}
	}

	d.Cache.SetFingerprint(d.Fitter.LastFingerprint())
	if err := d.Cache.PersistPreds(ctx); err != nil {
		log.Printf("builder: persisting prediction cache: %v", err)
	}
	return snaps, nil
}

// snapshot predicts with the fresh ensemble, saves the outputs and scores
// them for the trajectory.
func (d *Driver) snapshot(ens *ensemble.Ensemble, paths []string, haveAllTests bool, iteration int) (history.Snapshot, bool) {
	trainArrays := make([]*artifact.Array, len(paths))
	for i, p := range paths {
		trainArrays[i] = d.Cache.EnsPred(p)
	}
	trainPred, err := ens.Predict(trainArrays)
	if err != nil {
		log.Printf("builder: predicting ensemble split: %v", err)
		return history.Snapshot{}, false
	}
	if err := d.Store.SavePredictions(trainPred, "ensemble", iteration, d.DatasetName, savedPredPrecision); err != nil {
		log.Printf("builder: saving ensemble predictions: %v", err)
	}
	trainLoss, err := d.Metric(d.Cache.Target(), trainPred, d.Params)
	if err != nil {
		log.Printf("builder: scoring ensemble predictions: %v", err)
		return history.Snapshot{}, false
	}

	snap := history.Snapshot{
		Iteration: iteration,
		At:        time.Now(),
		Metric:    d.MetricName,
		TrainLoss: trainLoss,
		NumModels: len(paths),
	}

	if haveAllTests {
		testArrays := make([]*artifact.Array, len(paths))
		for i, p := range paths {
			testArrays[i] = d.Cache.TestPred(p)
		}
		testPred, err := ens.Predict(testArrays)
		if err != nil {
			log.Printf("builder: predicting test split: %v", err)
			return snap, true
		}
		if err := d.Store.SavePredictions(testPred, "test", iteration, d.DatasetName, savedPredPrecision); err != nil {
			log.Printf("builder: saving test predictions: %v", err)
		}
		if target := d.loadTestTarget(); target != nil {
			testLoss, err := d.Metric(target, testPred, d.Params)
			if err != nil {
				log.Printf("builder: scoring test predictions: %v", err)
			} else {
				snap.TestLoss = testLoss
				snap.HasTest = true
			}
		}
	}
	return snap, true
}

func (d *Driver) loadTestTarget() *artifact.Array {
	if d.testTarget != nil || d.testTargetMissing {
		return d.testTarget
	}
	target, err := d.Store.LoadGroundTruth("test")
	if err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			log.Printf("builder: loading test targets: %v", err)
		}
		d.testTargetMissing = true
		return nil
	}
	d.testTarget = target
	return target
}
