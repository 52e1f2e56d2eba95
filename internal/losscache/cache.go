package losscache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/metric"
)

const predBlobName = "prediction_cache"

// persistedPreds is the durable form of the prediction cache plus the
// fingerprint of the last successful fit.
type persistedPreds struct {
	Preds       map[string]*PredEntry
	Fingerprint uint64
}

// Cache owns the loss records and the in-memory prediction arrays for one
// builder. It is used by exactly one driver invocation at a time.
type Cache struct {
	store  *artifact.Store
	db     *Store
	metric metric.Func
	params metric.Params
	seed   int

	// ReadAtMost caps how many changed artifacts one Update call decodes;
	// the driver lowers it under memory pressure. 0 means no cap.
	ReadAtMost int

	// MemoryLimitMB bounds the resident prediction arrays. 0 disables.
	MemoryLimitMB int

	records     map[string]*Record
	preds       map[string]*PredEntry
	target      *artifact.Array
	fingerprint uint64
}

func New(store *artifact.Store, db *Store, fn metric.Func, params metric.Params, seed, readAtMost, memoryLimitMB int) *Cache {
	return &Cache{
		store:         store,
		db:            db,
		metric:        fn,
		params:        params,
		seed:          seed,
		ReadAtMost:    readAtMost,
		MemoryLimitMB: memoryLimitMB,
		records:       map[string]*Record{},
		preds:         map[string]*PredEntry{},
	}
}

// Load restores the persisted records and prediction cache. Corruption of
// either resets that part to empty; it is never fatal.
func (c *Cache) Load(ctx context.Context) {
	records, err := c.db.LoadRecords(ctx)
	if err != nil {
		log.Printf("losscache: could not restore loss records, starting empty: %v", err)
		records = map[string]*Record{}
	}
	c.records = records

	data, ok, err := c.db.LoadBlob(ctx, predBlobName)
	if err != nil {
		log.Printf("losscache: could not restore prediction cache, starting empty: %v", err)
		return
	}
	if !ok {
		return
	}
	var p persistedPreds
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		log.Printf("losscache: corrupt prediction cache, starting empty: %v", err)
		return
	}
	if p.Preds != nil {
		c.preds = p.Preds
	}
	c.fingerprint = p.Fingerprint
}

// PersistRecords writes the loss records to durable storage.
func (c *Cache) PersistRecords(ctx context.Context) error {
	records := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		records = append(records, r)
	}
	return c.db.SaveRecords(ctx, records)
}

// PersistPreds writes the prediction cache and fit fingerprint.
func (c *Cache) PersistPreds(ctx context.Context) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(persistedPreds{Preds: c.preds, Fingerprint: c.fingerprint}); err != nil {
		return fmt.Errorf("losscache: encode prediction cache: %w", err)
	}
	return c.db.SaveBlob(ctx, predBlobName, buf.Bytes())
}

// DropPersistedPreds discards the durable prediction cache. Used when a
// memory-limited run restarts with a smaller working set.
func (c *Cache) DropPersistedPreds(ctx context.Context) error {
	c.preds = map[string]*PredEntry{}
	return c.db.DeleteBlob(ctx, predBlobName)
}

// Target is the ground truth of the ensemble-building split, once loaded.
func (c *Cache) Target() *artifact.Array { return c.target }

// Fingerprint is the checksum of the candidate set of the last successful fit.
func (c *Cache) Fingerprint() uint64        { return c.fingerprint }
func (c *Cache) SetFingerprint(fp uint64)   { c.fingerprint = fp }
func (c *Cache) Record(path string) *Record { return c.records[path] }
func (c *Cache) Len() int                   { return len(c.records) }

// Update scans the run directory for new or changed ensemble-split
// prediction files, recomputing losses for up to ReadAtMost of them in
// ascending run order. It returns false (and no error) when there is
// nothing to do this iteration: missing ground truth or zero artifacts.
// A path violating the naming contract is an error.
func (c *Cache) Update(ctx context.Context) (bool, error) {
	if c.target == nil {
		target, err := c.store.LoadGroundTruth("ensemble")
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				log.Printf("losscache: no ensemble targets yet: %v", err)
				return false, nil
			}
			return false, err
		}
		c.target = target
	}

	files, err := c.store.ListEnsemblePredictions(c.seed)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		log.Printf("losscache: found no prediction files for seed %d", c.seed)
		return false, nil
	}

	type pending struct {
		path string
		key  artifact.Key
	}
	toRead := make([]pending, 0, len(files))
	for _, path := range files {
		key, err := artifact.ParseKey(path)
		if err != nil {
			return false, err
		}
		toRead = append(toRead, pending{path: path, key: key})
	}
	// Older runs first, so they win when the read budget is tight.
	sort.SliceStable(toRead, func(i, j int) bool { return toRead[i].key.RunID < toRead[j].key.RunID })

	nRead := 0
	for _, p := range toRead {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if c.ReadAtMost > 0 && nRead >= c.ReadAtMost {
			break
		}

		rec := c.records[p.path]
		if rec == nil {
			rec = &Record{
				Path:    p.path,
				Key:     p.key,
				EnsLoss: math.Inf(1),
				DiskMB:  -1,
				State:   StateUnloaded,
			}
			c.records[p.path] = rec
		}
		if c.preds[p.path] == nil {
			c.preds[p.path] = &PredEntry{}
		}

		mtime, err := artifact.Mtime(p.path)
		if err != nil {
			log.Printf("losscache: stat %s: %v", p.path, err)
			continue
		}
		if rec.MtimeEns == mtime {
			// Same timestamp, nothing changed.
			continue
		}

		arr, err := c.store.ReadArray(p.path)
		if err != nil {
			log.Printf("losscache: error loading %s: %v", p.path, err)
			rec.EnsLoss = math.Inf(1)
			continue
		}
		loss, err := c.metric(c.target, arr, c.params)
		if err != nil {
			log.Printf("losscache: error scoring %s: %v", p.path, err)
			rec.EnsLoss = math.Inf(1)
			continue
		}

		if !math.IsInf(rec.EnsLoss, 1) {
			log.Printf("losscache: loss for %s changed from %f to %f (mtime moved)", p.path, rec.EnsLoss, loss)
		}
		rec.EnsLoss = loss
		rec.MtimeEns = mtime
		// Only the loss is kept at this point; the selector reloads the
		// array if the model makes the resident set.
		rec.State = StateDropped
		if cost, err := c.store.DiskCostMB(p.path); err != nil {
			log.Printf("losscache: disk cost %s: %v", p.path, err)
		} else {
			rec.DiskMB = cost
		}
		nRead++
	}

	loaded := 0
	for _, r := range c.records {
		if r.State != StateUnloaded {
			loaded++
		}
	}
	log.Printf("losscache: read %d new prediction files, %d scored in total", nRead, loaded)
	return true, nil
}

// SortedRecords returns every record ordered by (loss ascending, run id
// ascending). The tie-break keeps the ordering deterministic.
func (c *Cache) SortedRecords() []*Record {
	out := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EnsLoss != out[j].EnsLoss {
			return out[i].EnsLoss < out[j].EnsLoss
		}
		return out[i].Key.RunID < out[j].Key.RunID
	})
	return out
}

// EnsPred returns the resident ensemble-split array for a path, or nil.
func (c *Cache) EnsPred(path string) *artifact.Array {
	if e := c.preds[path]; e != nil {
		return e.Ens
	}
	return nil
}

// TestPred returns the resident test-split array for a path, or nil.
func (c *Cache) TestPred(path string) *artifact.Array {
	if e := c.preds[path]; e != nil {
		return e.Test
	}
	return nil
}

// LoadEnsPred makes the ensemble-split array for path resident, honoring
// the memory budget.
func (c *Cache) LoadEnsPred(path string) error {
	entry := c.preds[path]
	if entry == nil {
		entry = &PredEntry{}
		c.preds[path] = entry
	}
	if entry.Ens != nil {
		return nil
	}
	rec := c.records[path]
	if rec == nil || rec.State == StateDeleted {
		return fmt.Errorf("losscache: no loadable record for %s", path)
	}
	arr, err := c.store.ReadArray(path)
	if err != nil {
		return err
	}
	entry.Ens = arr
	rec.State = StateLoaded
	return c.checkMemory()
}

// LoadTestPred makes the test-split array for path resident, if the run has
// one. Returns false when the test file is missing.
func (c *Cache) LoadTestPred(path string) (bool, error) {
	rec := c.records[path]
	if rec == nil {
		return false, fmt.Errorf("losscache: unknown record %s", path)
	}
	testPath, err := c.store.TestPredictionPath(rec.Key)
	if err != nil {
		return false, err
	}
	if testPath == "" {
		return false, nil
	}

	mtime, err := artifact.Mtime(testPath)
	if err != nil {
		return false, err
	}
	entry := c.preds[path]
	if entry == nil {
		entry = &PredEntry{}
		c.preds[path] = entry
	}
	if rec.MtimeTest == mtime && entry.Test != nil {
		return true, nil
	}

	arr, err := c.store.ReadArray(testPath)
	if err != nil {
		return false, err
	}
	entry.Test = arr
	rec.MtimeTest = mtime
	if err := c.checkMemory(); err != nil {
		return false, err
	}
	return true, nil
}

// DropPreds frees the resident arrays for a demoted candidate.
func (c *Cache) DropPreds(path string) {
	if e := c.preds[path]; e != nil {
		e.Ens = nil
		e.Test = nil
	}
	rec := c.records[path]
	if rec != nil && rec.State == StateLoaded {
		log.Printf("losscache: dropping model %s (run %d) with loss %f", path, rec.Key.RunID, rec.EnsLoss)
		rec.State = StateDropped
	}
}

// MarkCandidate records that path made the resident set at least once.
func (c *Cache) MarkCandidate(path string) {
	if rec := c.records[path]; rec != nil {
		rec.EverCandidate = true
	}
}

func (c *Cache) residentBytes() int64 {
	var total int64
	for _, e := range c.preds {
		if e.Ens != nil {
			total += e.Ens.SizeBytes()
		}
		if e.Test != nil {
			total += e.Test.SizeBytes()
		}
	}
	return total
}

func (c *Cache) checkMemory() error {
	if c.MemoryLimitMB <= 0 {
		return nil
	}
	if c.residentBytes() > int64(c.MemoryLimitMB)*1024*1024 {
		return fmt.Errorf("%w: resident predictions exceed %d MB", ErrMemoryLimit, c.MemoryLimitMB)
	}
	return nil
}
