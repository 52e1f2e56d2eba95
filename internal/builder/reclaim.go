package builder

import (
	"log"
	"math"
	"path/filepath"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/losscache"
)

// reclaim deletes run directories of models that fell out of the top
// maxResident by loss. A negative maxResident disables reclamation; zero
// means nothing may stay on disk. Never touched: the dummy baseline,
// anything in the resident set, anything ever selected (when retention is
// on), and records already deleted. Failures are logged and retried
// implicitly next iteration because the record still looks "excess".
func (d *Driver) reclaim(maxResident int, resident map[string]bool) {
	if maxResident < 0 {
		return
	}
	sorted := d.Cache.SortedRecords()
	if len(sorted) <= maxResident {
		return
	}

	for _, rec := range sorted[maxResident:] {
		if resident[rec.Path] {
			continue
		}
		if rec.EverCandidate {
			continue
		}
		if rec.Key.RunID == artifact.DummyRunID {
			continue
		}
		if rec.State == losscache.StateDeleted {
			continue
		}

		dir := filepath.Dir(rec.Path)
		if err := d.Store.AtomicDelete(dir); err != nil {
			log.Printf("builder: failed to delete non-candidate model %s: %v", rec.Path, err)
			continue
		}
		log.Printf("builder: deleted files of non-candidate model %s", rec.Path)
		rec.State = losscache.StateDeleted
		rec.EnsLoss = math.Inf(1)
		rec.DiskMB = -1
		d.Cache.DropPreds(rec.Path)
	}
}
