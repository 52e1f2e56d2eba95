// Package losscache tracks the evaluation loss, load state and disk
// footprint of every prediction artifact the builder has ever seen, and
// persists that state between builder invocations.
package losscache

import (
	"errors"

	"github.com/automlkit/ensembled/internal/artifact"
)

// ErrMemoryLimit reports that loading another prediction array would push
// the resident set past the configured memory budget.
var ErrMemoryLimit = errors.New("losscache: memory limit exceeded")

// LoadState tracks where an artifact's prediction array currently lives.
type LoadState int

const (
	StateUnloaded LoadState = iota // seen, never decoded
	StateLoaded                    // decoded array resident in memory
	StateDropped                   // decoded once, array freed again
	StateDeleted                   // backing files removed from disk
)

func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateDropped:
		return "dropped"
	case StateDeleted:
		return "deleted"
	}
	return "unknown"
}

// Record is the mutable cache entry for one artifact. Records are created
// on first sighting and only ever state-transitioned, never removed, so the
// ranking keeps history across iterations.
type Record struct {
	Path string
	Key  artifact.Key

	// EnsLoss is the optimization-metric loss on the ensemble-building
	// split; +Inf when unknown or invalid.
	EnsLoss float64

	// Modification-time tokens. Equality with the file's current mtime
	// means nothing changed and the read is skipped.
	MtimeEns  int64
	MtimeTest int64

	// DiskMB is the run directory footprint; < 0 when unknown.
	DiskMB float64

	State LoadState

	// EverCandidate marks records that made the resident set at least
	// once; the reclaimer can be configured to never delete those.
	EverCandidate bool
}

// PredEntry holds the decoded arrays for a currently resident candidate.
type PredEntry struct {
	Ens  *artifact.Array
	Test *artifact.Array
}
