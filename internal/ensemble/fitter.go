package ensemble

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/metric"
)

// Candidate is one model offered to the fitter, in selector order.
type Candidate struct {
	Path string
	Key  artifact.Key
	Pred *artifact.Array
}

// Fitter runs greedy forward selection with replacement: Size rounds, each
// adding the candidate that most reduces the running weighted-average loss.
type Fitter struct {
	Size   int
	Metric metric.Func
	Params metric.Params

	last uint64
}

// LastFingerprint exposes the checksum of the previous successful fit so it
// can be persisted across invocations.
func (f *Fitter) LastFingerprint() uint64      { return f.last }
func (f *Fitter) SetLastFingerprint(fp uint64) { f.last = fp }

// Fit builds an ensemble over the candidates. It returns (nil, nil) when
// the candidate contents are unchanged since the previous successful fit;
// malformed input returns (nil, err), which callers treat as "no ensemble
// this round", never as fatal.
func (f *Fitter) Fit(candidates []Candidate, target *artifact.Array) (*Ensemble, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("ensemble: no candidates to fit")
	}
	if f.Size < 1 {
		return nil, fmt.Errorf("ensemble: ensemble size %d", f.Size)
	}

	rows, cols := 0, 0
	for i, c := range candidates {
		if c.Pred == nil {
			return nil, fmt.Errorf("ensemble: candidate %s has no prediction array", c.Path)
		}
		if i == 0 {
			rows, cols = c.Pred.Rows, c.Pred.Cols
		} else if c.Pred.Rows != rows || c.Pred.Cols != cols {
			return nil, fmt.Errorf("ensemble: candidate %s shape (%d,%d) != (%d,%d)",
				c.Path, c.Pred.Rows, c.Pred.Cols, rows, cols)
		}
	}

	fp := Fingerprint(candidates)
	if fp == f.last {
		log.Printf("ensemble: no new model predictions selected, skipping fit")
		return nil, nil
	}
	// Record the fingerprint before fitting: a failed fit on identical
	// input would fail again, so the next identical call short-circuits.
	f.last = fp

	n := len(candidates[0].Pred.Data)
	running := make([]float64, n) // unscaled sum of selected predictions
	scratch := make([]float64, n)
	avg := &artifact.Array{Data: scratch, Rows: rows, Cols: cols}

	order := make([]int, 0, f.Size)
	var finalLoss float64
	for round := 0; round < f.Size; round++ {
		scale := 1.0 / float64(round+1)
		bestIdx := -1
		bestLoss := math.Inf(1)
		for j, c := range candidates {
			copy(scratch, running)
			floats.Add(scratch, c.Pred.Data)
			floats.Scale(scale, scratch)
			loss, err := f.Metric(target, avg, f.Params)
			if err != nil {
				return nil, fmt.Errorf("ensemble: scoring candidate %s: %w", c.Path, err)
			}
			// Strict less-than keeps ties on the earlier candidate.
			if loss < bestLoss {
				bestIdx, bestLoss = j, loss
			}
		}
		floats.Add(running, candidates[bestIdx].Pred.Data)
		order = append(order, bestIdx)
		finalLoss = bestLoss
	}

	weights := make([]int, len(candidates))
	for _, idx := range order {
		weights[idx]++
	}
	members := make([]Member, 0, len(candidates))
	for i, c := range candidates {
		if weights[i] > 0 {
			members = append(members, Member{Key: c.Key, Path: c.Path, Weight: weights[i]})
		}
	}

	return &Ensemble{
		Size:      f.Size,
		Members:   members,
		Weights:   weights,
		TrainLoss: finalLoss,
	}, nil
}

// Fingerprint is a fast checksum over the candidate prediction contents,
// used to detect "nothing changed since the last fit".
func Fingerprint(candidates []Candidate) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, c := range candidates {
		if c.Pred == nil {
			continue
		}
		for _, v := range c.Pred.Data {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}
