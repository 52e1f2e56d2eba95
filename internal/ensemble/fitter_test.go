package ensemble

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/metric"
)

func vec(vals ...float64) *artifact.Array {
	return &artifact.Array{Data: vals, Rows: len(vals), Cols: 1}
}

func cand(path string, run int, vals ...float64) Candidate {
	return Candidate{
		Path: path,
		Key:  artifact.Key{Seed: 1, RunID: run, Budget: 50},
		Pred: vec(vals...),
	}
}

func TestFitWeightsSumToSize(t *testing.T) {
	f := &Fitter{Size: 7, Metric: metric.RMSE}
	ens, err := f.Fit([]Candidate{
		cand("a", 2, 0.1, 0.9),
		cand("b", 3, 0.4, 0.6),
	}, vec(0, 1))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	var sum int
	for _, w := range ens.Weights {
		sum += w
	}
	if sum != 7 {
		t.Errorf("weights %v sum to %d, want 7", ens.Weights, sum)
	}
	var memberSum int
	for _, m := range ens.Members {
		memberSum += m.Weight
	}
	if memberSum != 7 {
		t.Errorf("member weights sum to %d, want 7", memberSum)
	}
}

func TestFitCombinesComplementaryModels(t *testing.T) {
	// Each candidate alone scores 0.5; the 50/50 blend is exact, so the
	// greedy pass must select each of them once.
	f := &Fitter{Size: 2, Metric: metric.RMSE}
	ens, err := f.Fit([]Candidate{
		cand("a", 2, 0, 1),
		cand("b", 3, 1, 0),
	}, vec(0.5, 0.5))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if diff := cmp.Diff([]int{1, 1}, ens.Weights); diff != "" {
		t.Errorf("weights mismatch (-want +got):\n%s", diff)
	}
	if ens.TrainLoss != 0 {
		t.Errorf("TrainLoss = %v, want 0", ens.TrainLoss)
	}
}

func TestFitTieKeepsEarlierCandidate(t *testing.T) {
	f := &Fitter{Size: 4, Metric: metric.RMSE}
	ens, err := f.Fit([]Candidate{
		cand("a", 2, 0.3, 0.7),
		cand("b", 3, 0.3, 0.7),
	}, vec(0, 1))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if diff := cmp.Diff([]int{4, 0}, ens.Weights); diff != "" {
		t.Errorf("weights mismatch (-want +got):\n%s", diff)
	}
	if len(ens.Members) != 1 || ens.Members[0].Path != "a" {
		t.Errorf("members = %+v, want only candidate a", ens.Members)
	}
}

func TestFitSkipsUnchangedInput(t *testing.T) {
	f := &Fitter{Size: 2, Metric: metric.RMSE}
	candidates := []Candidate{cand("a", 2, 0.1, 0.9)}
	target := vec(0, 1)

	first, err := f.Fit(candidates, target)
	if err != nil || first == nil {
		t.Fatalf("first Fit = (%v, %v), want ensemble", first, err)
	}
	second, err := f.Fit(candidates, target)
	if err != nil {
		t.Fatalf("second Fit: %v", err)
	}
	if second != nil {
		t.Errorf("second Fit on identical input returned %+v, want nil", second)
	}

	// A changed prediction array produces a fresh fit.
	candidates[0].Pred = vec(0.2, 0.8)
	third, err := f.Fit(candidates, target)
	if err != nil || third == nil {
		t.Errorf("Fit after change = (%v, %v), want ensemble", third, err)
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	f := &Fitter{Size: 2, Metric: metric.RMSE}
	target := vec(0, 1)

	if _, err := f.Fit(nil, target); err == nil {
		t.Errorf("Fit(nil) succeeded, want error")
	}
	if _, err := f.Fit([]Candidate{{Path: "a", Pred: nil}}, target); err == nil {
		t.Errorf("Fit with nil prediction succeeded, want error")
	}
	if _, err := f.Fit([]Candidate{
		cand("a", 2, 0.1, 0.9),
		cand("b", 3, 0.1, 0.9, 0.5),
	}, target); err == nil {
		t.Errorf("Fit with mismatched shapes succeeded, want error")
	}
}

func TestFingerprintDistinguishesContents(t *testing.T) {
	a := []Candidate{cand("a", 2, 0.1, 0.9)}
	b := []Candidate{cand("a", 2, 0.1, 0.8)}
	if Fingerprint(a) == Fingerprint(b) {
		t.Errorf("different contents share a fingerprint")
	}
	if Fingerprint(a) != Fingerprint([]Candidate{cand("other", 9, 0.1, 0.9)}) {
		t.Errorf("fingerprint depends on more than prediction contents")
	}
}

func TestPredictWeightedAverage(t *testing.T) {
	e := &Ensemble{Size: 4, Weights: []int{3, 0, 1}}
	got, err := e.Predict([]*artifact.Array{
		vec(0, 4),
		nil, // weight zero, never touched
		vec(4, 0),
	})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := vec(1, 3)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("prediction mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictRejectsMisalignedInput(t *testing.T) {
	e := &Ensemble{Size: 2, Weights: []int{1, 1}}
	if _, err := e.Predict([]*artifact.Array{vec(1)}); err == nil {
		t.Errorf("Predict with wrong arity succeeded, want error")
	}
	if _, err := e.Predict([]*artifact.Array{vec(1), nil}); err == nil {
		t.Errorf("Predict with missing member array succeeded, want error")
	}
}
