package main

import (
	"fmt"
	"path/filepath"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/builder"
	"github.com/automlkit/ensembled/internal/config"
	"github.com/automlkit/ensembled/internal/ensemble"
	"github.com/automlkit/ensembled/internal/losscache"
	"github.com/automlkit/ensembled/internal/metric"
	"github.com/automlkit/ensembled/internal/selector"
)

// buildDriver wires the full builder stack from a config. The caller owns
// closing the returned store.
func buildDriver(cfg config.Config) (*builder.Driver, *losscache.Store, error) {
	registry := metric.Default()
	fn, err := registry.Lookup(cfg.Metric)
	if err != nil {
		return nil, nil, err
	}
	params := metric.Params(cfg.MetricParams)

	store := artifact.NewStore(cfg.DataDir, cfg.Precision)
	if err := store.EnsurePaths(); err != nil {
		return nil, nil, err
	}

	db, err := losscache.Open(filepath.Join(store.CacheDir(), "ensembled.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}

	cache := losscache.New(store, db, fn, params, cfg.Seed, cfg.ReadAtMost, cfg.MemoryLimitMB)
	sel := &selector.Selector{
		Cache:                     cache,
		Seed:                      cfg.Seed,
		NBest:                     cfg.EnsembleNBest,
		MaxModelsOnDisc:           cfg.MaxModelsOnDisc,
		PerformanceRangeThreshold: cfg.PerformanceRangeThreshold,
	}
	fitter := &ensemble.Fitter{Size: cfg.EnsembleSize, Metric: fn, Params: params}

	drv := &builder.Driver{
		Store:             store,
		Cache:             cache,
		Selector:          sel,
		Fitter:            fitter,
		Metric:            fn,
		Params:            params,
		MetricName:        cfg.Metric,
		DatasetName:       cfg.DatasetName,
		Seed:              cfg.Seed,
		KeepAllCandidates: cfg.KeepAllCandidates,
	}
	return drv, db, nil
}
