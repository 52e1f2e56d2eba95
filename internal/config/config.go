// Package config holds the recognized option surface of the ensemble
// builder, loaded from YAML with a few environment overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// IntOrFloat distinguishes a direct model count from a fraction in [0,1].
// The YAML scalar's own type decides: `3` is a count, `0.25` a fraction.
type IntOrFloat struct {
	IsInt bool
	Int   int
	Frac  float64
}

func NBestCount(n int) IntOrFloat      { return IntOrFloat{IsInt: true, Int: n} }
func NBestFraction(f float64) IntOrFloat { return IntOrFloat{Frac: f} }

func (v *IntOrFloat) UnmarshalYAML(node *yaml.Node) error {
	var i int
	if err := node.Decode(&i); err == nil {
		*v = IntOrFloat{IsInt: true, Int: i}
		return nil
	}
	var f float64
	if err := node.Decode(&f); err != nil {
		return fmt.Errorf("config: ensemble_nbest must be an int or a float: %w", err)
	}
	*v = IntOrFloat{Frac: f}
	return nil
}

// Count resolves the value against n available models: a direct count is
// capped at n, a fraction keeps at least one model.
func (v IntOrFloat) Count(n int) int {
	if n <= 0 {
		return 0
	}
	if v.IsInt {
		if v.Int < n {
			return v.Int
		}
		return n
	}
	k := int(math.Round(float64(n) * v.Frac))
	if k > n {
		k = n
	}
	if k < 1 {
		k = 1
	}
	return k
}

// Halve is one step of the memory-pressure ladder. Integer counts floor at
// 1. A fraction collapses to the integer count floor(frac/2), which is 0 for
// any legal fraction, so one halving already lands on the ladder's bottom
// rung instead of shrinking the fraction forever.
func (v IntOrFloat) Halve() IntOrFloat {
	if v.IsInt {
		half := v.Int / 2
		if half < 1 {
			half = 1
		}
		return IntOrFloat{IsInt: true, Int: half}
	}
	return IntOrFloat{IsInt: true, Int: int(v.Frac / 2)}
}

// AtFloor reports whether Halve can shrink the value no further.
func (v IntOrFloat) AtFloor() bool { return v.IsInt && v.Int <= 1 }

func (v IntOrFloat) String() string {
	if v.IsInt {
		return strconv.Itoa(v.Int)
	}
	return strconv.FormatFloat(v.Frac, 'f', -1, 64)
}

// DiskBudget is either a direct cap on resident models (int) or a disk
// budget in megabytes (float). Absent from the config means disabled.
type DiskBudget struct {
	IsCount bool
	Count   int
	MB      float64
}

func (b *DiskBudget) UnmarshalYAML(node *yaml.Node) error {
	var i int
	if err := node.Decode(&i); err == nil {
		*b = DiskBudget{IsCount: true, Count: i}
		return nil
	}
	var f float64
	if err := node.Decode(&f); err != nil {
		return fmt.Errorf("config: max_models_on_disc must be an int count or float megabytes: %w", err)
	}
	*b = DiskBudget{MB: f}
	return nil
}

// Duration parses YAML scalars like "30s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full option surface.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	DatasetName string `yaml:"dataset_name"`
	Seed        int    `yaml:"seed"`

	Metric       string             `yaml:"metric"`
	MetricParams map[string]float64 `yaml:"metric_params"`

	EnsembleSize              int         `yaml:"ensemble_size"`
	EnsembleNBest             IntOrFloat  `yaml:"ensemble_nbest"`
	MaxModelsOnDisc           *DiskBudget `yaml:"max_models_on_disc"`
	PerformanceRangeThreshold float64     `yaml:"performance_range_threshold"`
	KeepAllCandidates         bool        `yaml:"keep_all_candidates"`

	Precision     int      `yaml:"precision"`
	ReadAtMost    int      `yaml:"read_at_most"`
	MemoryLimitMB int      `yaml:"memory_limit_mb"`
	WallTime      Duration `yaml:"wall_time"`
	MaxIterations int      `yaml:"max_iterations"`
	PollInterval  Duration `yaml:"poll_interval"`

	HistorySize int    `yaml:"history_size"`
	HTTPAddr    string `yaml:"http_addr"`
}

// Default mirrors the builder's stand-alone defaults.
func Default() Config {
	return Config{
		DataDir:       "data",
		DatasetName:   "data",
		Seed:          1,
		Metric:        "rmse",
		EnsembleSize:  10,
		EnsembleNBest: NBestCount(100),
		Precision:     32,
		ReadAtMost:    5,
		MemoryLimitMB: 1024,
		WallTime:      Duration(time.Hour),
		PollInterval:  Duration(5 * time.Second),
		HistorySize:   300,
		HTTPAddr:      ":8080",
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENSEMBLED_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ENSEMBLED_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	c.Seed = envOrInt("ENSEMBLED_SEED", c.Seed)
	c.ReadAtMost = envOrInt("ENSEMBLED_READ_AT_MOST", c.ReadAtMost)
	c.MemoryLimitMB = envOrInt("ENSEMBLED_MEMORY_LIMIT_MB", c.MemoryLimitMB)
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.EnsembleSize < 1 {
		return fmt.Errorf("config: ensemble_size must be positive, got %d", c.EnsembleSize)
	}
	if c.EnsembleNBest.IsInt {
		if c.EnsembleNBest.Int < 1 {
			return fmt.Errorf("config: integer ensemble_nbest must be >= 1, got %d", c.EnsembleNBest.Int)
		}
	} else if c.EnsembleNBest.Frac < 0 || c.EnsembleNBest.Frac > 1 {
		return fmt.Errorf("config: fractional ensemble_nbest must be in [0,1], got %v", c.EnsembleNBest.Frac)
	}
	if b := c.MaxModelsOnDisc; b != nil {
		if b.IsCount && b.Count < 0 {
			return fmt.Errorf("config: max_models_on_disc count must be >= 0, got %d", b.Count)
		}
		if !b.IsCount && b.MB < 0 {
			return fmt.Errorf("config: max_models_on_disc megabytes must be >= 0, got %v", b.MB)
		}
	}
	if c.PerformanceRangeThreshold < 0 || c.PerformanceRangeThreshold > 1 {
		return fmt.Errorf("config: performance_range_threshold must be in [0,1], got %v", c.PerformanceRangeThreshold)
	}
	switch c.Precision {
	case 16, 32, 64, 128:
	default:
		return fmt.Errorf("config: precision must be one of 16/32/64/128, got %d", c.Precision)
	}
	if c.ReadAtMost < 1 {
		return fmt.Errorf("config: read_at_most must be positive, got %d", c.ReadAtMost)
	}
	return nil
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
