package matcher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/distance"
	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/topk"
)

// Config is the YAML-facing mirror of Options, for deployments that keep
// matcher settings in a file next to the rest of their configuration.
type Config struct {
	NumSteps int    `yaml:"num_steps"`
	K        int    `yaml:"k"`
	Detach   bool   `yaml:"detach"`
	Seed     uint64 `yaml:"seed"`
	// Backend selects the sparse-mode search backend: "brute" (exact,
	// the default) or "hnsw" (approximate).
	Backend string     `yaml:"backend"`
	HNSW    HNSWConfig `yaml:"hnsw"`
}

// HNSWConfig tunes the approximate backend when Backend is "hnsw".
type HNSWConfig struct {
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	Precision      string `yaml:"precision"` // "float32" (default) or "float16"
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Options translates the file form into runtime options, validating the
// backend selection up front.
func (c *Config) Options() (Options, error) {
	opts := Options{
		NumSteps: c.NumSteps,
		K:        c.K,
		Detach:   c.Detach,
		Seed:     c.Seed,
	}
	switch c.Backend {
	case "", "brute":
		// Default exact backend; Options.Searcher stays nil.
	case "hnsw":
		precision := distance.PrecisionType(c.HNSW.Precision)
		if precision == "" {
			precision = distance.Float32
		}
		if err := distance.ValidatePrecision(precision); err != nil {
			return Options{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		opts.Searcher = topk.NewHNSWFactory(topk.HNSWOptions{
			M:              c.HNSW.M,
			EfConstruction: c.HNSW.EfConstruction,
			EfSearch:       c.HNSW.EfSearch,
			Precision:      precision,
			Seed:           c.Seed,
		})
	default:
		return Options{}, fmt.Errorf("%w: unknown backend %q", ErrInvalidOptions, c.Backend)
	}
	return opts, nil
}
