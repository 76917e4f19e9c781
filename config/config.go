package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
)

// Config holds all matching and service parameters. Every FP_* field can be
// tuned at runtime through environment variables, matching the knobs
// operators already use in production.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `toml:"listen" default:":8001"`

	// DatabasePath is the SQLite template store location.
	DatabasePath string `toml:"database" default:"fingerid.db"`

	// LogPath is the rotating log file pattern.
	LogPath string `toml:"logfile" default:"fingerid.log"`

	// Ratio is Lowe's ratio test threshold: a descriptor correspondence is
	// accepted only when the nearest distance is below Ratio times the
	// second-nearest distance.
	Ratio float64 `toml:"fp_ratio" default:"0.75" env:"FP_RATIO"`

	// MinBase is the minimum accepted correspondence count before
	// gallery-size scaling is applied.
	MinBase int `toml:"fp_min_base" default:"45" env:"FP_MIN_BASE"`

	// AbsMinScore is a hard score floor independent of gallery size.
	AbsMinScore int `toml:"fp_abs_min_score" default:"45" env:"FP_ABS_MIN_SCORE"`

	// MarginBase is the minimum gap required between the best and the
	// runner-up candidate scores.
	MarginBase int `toml:"fp_margin_base" default:"10" env:"FP_MARGIN_BASE"`

	// MinKeypoints is the minimum usable keypoint count for a probe; below
	// it the scan is rejected as low quality.
	MinKeypoints int `toml:"fp_min_keypoints" default:"160" env:"FP_MIN_KEYPOINTS"`

	// SIFTFeatures is the keypoint detection budget per image.
	SIFTFeatures int `toml:"fp_sift_features" default:"1500" env:"FP_SIFT_FEATURES"`

	// SIFTContrast, SIFTEdge and SIFTSigma are passed through to the
	// detector unchanged.
	SIFTContrast float64 `toml:"fp_sift_contrast" default:"0.04" env:"FP_SIFT_CONTRAST"`
	SIFTEdge     float64 `toml:"fp_sift_edge" default:"10" env:"FP_SIFT_EDGE"`
	SIFTSigma    float64 `toml:"fp_sift_sigma" default:"1.6" env:"FP_SIFT_SIGMA"`

	// ConsistencyFraction: a template corroborates the best score when its
	// own score reaches this fraction of it.
	ConsistencyFraction float64 `toml:"fp_consistency_fraction" default:"0.6" env:"FP_CONSISTENCY_FRACTION"`

	// MaxCandidates caps the retriever shortlist.
	MaxCandidates int `toml:"fp_max_candidates" default:"5" env:"FP_MAX_CANDIDATES"`

	// ShortlistThreshold is the gallery size above which the embedding
	// shortlist replaces the exhaustive scan.
	ShortlistThreshold int `toml:"fp_shortlist_threshold" default:"50" env:"FP_SHORTLIST_THRESHOLD"`

	// GeometricFilter enables the dominant-rotation consistency filter on
	// accepted correspondences.
	GeometricFilter bool `toml:"fp_geometric_filter" default:"false" env:"FP_GEOMETRIC_FILTER"`

	// Workers bounds the per-request candidate scoring pool. Zero means
	// derive from the CPU count at startup.
	Workers int `toml:"fp_max_workers" default:"0" env:"FP_MAX_WORKERS"`

	// RequestTimeoutMS is the identification deadline in milliseconds.
	RequestTimeoutMS int `toml:"fp_request_timeout_ms" default:"10000" env:"FP_REQUEST_TIMEOUT_MS"`

	// Debug enables verbose logging.
	Debug bool `toml:"debug" default:"false" env:"FP_DEBUG"`
}

// Load builds the effective configuration: struct defaults, then the TOML
// file at path (if non-empty), then FP_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	defaults.SetDefaults(cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays FP_* environment variables onto cfg. Unparseable values
// are ignored so a typo in one variable does not take the service down.
func applyEnv(cfg *Config) {
	envFloat("FP_RATIO", &cfg.Ratio)
	envInt("FP_MIN_BASE", &cfg.MinBase)
	envInt("FP_ABS_MIN_SCORE", &cfg.AbsMinScore)
	envInt("FP_MARGIN_BASE", &cfg.MarginBase)
	envInt("FP_MIN_KEYPOINTS", &cfg.MinKeypoints)
	envInt("FP_SIFT_FEATURES", &cfg.SIFTFeatures)
	envFloat("FP_SIFT_CONTRAST", &cfg.SIFTContrast)
	envFloat("FP_SIFT_EDGE", &cfg.SIFTEdge)
	envFloat("FP_SIFT_SIGMA", &cfg.SIFTSigma)
	envFloat("FP_CONSISTENCY_FRACTION", &cfg.ConsistencyFraction)
	envInt("FP_MAX_CANDIDATES", &cfg.MaxCandidates)
	envInt("FP_SHORTLIST_THRESHOLD", &cfg.ShortlistThreshold)
	envBool("FP_GEOMETRIC_FILTER", &cfg.GeometricFilter)
	envInt("FP_MAX_WORKERS", &cfg.Workers)
	envInt("FP_REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	envBool("FP_DEBUG", &cfg.Debug)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "1" || v == "true"
	}
}

// Validate rejects parameter combinations that would make the decision
// layers meaningless.
func (c *Config) Validate() error {
	if c.Ratio <= 0 || c.Ratio >= 1 {
		return fmt.Errorf("FP_RATIO must be in (0,1), got %v", c.Ratio)
	}
	if c.MinBase < 1 {
		return fmt.Errorf("FP_MIN_BASE must be positive, got %d", c.MinBase)
	}
	if c.AbsMinScore < 1 {
		return fmt.Errorf("FP_ABS_MIN_SCORE must be positive, got %d", c.AbsMinScore)
	}
	if c.MarginBase < 0 {
		return fmt.Errorf("FP_MARGIN_BASE must not be negative, got %d", c.MarginBase)
	}
	if c.ConsistencyFraction <= 0 || c.ConsistencyFraction > 1 {
		return fmt.Errorf("FP_CONSISTENCY_FRACTION must be in (0,1], got %v", c.ConsistencyFraction)
	}
	if c.MaxCandidates < 1 {
		return fmt.Errorf("FP_MAX_CANDIDATES must be positive, got %d", c.MaxCandidates)
	}
	if c.SIFTFeatures < 1 {
		return fmt.Errorf("FP_SIFT_FEATURES must be positive, got %d", c.SIFTFeatures)
	}
	return nil
}

// ScaledMinScore returns the L1 minimum correspondence count for a gallery
// of the given size. Larger galleries raise the floor to offset the higher
// probability of a coincidental collision.
func (c *Config) ScaledMinScore(gallerySize int) int {
	switch {
	case gallerySize > 100:
		return c.MinBase + 10
	case gallerySize > 10:
		return c.MinBase + 5
	default:
		return c.MinBase
	}
}

// Params returns the effective configuration as a flat map for the /params
// endpoint.
func (c *Config) Params() map[string]interface{} {
	return map[string]interface{}{
		"FP_RATIO":                c.Ratio,
		"FP_MIN_BASE":             c.MinBase,
		"FP_ABS_MIN_SCORE":        c.AbsMinScore,
		"FP_MARGIN_BASE":          c.MarginBase,
		"FP_MIN_KEYPOINTS":        c.MinKeypoints,
		"FP_SIFT_FEATURES":        c.SIFTFeatures,
		"FP_SIFT_CONTRAST":        c.SIFTContrast,
		"FP_SIFT_EDGE":            c.SIFTEdge,
		"FP_SIFT_SIGMA":           c.SIFTSigma,
		"FP_CONSISTENCY_FRACTION": c.ConsistencyFraction,
		"FP_MAX_CANDIDATES":       c.MaxCandidates,
		"FP_SHORTLIST_THRESHOLD":  c.ShortlistThreshold,
		"FP_GEOMETRIC_FILTER":     c.GeometricFilter,
		"FP_MAX_WORKERS":          c.Workers,
		"FP_REQUEST_TIMEOUT_MS":   c.RequestTimeoutMS,
	}
}
