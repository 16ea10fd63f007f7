// Package config holds the layered configuration of the matching service: a
// YAML document with named performance presets, environment overrides and the
// flat tuning values the pipeline consumes.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/util"
)

// Environment variables recognized by the service. Flags in the binaries use
// these as defaults so that container deployments can configure the service
// without editing the command line.
const (
	EnvConfigFile       = "MATCH_CONFIG"
	EnvPerformanceLevel = "MATCH_PERFORMANCE_LEVEL"
	EnvDBPath           = "MATCH_DB_PATH"
	EnvCacheDir         = "MATCH_CACHE_DIR"
	EnvStorageRoot      = "MATCH_STORAGE_ROOT"
	EnvProgressURL      = "MATCH_PROGRESS_URL"
	EnvHost             = "MATCH_HOST"
	EnvPort             = "MATCH_PORT"
	EnvMaxWorkers       = "MATCH_MAX_WORKERS"
	EnvUpdateTimeout    = "MATCH_PROGRESS_UPDATE_TIMEOUT"
	EnvCompleteTimeout  = "MATCH_PROGRESS_COMPLETE_TIMEOUT"
	EnvProgressBatch    = "MATCH_PROGRESS_BATCH"
)

// Preset names shipped in the default configuration.
const (
	PresetFast     = "fast"
	PresetBalanced = "balanced"
	PresetAccurate = "accurate"
	PresetCustom   = "custom"
)

// Detector configures one descriptor family.
type Detector struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Features int  `yaml:"features" json:"features"`
}

// Detectors configures both descriptor families.
type Detectors struct {
	Sift Detector `yaml:"sift" json:"sift"`
	Orb  Detector `yaml:"orb" json:"orb"`
}

// FeatureWeights are the fusion weights applied when both families produce a
// non-zero similarity.
type FeatureWeights struct {
	Sift float64 `yaml:"sift" json:"sift"`
	Orb  float64 `yaml:"orb" json:"orb"`
}

// RatioTest holds the Lowe ratio-test thresholds per family.
type RatioTest struct {
	Sift float64 `yaml:"sift" json:"sift"`
	Orb  float64 `yaml:"orb" json:"orb"`
}

// Options are behavior switches grouped by the presets.
type Options struct {
	UseAdvancedMatching bool `yaml:"use_advanced_matching" json:"use_advanced_matching"`
	UseComicDetection   bool `yaml:"use_comic_detection" json:"use_comic_detection"`
	CacheOnly           bool `yaml:"cache_only" json:"cache_only"`
}

// Preset is one named performance profile. Applying a preset copies all of
// its fields over the flat top-level fields of the Config.
type Preset struct {
	ImageSize      int            `yaml:"image_size" json:"image_size"`
	MaxWorkers     int            `yaml:"max_workers" json:"max_workers"`
	Detectors      Detectors      `yaml:"detectors" json:"detectors"`
	FeatureWeights FeatureWeights `yaml:"feature_weights" json:"feature_weights"`
	Options        Options        `yaml:"options" json:"options"`
}

// Config is the full layered configuration document.
type Config struct {
	PerformanceLevel    string    `yaml:"performance_level" json:"performance_level"`
	ResultBatch         int       `yaml:"result_batch" json:"result_batch"`
	SimilarityThreshold Threshold `yaml:"similarity_threshold" json:"similarity_threshold"`

	// Flat tuning values, overwritten when a preset is applied.
	ImageSize      int            `yaml:"image_size" json:"image_size"`
	MaxWorkers     int            `yaml:"max_workers" json:"max_workers"`
	Detectors      Detectors      `yaml:"detectors" json:"detectors"`
	FeatureWeights FeatureWeights `yaml:"feature_weights" json:"feature_weights"`
	RatioTest      RatioTest      `yaml:"ratio_test" json:"ratio_test"`
	Options        Options        `yaml:"options" json:"options"`

	Presets map[string]Preset `yaml:"presets" json:"presets"`
}

// Threshold is a similarity threshold in [0, 1]. It unmarshals from a decimal
// ("0.55" or 0.55) or a percentage ("55%" or 55); anything above 1 is read as
// a percentage.
type Threshold float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Threshold) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := ParseThreshold(raw)
	if err != nil {
		return err
	}
	*t = Threshold(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (t Threshold) MarshalYAML() (interface{}, error) {
	return float64(t), nil
}

// ParseThreshold normalizes the accepted threshold spellings ("55%", "0.55",
// 55, 0.55) to a decimal in [0, 1].
func ParseThreshold(v interface{}) (float64, error) {
	var f float64
	switch tv := v.(type) {
	case float64:
		f = tv
	case float32:
		f = float64(tv)
	case int:
		f = float64(tv)
	case int64:
		f = float64(tv)
	case string:
		s := strings.TrimSpace(tv)
		percent := strings.HasSuffix(s, "%")
		s = strings.TrimSuffix(s, "%")
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, skerr.Fmt("invalid similarity threshold %q", tv)
		}
		if percent {
			f /= 100
		}
	default:
		return 0, skerr.Fmt("invalid similarity threshold of type %T", v)
	}
	// Bare numbers above 1 are percentages, e.g. 55 -> 0.55.
	if f > 1 {
		f /= 100
	}
	if f < 0 || f > 1 {
		return 0, skerr.Fmt("similarity threshold %v is outside [0, 1]", v)
	}
	return f, nil
}

// Default returns the built-in configuration: the balanced preset applied,
// with all four presets defined.
func Default() Config {
	c := Config{
		PerformanceLevel:    PresetBalanced,
		ResultBatch:         10,
		SimilarityThreshold: 0.55,
		RatioTest:           RatioTest{Sift: 0.75, Orb: 0.70},
		Presets:             DefaultPresets(),
	}
	// Ignore the error: the balanced preset is always defined.
	util.LogErr(c.ApplyPreset(PresetBalanced))
	return c
}

// DefaultPresets returns the built-in performance presets.
func DefaultPresets() map[string]Preset {
	balanced := Preset{
		ImageSize:  800,
		MaxWorkers: 6,
		Detectors: Detectors{
			Sift: Detector{Enabled: true, Features: 1000},
			Orb:  Detector{Enabled: true, Features: 1000},
		},
		FeatureWeights: FeatureWeights{Sift: 0.7, Orb: 0.3},
		Options: Options{
			UseAdvancedMatching: true,
			UseComicDetection:   true,
		},
	}
	fast := Preset{
		ImageSize:  600,
		MaxWorkers: 8,
		Detectors: Detectors{
			Sift: Detector{Enabled: true, Features: 500},
			Orb:  Detector{Enabled: true, Features: 500},
		},
		FeatureWeights: FeatureWeights{Sift: 0.7, Orb: 0.3},
		Options: Options{
			UseComicDetection: true,
		},
	}
	accurate := Preset{
		ImageSize:  1200,
		MaxWorkers: 4,
		Detectors: Detectors{
			Sift: Detector{Enabled: true, Features: 1000},
			Orb:  Detector{Enabled: true, Features: 1000},
		},
		FeatureWeights: FeatureWeights{Sift: 0.7, Orb: 0.3},
		Options: Options{
			UseAdvancedMatching: true,
			UseComicDetection:   true,
		},
	}
	return map[string]Preset{
		PresetFast:     fast,
		PresetBalanced: balanced,
		PresetAccurate: accurate,
		PresetCustom:   balanced,
	}
}

// ApplyPreset copies the named preset's fields over the flat top-level
// fields. Applying the same preset twice is a no-op.
func (c *Config) ApplyPreset(name string) error {
	p, ok := c.Presets[name]
	if !ok {
		return skerr.Fmt("unknown performance preset %q", name)
	}
	c.PerformanceLevel = name
	c.ImageSize = p.ImageSize
	c.MaxWorkers = p.MaxWorkers
	c.Detectors = p.Detectors
	c.FeatureWeights = p.FeatureWeights
	c.Options = p.Options
	return nil
}

// Validate returns an error describing the first invalid value found.
func (c *Config) Validate() error {
	if c.ResultBatch < 1 {
		return skerr.Fmt("result_batch must be >= 1, got %d", c.ResultBatch)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return skerr.Fmt("similarity_threshold must be in [0, 1], got %v", c.SimilarityThreshold)
	}
	if c.MaxWorkers < 1 {
		return skerr.Fmt("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.ImageSize < 64 {
		return skerr.Fmt("image_size must be >= 64, got %d", c.ImageSize)
	}
	if c.FeatureWeights.Sift < 0 || c.FeatureWeights.Orb < 0 {
		return skerr.Fmt("feature_weights must be non-negative, got %+v", c.FeatureWeights)
	}
	for _, r := range []float64{c.RatioTest.Sift, c.RatioTest.Orb} {
		if r <= 0 || r >= 1 {
			return skerr.Fmt("ratio_test thresholds must be in (0, 1), got %+v", c.RatioTest)
		}
	}
	return nil
}

// Load reads the YAML document at path over the built-in defaults and then
// applies environment overrides. A preset named by performance_level (or the
// MATCH_PERFORMANCE_LEVEL environment variable, which wins) is applied last.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		err := util.WithReadFile(path, func(r io.Reader) error {
			b, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			return yaml.Unmarshal(b, &c)
		})
		if err != nil {
			return Config{}, skerr.Wrapf(err, "reading config at %s", path)
		}
	}
	if level := os.Getenv(EnvPerformanceLevel); level != "" {
		c.PerformanceLevel = level
	}
	if c.PerformanceLevel != "" {
		if err := c.ApplyPreset(c.PerformanceLevel); err != nil {
			return Config{}, skerr.Wrap(err)
		}
	}
	if workers := os.Getenv(EnvMaxWorkers); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return Config{}, skerr.Wrapf(err, "parsing %s", EnvMaxWorkers)
		}
		c.MaxWorkers = n
	}
	if err := c.Validate(); err != nil {
		return Config{}, skerr.Wrap(err)
	}
	return c, nil
}

// ToYAML renders the effective configuration document.
func (c Config) ToYAML() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return b, nil
}

// FromYAML parses a full configuration document over the defaults, e.g. the
// body of POST /config.
func FromYAML(b []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, skerr.Wrapf(err, "parsing config document")
	}
	if err := c.Validate(); err != nil {
		return Config{}, skerr.Wrap(err)
	}
	return c, nil
}

// EnvString returns the value of the environment variable key, or def if it
// is unset or empty.
func EnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer value of the environment variable key, or def
// if it is unset or unparsable.
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// EnvDuration returns the duration value of the environment variable key, or
// def if it is unset or unparsable. Plain integers are read as seconds.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

var _ fmt.Stringer = Threshold(0)

// String implements fmt.Stringer.
func (t Threshold) String() string {
	return strconv.FormatFloat(float64(t), 'f', -1, 64)
}
