package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
)

func TestParseThreshold(t *testing.T) {
	unittest.SmallTest(t)

	tests := []struct {
		in   interface{}
		want float64
	}{
		{"55%", 0.55},
		{"0.55", 0.55},
		{55, 0.55},
		{0.55, 0.55},
		{"100%", 1.0},
		{1, 1.0},
		{"0", 0.0},
		{" 70 % ", 0.70},
		{float32(0.25), 0.25},
		{int64(80), 0.80},
	}
	for _, tc := range tests {
		got, err := ParseThreshold(tc.in)
		require.NoError(t, err, "input %v", tc.in)
		assert.InDelta(t, tc.want, got, 1e-9, "input %v", tc.in)
	}

	for _, bad := range []interface{}{"abc", "%", -0.2, "-5%", []string{"x"}, nil} {
		_, err := ParseThreshold(bad)
		assert.Error(t, err, "input %v", bad)
	}
}

func TestApplyPresetIdempotent(t *testing.T) {
	unittest.SmallTest(t)

	c := Default()
	require.NoError(t, c.ApplyPreset(PresetFast))
	first := c
	require.NoError(t, c.ApplyPreset(PresetFast))
	assert.Equal(t, first.ImageSize, c.ImageSize)
	assert.Equal(t, first.MaxWorkers, c.MaxWorkers)
	assert.Equal(t, first.Detectors, c.Detectors)
	assert.Equal(t, first.FeatureWeights, c.FeatureWeights)
	assert.Equal(t, first.Options, c.Options)
	assert.Equal(t, PresetFast, c.PerformanceLevel)
}

func TestApplyPresetUnknown(t *testing.T) {
	unittest.SmallTest(t)

	c := Default()
	assert.Error(t, c.ApplyPreset("turbo"))
}

func TestDefaultIsValid(t *testing.T) {
	unittest.SmallTest(t)

	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 10, c.ResultBatch)
	assert.InDelta(t, 0.55, float64(c.SimilarityThreshold), 1e-9)
	assert.InDelta(t, 0.75, c.RatioTest.Sift, 1e-9)
	assert.InDelta(t, 0.70, c.RatioTest.Orb, 1e-9)
	assert.InDelta(t, 0.7, c.FeatureWeights.Sift, 1e-9)
	assert.InDelta(t, 0.3, c.FeatureWeights.Orb, 1e-9)
	assert.True(t, c.Detectors.Sift.Enabled)
	assert.True(t, c.Detectors.Orb.Enabled)
}

func TestLoadYAML(t *testing.T) {
	unittest.SmallTest(t)

	doc := `
performance_level: fast
result_batch: 5
similarity_threshold: "60%"
presets:
  fast:
    image_size: 512
    max_workers: 3
    detectors:
      sift: {enabled: true, features: 250}
      orb: {enabled: false, features: 250}
    feature_weights: {sift: 0.8, orb: 0.2}
    options: {use_advanced_matching: false, use_comic_detection: false, cache_only: true}
`
	dir := t.TempDir()
	path := filepath.Join(dir, "match.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PresetFast, c.PerformanceLevel)
	assert.Equal(t, 5, c.ResultBatch)
	assert.InDelta(t, 0.60, float64(c.SimilarityThreshold), 1e-9)
	// The preset in the document replaced the built-in "fast" preset and was
	// applied over the flat fields.
	assert.Equal(t, 512, c.ImageSize)
	assert.Equal(t, 3, c.MaxWorkers)
	assert.Equal(t, 250, c.Detectors.Sift.Features)
	assert.False(t, c.Detectors.Orb.Enabled)
	assert.True(t, c.Options.CacheOnly)
	assert.InDelta(t, 0.8, c.FeatureWeights.Sift, 1e-9)
}

func TestLoadEnvOverridesPreset(t *testing.T) {
	unittest.SmallTest(t)

	doc := "performance_level: balanced\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "match.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	t.Setenv(EnvPerformanceLevel, PresetAccurate)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PresetAccurate, c.PerformanceLevel)
	assert.Equal(t, 1200, c.ImageSize)

	t.Setenv(EnvMaxWorkers, "2")
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.MaxWorkers)
}

func TestLoadMissingFile(t *testing.T) {
	unittest.SmallTest(t)

	_, err := Load(filepath.Join(t.TempDir(), "no-such.yaml"))
	assert.Error(t, err)

	// An empty path means built-in defaults.
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, PresetBalanced, c.PerformanceLevel)
}

func TestYAMLRoundTrip(t *testing.T) {
	unittest.SmallTest(t)

	c := Default()
	c.ResultBatch = 7
	b, err := c.ToYAML()
	require.NoError(t, err)

	got, err := FromYAML(b)
	require.NoError(t, err)
	assert.Equal(t, c.ResultBatch, got.ResultBatch)
	assert.Equal(t, c.Detectors, got.Detectors)
	assert.InDelta(t, float64(c.SimilarityThreshold), float64(got.SimilarityThreshold), 1e-9)
}

func TestStoreSnapshot(t *testing.T) {
	unittest.SmallTest(t)

	s := NewStore(Default())
	snap := s.Get()
	snap.Presets["evil"] = Preset{}
	_, ok := s.Get().Presets["evil"]
	assert.False(t, ok, "mutating a snapshot must not affect the store")

	bad := Default()
	bad.ResultBatch = 0
	assert.Error(t, s.Set(bad))

	good := Default()
	good.ResultBatch = 3
	require.NoError(t, s.Set(good))
	assert.Equal(t, 3, s.Get().ResultBatch)
}

func TestEnvHelpers(t *testing.T) {
	unittest.SmallTest(t)

	t.Setenv("MATCH_TEST_STR", "hello")
	assert.Equal(t, "hello", EnvString("MATCH_TEST_STR", "def"))
	assert.Equal(t, "def", EnvString("MATCH_TEST_UNSET", "def"))

	t.Setenv("MATCH_TEST_INT", "42")
	assert.Equal(t, 42, EnvInt("MATCH_TEST_INT", 7))
	assert.Equal(t, 7, EnvInt("MATCH_TEST_UNSET", 7))
	t.Setenv("MATCH_TEST_INT", "x42")
	assert.Equal(t, 7, EnvInt("MATCH_TEST_INT", 7))

	t.Setenv("MATCH_TEST_DUR", "250ms")
	assert.Equal(t, 250*1000*1000, int(EnvDuration("MATCH_TEST_DUR", 0)))
	t.Setenv("MATCH_TEST_DUR", "3")
	assert.Equal(t, 3, int(EnvDuration("MATCH_TEST_DUR", 0).Seconds()))
}
