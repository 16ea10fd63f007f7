package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
)

// texturedPlane scatters high-contrast rectangles over a mid-gray background.
// Placement is driven by a fixed LCG so every run sees the same image.
func texturedPlane(w, h int) *imgproc.Plane {
	p := imgproc.NewPlane(w, h)
	for i := range p.Pix {
		p.Pix[i] = 140
	}
	state := uint32(7)
	next := func(n int) int {
		state = state*1664525 + 1013904223
		return int(state>>16) % n
	}
	for r := 0; r < 30; r++ {
		rw := 8 + next(14)
		rh := 8 + next(14)
		x0 := 4 + next(w-rw-8)
		y0 := 4 + next(h-rh-8)
		v := uint8(30 + next(40))
		if next(2) == 1 {
			v = uint8(200 + next(40))
		}
		for y := y0; y < y0+rh; y++ {
			for x := x0; x < x0+rw; x++ {
				p.Set(x, y, v)
			}
		}
	}
	return p
}

func flatPlane(w, h int) *imgproc.Plane {
	p := imgproc.NewPlane(w, h)
	for i := range p.Pix {
		p.Pix[i] = 128
	}
	return p
}

func TestSiftExtractTextured(t *testing.T) {
	unittest.SmallTest(t)

	p := texturedPlane(256, 256)
	fam := NewSift(1000).Extract(p)

	require.Greater(t, fam.Count(), 10)
	require.Equal(t, fam.Count(), fam.Descriptors.Count)
	require.Equal(t, SiftDims, fam.Descriptors.Dims)
	require.Len(t, fam.Descriptors.Float, fam.Count()*SiftDims)
	require.Empty(t, fam.Descriptors.Binary)

	for i, kp := range fam.Keypoints {
		assert.GreaterOrEqual(t, kp.X, float32(0))
		assert.Less(t, kp.X, float32(256))
		assert.GreaterOrEqual(t, kp.Y, float32(0))
		assert.Less(t, kp.Y, float32(256))
		assert.Greater(t, kp.Size, float32(0))
		if i > 0 {
			assert.LessOrEqual(t, kp.Response, fam.Keypoints[i-1].Response)
		}
	}

	// Descriptors are L2-normalized.
	for i := 0; i < fam.Count(); i++ {
		row := fam.Descriptors.Float[i*SiftDims : (i+1)*SiftDims]
		norm := 0.0
		for _, v := range row {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 0.02, "descriptor %d", i)
	}
}

func TestSiftDeterministic(t *testing.T) {
	unittest.SmallTest(t)

	p := texturedPlane(200, 200)
	a := NewSift(500).Extract(p)
	b := NewSift(500).Extract(p)
	require.Equal(t, a, b)
}

func TestSiftCap(t *testing.T) {
	unittest.SmallTest(t)

	p := texturedPlane(256, 256)
	full := NewSift(5000).Extract(p)
	capped := NewSift(5).Extract(p)
	require.Greater(t, full.Count(), 5)
	require.Len(t, capped.Keypoints, 5)

	// The cap keeps the strongest responses.
	assert.Equal(t, full.Keypoints[:5], capped.Keypoints[:5])
}

func TestSiftFlatImageEmpty(t *testing.T) {
	unittest.SmallTest(t)

	fam := NewSift(1000).Extract(flatPlane(128, 128))
	assert.Zero(t, fam.Count())
	assert.True(t, fam.Descriptors.Empty())
}

func TestSiftTinyImageEmpty(t *testing.T) {
	unittest.SmallTest(t)

	fam := NewSift(1000).Extract(flatPlane(8, 8))
	assert.Zero(t, fam.Count())
}

func TestOrbExtractTextured(t *testing.T) {
	unittest.SmallTest(t)

	p := texturedPlane(256, 256)
	fam := NewOrb(1000).Extract(p)

	require.Greater(t, fam.Count(), 10)
	require.Equal(t, fam.Count(), fam.Descriptors.Count)
	require.Equal(t, OrbDims, fam.Descriptors.Dims)
	require.Len(t, fam.Descriptors.Binary, fam.Count()*OrbDims)
	require.Empty(t, fam.Descriptors.Float)

	distinct := map[string]bool{}
	for i, kp := range fam.Keypoints {
		assert.GreaterOrEqual(t, kp.X, float32(0))
		assert.Less(t, kp.X, float32(256))
		assert.GreaterOrEqual(t, kp.Angle, float32(0))
		assert.Less(t, kp.Angle, float32(360))
		if i > 0 {
			assert.LessOrEqual(t, kp.Response, fam.Keypoints[i-1].Response)
		}
		row := fam.Descriptors.Binary[i*OrbDims : (i+1)*OrbDims]
		distinct[string(row)] = true
	}
	// Different corners must not collapse to one bit pattern.
	assert.Greater(t, len(distinct), 1)
}

func TestOrbDeterministic(t *testing.T) {
	unittest.SmallTest(t)

	p := texturedPlane(200, 200)
	a := NewOrb(500).Extract(p)
	b := NewOrb(500).Extract(p)
	require.Equal(t, a, b)
}

func TestOrbCap(t *testing.T) {
	unittest.SmallTest(t)

	p := texturedPlane(256, 256)
	capped := NewOrb(10).Extract(p)
	require.LessOrEqual(t, capped.Count(), 10)
	require.Greater(t, capped.Count(), 0)
}

func TestOrbFlatImageEmpty(t *testing.T) {
	unittest.SmallTest(t)

	fam := NewOrb(1000).Extract(flatPlane(128, 128))
	assert.Zero(t, fam.Count())
}

func TestOrbTooSmallImageEmpty(t *testing.T) {
	unittest.SmallTest(t)

	fam := NewOrb(1000).Extract(texturedPlane(30, 30))
	assert.Zero(t, fam.Count())
}

func TestOrbLevelQuota(t *testing.T) {
	unittest.SmallTest(t)

	q := orbLevelQuota(1000)
	sum := 0
	for i, n := range q {
		sum += n
		if i > 0 {
			assert.LessOrEqual(t, q[i], q[i-1])
		}
	}
	assert.LessOrEqual(t, sum, 1000)
	assert.Greater(t, q[orbLevels-1], 0)
}

func TestExtractorHonorsDetectorConfig(t *testing.T) {
	unittest.SmallTest(t)

	p := texturedPlane(200, 200)
	e := NewExtractor(config.Detectors{
		Sift: config.Detector{Enabled: false, Features: 100},
		Orb:  config.Detector{Enabled: true, Features: 100},
	})
	fs := e.Extract(p)
	assert.Zero(t, fs.Sift.Count())
	assert.Greater(t, fs.Orb.Count(), 0)

	both := NewExtractor(config.Detectors{
		Sift: config.Detector{Enabled: true, Features: 100},
		Orb:  config.Detector{Enabled: true, Features: 100},
	})
	fs = both.Extract(p)
	assert.Greater(t, fs.Sift.Count(), 0)
	assert.LessOrEqual(t, fs.Sift.Count(), 100)
	assert.Greater(t, fs.Orb.Count(), 0)
	assert.LessOrEqual(t, fs.Orb.Count(), 100)
}
