package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

var (
	testRatios  = config.RatioTest{Sift: 0.75, Orb: 0.70}
	testWeights = config.FeatureWeights{Sift: 0.7, Orb: 0.3}
)

// oneHotFloat builds n distinct descriptors: row i has a single 1 at
// position i.
func oneHotFloat(n, dims int) types.Descriptors {
	d := types.Descriptors{Count: n, Dims: dims, Float: make([]float32, n*dims)}
	for i := 0; i < n; i++ {
		d.Float[i*dims+i%dims] = 1
	}
	return d
}

// seqBinary builds n distinct packed-bit descriptors.
func seqBinary(n, dims int) types.Descriptors {
	d := types.Descriptors{Count: n, Dims: dims, Binary: make([]byte, n*dims)}
	for i := 0; i < n; i++ {
		d.Binary[i*dims] = byte(i)
		d.Binary[i*dims+1] = byte(i*3 + 1)
	}
	return d
}

func famFloat(d types.Descriptors) types.FeatureSet {
	return types.FeatureSet{Sift: types.FeatureFamily{Descriptors: d}}
}

func famBinary(d types.Descriptors) types.FeatureSet {
	return types.FeatureSet{Orb: types.FeatureFamily{Descriptors: d}}
}

func TestCompareIdenticalSets(t *testing.T) {
	unittest.SmallTest(t)

	m := New(testRatios, testWeights, true)
	fs := types.FeatureSet{
		Sift: types.FeatureFamily{Descriptors: oneHotFloat(16, 128)},
		Orb:  types.FeatureFamily{Descriptors: seqBinary(16, 32)},
	}
	sim, det := m.Compare(fs, fs)

	assert.Equal(t, 16, det.Sift.TotalMatches)
	assert.Equal(t, 16, det.Sift.GoodMatches)
	assert.Equal(t, 1.0, det.Sift.Similarity)
	assert.Equal(t, 16, det.Orb.TotalMatches)
	assert.Equal(t, 16, det.Orb.GoodMatches)
	assert.Equal(t, 1.0, det.Orb.Similarity)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestCompareAmbiguousMatchesRejected(t *testing.T) {
	unittest.SmallTest(t)

	// Every candidate descriptor appears twice, so best and second-best
	// distances tie and the ratio test rejects everything.
	q := oneHotFloat(16, 128)
	c := types.Descriptors{Count: 16, Dims: 128, Float: make([]float32, 16*128)}
	for i := 0; i < 16; i++ {
		c.Float[i*128+64+i/2] = 1
	}

	m := New(testRatios, testWeights, true)
	sim, det := m.Compare(famFloat(q), famFloat(c))
	assert.Equal(t, 16, det.Sift.TotalMatches)
	assert.Zero(t, det.Sift.GoodMatches)
	assert.Zero(t, det.Sift.Similarity)
	assert.Zero(t, sim)
}

func TestCompareShortCircuitBelowMinDescriptors(t *testing.T) {
	unittest.SmallTest(t)

	m := New(testRatios, testWeights, true)

	// 10 descriptors on one side is below the floor even if they match
	// perfectly.
	small := oneHotFloat(MinDescriptors-1, 128)
	big := oneHotFloat(16, 128)
	sim, det := m.Compare(famFloat(small), famFloat(big))
	assert.Zero(t, sim)
	assert.Equal(t, types.MatchDetail{}, det.Sift)

	sim, det = m.Compare(famFloat(big), famFloat(small))
	assert.Zero(t, sim)
	assert.Equal(t, types.MatchDetail{}, det.Sift)

	// Empty sets short-circuit too.
	sim, _ = m.Compare(types.FeatureSet{}, types.FeatureSet{})
	assert.Zero(t, sim)
}

func TestCompareDimsMismatchScoresZero(t *testing.T) {
	unittest.SmallTest(t)

	m := New(testRatios, testWeights, true)
	sim, det := m.Compare(famFloat(oneHotFloat(16, 64)), famFloat(oneHotFloat(16, 128)))
	assert.Zero(t, sim)
	assert.Equal(t, types.MatchDetail{}, det.Sift)
}

func TestFusionRules(t *testing.T) {
	unittest.SmallTest(t)

	m := New(testRatios, config.FeatureWeights{Sift: 0.5, Orb: 0.3}, true)

	// Both families match: weighted sum, here 0.5 + 0.3.
	fs := types.FeatureSet{
		Sift: types.FeatureFamily{Descriptors: oneHotFloat(16, 128)},
		Orb:  types.FeatureFamily{Descriptors: seqBinary(16, 32)},
	}
	sim, _ := m.Compare(fs, fs)
	assert.InDelta(t, 0.8, sim, 1e-9)

	// Only the float family matches: its similarity passes through
	// unweighted.
	sim, det := m.Compare(famFloat(oneHotFloat(16, 128)), famFloat(oneHotFloat(16, 128)))
	assert.Equal(t, 1.0, det.Sift.Similarity)
	assert.Zero(t, det.Orb.Similarity)
	assert.Equal(t, 1.0, sim)

	// Only the binary family matches.
	sim, det = m.Compare(famBinary(seqBinary(16, 32)), famBinary(seqBinary(16, 32)))
	assert.Zero(t, det.Sift.Similarity)
	assert.Equal(t, 1.0, det.Orb.Similarity)
	assert.Equal(t, 1.0, sim)
}

func TestBasicMatchingSkipsBinaryFamily(t *testing.T) {
	unittest.SmallTest(t)

	fs := types.FeatureSet{
		Sift: types.FeatureFamily{Descriptors: oneHotFloat(16, 128)},
		Orb:  types.FeatureFamily{Descriptors: seqBinary(16, 32)},
	}

	m := New(testRatios, testWeights, false)
	sim, det := m.Compare(fs, fs)
	assert.Equal(t, types.MatchDetail{}, det.Orb)
	assert.Equal(t, 1.0, det.Sift.Similarity)
	assert.Equal(t, 1.0, sim)

	// With only binary descriptors present there is nothing to score.
	sim, det = m.Compare(famBinary(seqBinary(16, 32)), famBinary(seqBinary(16, 32)))
	assert.Equal(t, types.MatchDetail{}, det.Orb)
	assert.Zero(t, sim)
}

func TestSimilarityDenominatorIsLargerCount(t *testing.T) {
	unittest.SmallTest(t)

	// 12 query descriptors all present among 24 candidates: 12 good
	// matches over max(12, 24).
	q := oneHotFloat(12, 128)
	c := oneHotFloat(24, 128)
	m := New(testRatios, testWeights, true)
	sim, det := m.Compare(famFloat(q), famFloat(c))
	assert.Equal(t, 12, det.Sift.GoodMatches)
	assert.InDelta(t, 0.5, det.Sift.Similarity, 1e-9)
	assert.InDelta(t, 0.5, sim, 1e-9)
}

func TestFloatRatioBoundaryIsStrict(t *testing.T) {
	unittest.SmallTest(t)

	// best 3, second 4: with r=0.75 the test is 3 < 3, which must fail.
	mkQ := func() types.Descriptors {
		d := types.Descriptors{Count: 11, Dims: 2, Float: make([]float32, 22)}
		return d
	}
	mkC := func(secondX float32) types.Descriptors {
		d := types.Descriptors{Count: 11, Dims: 2, Float: make([]float32, 22)}
		d.Float[0] = 3 // best: squared distance 9
		d.Float[2] = secondX
		for i := 2; i < 11; i++ {
			d.Float[i*2] = 100
			d.Float[i*2+1] = 100
		}
		return d
	}

	m := New(testRatios, testWeights, true)
	sim, det := m.Compare(famFloat(mkQ()), famFloat(mkC(4)))
	assert.Zero(t, det.Sift.GoodMatches)
	assert.Zero(t, sim)

	// Nudging the second neighbor out makes every query row pass.
	sim, det = m.Compare(famFloat(mkQ()), famFloat(mkC(4.1)))
	assert.Equal(t, 11, det.Sift.GoodMatches)
	assert.Equal(t, 1.0, sim)
}

func TestBinaryRatioBoundaryIsStrict(t *testing.T) {
	unittest.SmallTest(t)

	// best 7, second 10: with r=0.70 the test is 7 < 7, which must fail.
	const dims = 8
	qRow := make([]byte, dims)
	qRow[0] = 0x7F
	mkQ := func() types.Descriptors {
		d := types.Descriptors{Count: 11, Dims: dims}
		for i := 0; i < 11; i++ {
			d.Binary = append(d.Binary, qRow...)
		}
		return d
	}
	mkC := func(byte2 byte) types.Descriptors {
		d := types.Descriptors{Count: 11, Dims: dims}
		d.Binary = append(d.Binary, make([]byte, dims)...) // distance 7
		second := make([]byte, dims)
		second[0] = 0x7F
		second[1] = 0xFF
		second[2] = byte2
		d.Binary = append(d.Binary, second...)
		far := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		for i := 2; i < 11; i++ {
			d.Binary = append(d.Binary, far...)
		}
		return d
	}

	m := New(testRatios, testWeights, true)
	// second = 0 + 8 + 2 = 10.
	sim, det := m.Compare(famBinary(mkQ()), famBinary(mkC(0x03)))
	assert.Zero(t, det.Orb.GoodMatches)
	assert.Zero(t, sim)

	// second = 11: 7 < 7.7 passes.
	sim, det = m.Compare(famBinary(mkQ()), famBinary(mkC(0x07)))
	assert.Equal(t, 11, det.Orb.GoodMatches)
	assert.Equal(t, 1.0, sim)
}

func TestHamming(t *testing.T) {
	unittest.SmallTest(t)

	require.Zero(t, hamming([]byte{0xAB, 0xCD}, []byte{0xAB, 0xCD}))
	assert.Equal(t, 16, hamming([]byte{0x00, 0x00}, []byte{0xFF, 0xFF}))
	// Word-at-a-time path plus tail.
	a := make([]byte, 10)
	b := make([]byte, 10)
	for i := range b {
		b[i] = 0xFF
	}
	assert.Equal(t, 80, hamming(a, b))
	a[9] = 0xF0
	assert.Equal(t, 76, hamming(a, b))
}
