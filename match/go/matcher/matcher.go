// Package matcher compares two extracted feature sets and produces a fused
// similarity score with per-family diagnostics.
package matcher

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// MinDescriptors is the smallest descriptor count a family needs on both
// sides for the ratio test to be meaningful. Below it the family scores 0.
const MinDescriptors = 11

// Matcher scores candidate feature sets against a query. It is stateless
// and safe for concurrent use.
type Matcher struct {
	ratios   config.RatioTest
	weights  config.FeatureWeights
	advanced bool
}

// New returns a matcher with the given ratio-test thresholds and fusion
// weights. advanced enables the binary family's comparison pass; without it
// only the float family contributes to the fused score.
func New(ratios config.RatioTest, weights config.FeatureWeights, advanced bool) *Matcher {
	return &Matcher{ratios: ratios, weights: weights, advanced: advanced}
}

// Compare matches query features q against candidate features c and returns
// the fused similarity in [0, 1] plus per-family detail.
//
// Each family runs 2-nearest-neighbor matching in its native metric (L2 for
// the float family, Hamming for the binary family) followed by the ratio
// test: the nearest match survives only if it is closer than ratio times the
// second nearest. Family similarity is goodMatches / max(query count,
// candidate count).
func (m *Matcher) Compare(q, c types.FeatureSet) (float64, types.MatchDetails) {
	det := types.MatchDetails{
		Sift: matchFloat(q.Sift.Descriptors, c.Sift.Descriptors, m.ratios.Sift),
	}
	if m.advanced {
		det.Orb = matchBinary(q.Orb.Descriptors, c.Orb.Descriptors, m.ratios.Orb)
	}
	return m.fuse(det.Sift.Similarity, det.Orb.Similarity), det
}

// fuse combines the family similarities: weighted sum when both contribute,
// the sole contributor when only one does, zero otherwise.
func (m *Matcher) fuse(sift, orb float64) float64 {
	switch {
	case sift > 0 && orb > 0:
		return m.weights.Sift*sift + m.weights.Orb*orb
	case sift > 0:
		return sift
	case orb > 0:
		return orb
	}
	return 0
}

// matchFloat runs kNN k=2 with squared L2 distances. Comparing squared
// distances against ratio squared is equivalent to the plain ratio test and
// avoids the square roots.
func matchFloat(q, c types.Descriptors, ratio float64) types.MatchDetail {
	if q.Count < MinDescriptors || c.Count < MinDescriptors || q.Dims != c.Dims {
		return types.MatchDetail{}
	}
	dims := q.Dims
	r2 := ratio * ratio
	good := 0
	for i := 0; i < q.Count; i++ {
		qi := q.Float[i*dims : (i+1)*dims]
		best, second := math.MaxFloat64, math.MaxFloat64
		for j := 0; j < c.Count; j++ {
			d := sqDist(qi, c.Float[j*dims:(j+1)*dims])
			if d < best {
				second = best
				best = d
			} else if d < second {
				second = d
			}
		}
		if best < r2*second {
			good++
		}
	}
	return detail(q.Count, c.Count, good)
}

// matchBinary runs kNN k=2 with Hamming distances over the packed bit
// descriptors.
func matchBinary(q, c types.Descriptors, ratio float64) types.MatchDetail {
	if q.Count < MinDescriptors || c.Count < MinDescriptors || q.Dims != c.Dims {
		return types.MatchDetail{}
	}
	dims := q.Dims
	good := 0
	for i := 0; i < q.Count; i++ {
		qi := q.Binary[i*dims : (i+1)*dims]
		best, second := math.MaxInt32, math.MaxInt32
		for j := 0; j < c.Count; j++ {
			d := hamming(qi, c.Binary[j*dims:(j+1)*dims])
			if d < best {
				second = best
				best = d
			} else if d < second {
				second = d
			}
		}
		if float64(best) < ratio*float64(second) {
			good++
		}
	}
	return detail(q.Count, c.Count, good)
}

// detail assembles a MatchDetail: each query descriptor contributes one
// candidate match, so totalMatches is the query count.
func detail(qCount, cCount, good int) types.MatchDetail {
	max := qCount
	if cCount > max {
		max = cCount
	}
	return types.MatchDetail{
		TotalMatches: qCount,
		GoodMatches:  good,
		Similarity:   float64(good) / float64(max),
	}
}

func sqDist(a, b []float32) float64 {
	sum := 0.0
	for i, v := range a {
		d := float64(v) - float64(b[i])
		sum += d * d
	}
	return sum
}

// hamming counts differing bits, eight bytes at a time.
func hamming(a, b []byte) int {
	n := 0
	for len(a) >= 8 {
		n += bits.OnesCount64(binary.LittleEndian.Uint64(a) ^ binary.LittleEndian.Uint64(b))
		a, b = a[8:], b[8:]
	}
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}
