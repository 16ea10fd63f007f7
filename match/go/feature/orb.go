package feature

import (
	"math"
	"math/rand"
	"sort"

	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// OrbDims is the binary descriptor width in bytes (256 intensity tests).
const OrbDims = 32

const (
	orbLevels        = 8
	orbScaleFactor   = 1.2
	orbFastThreshold = 20
	orbPatchSize     = 31
	orbHalfPatch     = orbPatchSize / 2
	// orbEdgeMargin keeps the rotated test pattern and the orientation
	// patch inside the level.
	orbEdgeMargin = 19
)

// OrbExtractor detects FAST corners over an image pyramid and encodes each
// as 256 rotated pairwise intensity tests. The zero value is not usable;
// use NewOrb.
type OrbExtractor struct {
	maxFeatures int
}

// NewOrb returns an extractor capped at maxFeatures keypoints.
func NewOrb(maxFeatures int) *OrbExtractor {
	if maxFeatures < 1 {
		maxFeatures = 1
	}
	return &OrbExtractor{maxFeatures: maxFeatures}
}

type orbKeypoint struct {
	x, y  int
	score int
	level int
	angle float64
}

// Extract returns the binary feature family of the preprocessed plane.
// Images with no corner structure yield an empty family.
func (o *OrbExtractor) Extract(p *imgproc.Plane) types.FeatureFamily {
	if p == nil {
		return types.FeatureFamily{}
	}
	levels := buildOrbLevels(p)
	quota := orbLevelQuota(o.maxFeatures)

	var kps []orbKeypoint
	for lvl, img := range levels {
		if img == nil {
			continue
		}
		corners := fastCorners(img, orbFastThreshold)
		// Strongest corners first; scan order breaks ties so output is
		// deterministic.
		sort.SliceStable(corners, func(i, j int) bool {
			return corners[i].score > corners[j].score
		})
		if len(corners) > quota[lvl] {
			corners = corners[:quota[lvl]]
		}
		for _, c := range corners {
			kps = append(kps, orbKeypoint{
				x:     c.x,
				y:     c.y,
				score: c.score,
				level: lvl,
				angle: icAngle(img, c.x, c.y),
			})
		}
	}
	if len(kps) == 0 {
		return types.FeatureFamily{}
	}
	sort.SliceStable(kps, func(i, j int) bool { return kps[i].score > kps[j].score })
	if len(kps) > o.maxFeatures {
		kps = kps[:o.maxFeatures]
	}

	// Intensity tests sample a smoothed copy of each level.
	blurred := make([]*imgproc.Plane, len(levels))
	fam := types.FeatureFamily{
		Keypoints: make([]types.KeyPoint, 0, len(kps)),
		Descriptors: types.Descriptors{
			Count:  len(kps),
			Dims:   OrbDims,
			Binary: make([]byte, 0, len(kps)*OrbDims),
		},
	}
	for _, kp := range kps {
		if blurred[kp.level] == nil {
			blurred[kp.level] = blurPlane7(levels[kp.level])
		}
		desc := briefDescriptor(blurred[kp.level], kp.x, kp.y, kp.angle)
		scale := math.Pow(orbScaleFactor, float64(kp.level))
		fam.Keypoints = append(fam.Keypoints, types.KeyPoint{
			X:        float32(float64(kp.x) * scale),
			Y:        float32(float64(kp.y) * scale),
			Size:     float32(orbPatchSize * scale),
			Angle:    float32(kp.angle),
			Response: float32(kp.score) / (16 * 255),
			Octave:   int32(kp.level),
			ClassID:  -1,
		})
		fam.Descriptors.Binary = append(fam.Descriptors.Binary, desc[:]...)
	}
	return fam
}

// buildOrbLevels returns the pyramid, nil for levels too small to hold the
// sampling patch.
func buildOrbLevels(p *imgproc.Plane) []*imgproc.Plane {
	levels := make([]*imgproc.Plane, orbLevels)
	levels[0] = p
	for i := 1; i < orbLevels; i++ {
		scale := math.Pow(orbScaleFactor, float64(i))
		w := int(float64(p.W)/scale + 0.5)
		h := int(float64(p.H)/scale + 0.5)
		if w <= 2*orbEdgeMargin+1 || h <= 2*orbEdgeMargin+1 {
			break
		}
		levels[i] = resizePlane(p, w, h)
	}
	if p.W <= 2*orbEdgeMargin+1 || p.H <= 2*orbEdgeMargin+1 {
		levels[0] = nil
	}
	return levels
}

// orbLevelQuota spreads the feature budget geometrically across levels so
// coarse scales still contribute.
func orbLevelQuota(n int) [orbLevels]int {
	factor := 1.0 / orbScaleFactor
	scale := (1 - factor) / (1 - math.Pow(factor, orbLevels))
	var q [orbLevels]int
	total := 0
	for i := 0; i < orbLevels-1; i++ {
		q[i] = int(float64(n)*scale*math.Pow(factor, float64(i)) + 0.5)
		total += q[i]
	}
	rest := n - total
	if rest < 0 {
		rest = 0
	}
	q[orbLevels-1] = rest
	return q
}

// resizePlane scales with bilinear interpolation.
func resizePlane(src *imgproc.Plane, w, h int) *imgproc.Plane {
	dst := imgproc.NewPlane(w, h)
	xr := float64(src.W) / float64(w)
	yr := float64(src.H) / float64(h)
	for y := 0; y < h; y++ {
		sy := (float64(y)+0.5)*yr - 0.5
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		y1 := y0 + 1
		if y0 < 0 {
			y0 = 0
		}
		if y1 >= src.H {
			y1 = src.H - 1
		}
		for x := 0; x < w; x++ {
			sx := (float64(x)+0.5)*xr - 0.5
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)
			x1 := x0 + 1
			if x0 < 0 {
				x0 = 0
			}
			if x1 >= src.W {
				x1 = src.W - 1
			}
			top := float64(src.At(x0, y0))*(1-fx) + float64(src.At(x1, y0))*fx
			bot := float64(src.At(x0, y1))*(1-fx) + float64(src.At(x1, y1))*fx
			dst.Set(x, y, uint8(top*(1-fy)+bot*fy+0.5))
		}
	}
	return dst
}

// fastCircle is the Bresenham circle of radius 3 used by the segment test,
// in clockwise order starting at twelve o'clock.
var fastCircle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

type fastCorner struct {
	x, y, score int
}

// fastCorners runs the segment test (9 contiguous circle pixels all brighter
// or all darker than center by t) inside the descriptor margin, followed by
// 3x3 non-maximum suppression on the corner score.
func fastCorners(img *imgproc.Plane, t int) []fastCorner {
	w, h := img.W, img.H
	scores := make([]int, w*h)
	for y := orbEdgeMargin; y < h-orbEdgeMargin; y++ {
		for x := orbEdgeMargin; x < w-orbEdgeMargin; x++ {
			if s := fastScore(img, x, y, t); s > 0 {
				scores[y*w+x] = s
			}
		}
	}
	var out []fastCorner
	for y := orbEdgeMargin; y < h-orbEdgeMargin; y++ {
		for x := orbEdgeMargin; x < w-orbEdgeMargin; x++ {
			s := scores[y*w+x]
			if s == 0 {
				continue
			}
			peak := true
			for dy := -1; dy <= 1 && peak; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					n := scores[(y+dy)*w+x+dx]
					if n > s || (n == s && (dy < 0 || (dy == 0 && dx < 0))) {
						peak = false
						break
					}
				}
			}
			if peak {
				out = append(out, fastCorner{x: x, y: y, score: s})
			}
		}
	}
	return out
}

// fastScore returns 0 if (x, y) is not a corner, otherwise the summed
// contrast of all qualifying circle pixels of the dominant polarity.
func fastScore(img *imgproc.Plane, x, y, t int) int {
	p := int(img.At(x, y))
	var d [16]int
	for i, off := range fastCircle {
		d[i] = int(img.At(x+off[0], y+off[1])) - p
	}

	// Pre-test: a run of 9 always covers one pixel of every opposite pair.
	brightOK, darkOK := true, true
	for _, pr := range [4][2]int{{0, 8}, {2, 10}, {4, 12}, {6, 14}} {
		brightOK = brightOK && (d[pr[0]] > t || d[pr[1]] > t)
		darkOK = darkOK && (d[pr[0]] < -t || d[pr[1]] < -t)
	}
	if !brightOK && !darkOK {
		return 0
	}

	longestRun := func(bright bool) int {
		run, best := 0, 0
		for i := 0; i < 32; i++ {
			v := d[i&15]
			ok := v > t
			if !bright {
				ok = v < -t
			}
			if ok {
				run++
				if run > best {
					best = run
				}
				if best >= 16 {
					break
				}
			} else {
				run = 0
			}
		}
		return best
	}

	score := func(bright bool) int {
		s := 0
		for _, v := range d {
			if bright && v > t {
				s += v - t
			} else if !bright && v < -t {
				s += -v - t
			}
		}
		return s
	}

	if brightOK && longestRun(true) >= 9 {
		return score(true)
	}
	if darkOK && longestRun(false) >= 9 {
		return score(false)
	}
	return 0
}

// orbUmax bounds the circular orientation patch per row.
var orbUmax = func() [orbHalfPatch + 1]int {
	var u [orbHalfPatch + 1]int
	for v := 0; v <= orbHalfPatch; v++ {
		u[v] = int(math.Sqrt(float64(orbHalfPatch*orbHalfPatch-v*v)) + 0.5)
	}
	return u
}()

// icAngle is the intensity-centroid orientation in degrees [0, 360).
func icAngle(img *imgproc.Plane, x, y int) float64 {
	var m01, m10 int
	for u := -orbHalfPatch; u <= orbHalfPatch; u++ {
		m10 += u * int(img.At(x+u, y))
	}
	for v := 1; v <= orbHalfPatch; v++ {
		dMax := orbUmax[v]
		for u := -dMax; u <= dMax; u++ {
			plus := int(img.At(x+u, y+v))
			minus := int(img.At(x+u, y-v))
			m10 += u * (plus + minus)
			m01 += v * (plus - minus)
		}
	}
	angle := math.Atan2(float64(m01), float64(m10)) * 180 / math.Pi
	if angle < 0 {
		angle += 360
	}
	return angle
}

// briefPattern holds 256 point pairs sampled once from a Gaussian over the
// patch. The seed is fixed: stored descriptors are only comparable with
// descriptors produced by the same pattern.
var briefPattern = func() [256][4]int8 {
	rng := rand.New(rand.NewSource(0x1c9b))
	sample := func() int8 {
		for {
			v := math.Round(rng.NormFloat64() * orbPatchSize / 5.0)
			if v >= -13 && v <= 13 {
				return int8(v)
			}
		}
	}
	var pat [256][4]int8
	for i := range pat {
		pat[i] = [4]int8{sample(), sample(), sample(), sample()}
	}
	return pat
}()

// briefDescriptor packs 256 pairwise intensity tests, with the pattern
// rotated to the keypoint orientation.
func briefDescriptor(img *imgproc.Plane, x, y int, angleDeg float64) [OrbDims]byte {
	rad := angleDeg * math.Pi / 180
	a, b := math.Cos(rad), math.Sin(rad)
	value := func(px, py int8) uint8 {
		rx := int(math.Round(float64(px)*a - float64(py)*b))
		ry := int(math.Round(float64(px)*b + float64(py)*a))
		return img.At(x+rx, y+ry)
	}
	var desc [OrbDims]byte
	for i := 0; i < OrbDims; i++ {
		var bits byte
		for j := 0; j < 8; j++ {
			p := briefPattern[i*8+j]
			if value(p[0], p[1]) < value(p[2], p[3]) {
				bits |= 1 << uint(j)
			}
		}
		desc[i] = bits
	}
	return desc
}

// blurPlane7 smooths with a separable 7-tap Gaussian (sigma 2) so single
// pixel noise does not flip intensity tests.
func blurPlane7(src *imgproc.Plane) *imgproc.Plane {
	kernel := [7]float64{0.0702, 0.1311, 0.1907, 0.2161, 0.1907, 0.1311, 0.0702}
	w, h := src.W, src.H
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			acc := 0.0
			for i := -3; i <= 3; i++ {
				xx := x + i
				if xx < 0 {
					xx = 0
				} else if xx >= w {
					xx = w - 1
				}
				acc += kernel[i+3] * float64(src.Pix[y*w+xx])
			}
			tmp[y*w+x] = acc
		}
	}
	dst := imgproc.NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			acc := 0.0
			for i := -3; i <= 3; i++ {
				yy := y + i
				if yy < 0 {
					yy = 0
				} else if yy >= h {
					yy = h - 1
				}
				acc += kernel[i+3] * tmp[yy*w+x]
			}
			dst.Pix[y*w+x] = uint8(acc + 0.5)
		}
	}
	return dst
}
