// Package feature extracts the two descriptor families used for cover
// matching: a scale-invariant family with 128-dimensional float descriptors
// built on a difference-of-Gaussians pyramid, and a fast binary family built
// on FAST corners with rotated binary intensity tests.
package feature

import (
	"math"
	"sort"

	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// SiftDims is the dimensionality of a scale-invariant descriptor:
// a 4x4 spatial grid of 8-bin orientation histograms.
const SiftDims = 128

const (
	siftOctaveLayers  = 3
	siftContrastThr   = 0.04
	siftEdgeThr       = 10.0
	siftInitialSigma  = 1.6
	siftAssumedBlur   = 0.5
	siftMinOctaveSize = 16

	orientBins      = 36
	orientRadiusFac = 4.5 // 3 * orientSigmaFac
	orientSigmaFac  = 1.5
	orientPeakRatio = 0.8

	descrWidth  = 4
	descrBins   = 8
	descrSclFac = 3.0
	descrMagThr = 0.2
)

// SiftExtractor detects difference-of-Gaussians extrema and computes
// gradient-histogram descriptors. The zero value is not usable; use NewSift.
type SiftExtractor struct {
	maxFeatures int
}

// NewSift returns an extractor capped at maxFeatures keypoints.
func NewSift(maxFeatures int) *SiftExtractor {
	if maxFeatures < 1 {
		maxFeatures = 1
	}
	return &SiftExtractor{maxFeatures: maxFeatures}
}

// Extract returns the scale-invariant feature family of the preprocessed
// plane. Images with too little structure yield an empty family.
func (s *SiftExtractor) Extract(p *imgproc.Plane) types.FeatureFamily {
	if p == nil || p.W < siftMinOctaveSize || p.H < siftMinOctaveSize {
		return types.FeatureFamily{}
	}
	gauss, dog := buildPyramids(toFloatPlane(p))
	cands := findScaleSpaceExtrema(dog)
	if len(cands) == 0 {
		return types.FeatureFamily{}
	}

	// Assign orientations; a candidate with several dominant directions
	// becomes several keypoints.
	kps := make([]siftKeypoint, 0, len(cands))
	for _, c := range cands {
		img := gauss[c.octave][c.layer]
		sclOctv := siftInitialSigma * math.Pow(2, float64(c.layer)/siftOctaveLayers)
		for _, angle := range dominantOrientations(img, c.x, c.y, sclOctv) {
			kps = append(kps, siftKeypoint{cand: c, angle: angle, sclOctv: sclOctv})
		}
	}

	// Keep the strongest responses; ties resolve by scan order for
	// deterministic output.
	sort.SliceStable(kps, func(i, j int) bool {
		return kps[i].cand.response > kps[j].cand.response
	})
	if len(kps) > s.maxFeatures {
		kps = kps[:s.maxFeatures]
	}

	fam := types.FeatureFamily{
		Keypoints: make([]types.KeyPoint, 0, len(kps)),
		Descriptors: types.Descriptors{
			Count: len(kps),
			Dims:  SiftDims,
			Float: make([]float32, 0, len(kps)*SiftDims),
		},
	}
	for _, kp := range kps {
		img := gauss[kp.cand.octave][kp.cand.layer]
		desc := siftDescriptor(img, kp.cand.x, kp.cand.y, kp.angle, kp.sclOctv)
		scale := float64(int(1) << kp.cand.octave)
		fam.Keypoints = append(fam.Keypoints, types.KeyPoint{
			X:        float32(float64(kp.cand.x) * scale),
			Y:        float32(float64(kp.cand.y) * scale),
			Size:     float32(kp.sclOctv * scale * 2),
			Angle:    float32(kp.angle),
			Response: float32(kp.cand.response),
			Octave:   int32(kp.cand.octave),
			ClassID:  -1,
		})
		fam.Descriptors.Float = append(fam.Descriptors.Float, desc[:]...)
	}
	return fam
}

// siftKeypoint pairs a scale-space candidate with one dominant orientation.
type siftKeypoint struct {
	cand    extremum
	angle   float64
	sclOctv float64
}

// extremum is a local scale-space extremum before orientation assignment.
type extremum struct {
	octave, layer int
	x, y          int
	response      float64
}

// floatPlane is a single-channel float32 image used inside the pyramid.
type floatPlane struct {
	w, h int
	pix  []float32
}

func newFloatPlane(w, h int) *floatPlane {
	return &floatPlane{w: w, h: h, pix: make([]float32, w*h)}
}

func (f *floatPlane) at(x, y int) float32 {
	return f.pix[y*f.w+x]
}

func toFloatPlane(p *imgproc.Plane) *floatPlane {
	f := newFloatPlane(p.W, p.H)
	for i, v := range p.Pix {
		f.pix[i] = float32(v)
	}
	return f
}

// blurFloat applies a separable Gaussian with the given sigma, clamping at
// the borders.
func blurFloat(src *floatPlane, sigma float64) *floatPlane {
	if sigma <= 0 {
		out := newFloatPlane(src.w, src.h)
		copy(out.pix, src.pix)
		return out
	}
	radius := int(sigma*4 + 0.5)
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := newFloatPlane(src.w, src.h)
	for y := 0; y < src.h; y++ {
		row := src.pix[y*src.w:]
		out := tmp.pix[y*src.w:]
		for x := 0; x < src.w; x++ {
			acc := 0.0
			for i := -radius; i <= radius; i++ {
				xx := x + i
				if xx < 0 {
					xx = 0
				} else if xx >= src.w {
					xx = src.w - 1
				}
				acc += kernel[i+radius] * float64(row[xx])
			}
			out[x] = float32(acc)
		}
	}
	dst := newFloatPlane(src.w, src.h)
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			acc := 0.0
			for i := -radius; i <= radius; i++ {
				yy := y + i
				if yy < 0 {
					yy = 0
				} else if yy >= src.h {
					yy = src.h - 1
				}
				acc += kernel[i+radius] * float64(tmp.pix[yy*src.w+x])
			}
			dst.pix[y*src.w+x] = float32(acc)
		}
	}
	return dst
}

// downsample2 halves both dimensions by point sampling, matching the pyramid
// convention of taking every other pixel.
func downsample2(src *floatPlane) *floatPlane {
	w, h := src.w/2, src.h/2
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := newFloatPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.pix[y*w+x] = src.at(x*2, y*2)
		}
	}
	return dst
}

// buildPyramids returns the Gaussian pyramid and its difference pyramid.
// Each octave holds siftOctaveLayers+3 Gaussian levels; the next octave
// starts from level siftOctaveLayers downsampled by two.
func buildPyramids(base *floatPlane) (gauss [][]*floatPlane, dog [][]*floatPlane) {
	minSide := base.w
	if base.h < minSide {
		minSide = base.h
	}
	nOctaves := 0
	for s := minSide; s >= siftMinOctaveSize; s /= 2 {
		nOctaves++
	}
	if nOctaves < 1 {
		nOctaves = 1
	}

	// Per-level incremental sigmas.
	k := math.Pow(2, 1.0/siftOctaveLayers)
	sig := make([]float64, siftOctaveLayers+3)
	sig[0] = math.Sqrt(siftInitialSigma*siftInitialSigma - siftAssumedBlur*siftAssumedBlur)
	for i := 1; i < len(sig); i++ {
		sigPrev := siftInitialSigma * math.Pow(k, float64(i-1))
		sigTotal := sigPrev * k
		sig[i] = math.Sqrt(sigTotal*sigTotal - sigPrev*sigPrev)
	}

	gauss = make([][]*floatPlane, nOctaves)
	dog = make([][]*floatPlane, nOctaves)
	for o := 0; o < nOctaves; o++ {
		gauss[o] = make([]*floatPlane, siftOctaveLayers+3)
		if o == 0 {
			gauss[o][0] = blurFloat(base, sig[0])
		} else {
			gauss[o][0] = downsample2(gauss[o-1][siftOctaveLayers])
		}
		for i := 1; i < siftOctaveLayers+3; i++ {
			gauss[o][i] = blurFloat(gauss[o][i-1], sig[i])
		}
		dog[o] = make([]*floatPlane, siftOctaveLayers+2)
		for i := 0; i < siftOctaveLayers+2; i++ {
			a, b := gauss[o][i], gauss[o][i+1]
			d := newFloatPlane(a.w, a.h)
			for j := range d.pix {
				d.pix[j] = b.pix[j] - a.pix[j]
			}
			dog[o][i] = d
		}
	}
	return gauss, dog
}

// findScaleSpaceExtrema scans the difference pyramid for pixels that are
// extrema among their 26 scale-space neighbors, then applies the contrast
// and edge-response gates.
func findScaleSpaceExtrema(dog [][]*floatPlane) []extremum {
	// Pre-gate on a fraction of the contrast threshold, as the candidate
	// itself is not yet localized.
	prelim := float32(0.5 * siftContrastThr / siftOctaveLayers * 255)
	contrastGate := float32(siftContrastThr / siftOctaveLayers * 255)

	var out []extremum
	for o := range dog {
		for layer := 1; layer <= siftOctaveLayers; layer++ {
			prev, cur, next := dog[o][layer-1], dog[o][layer], dog[o][layer+1]
			w, h := cur.w, cur.h
			border := descrWidth + 1
			for y := border; y < h-border; y++ {
				for x := border; x < w-border; x++ {
					v := cur.at(x, y)
					av := v
					if av < 0 {
						av = -av
					}
					if av <= prelim {
						continue
					}
					if !isExtremum(prev, cur, next, x, y, v) {
						continue
					}
					if av < contrastGate {
						continue
					}
					if isEdgeLike(cur, x, y) {
						continue
					}
					out = append(out, extremum{
						octave:   o,
						layer:    layer,
						x:        x,
						y:        y,
						response: float64(av) / 255.0,
					})
				}
			}
		}
	}
	return out
}

func isExtremum(prev, cur, next *floatPlane, x, y int, v float32) bool {
	if v > 0 {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if v < prev.at(x+dx, y+dy) || v < next.at(x+dx, y+dy) {
					return false
				}
				if (dx != 0 || dy != 0) && v < cur.at(x+dx, y+dy) {
					return false
				}
			}
		}
		return true
	}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if v > prev.at(x+dx, y+dy) || v > next.at(x+dx, y+dy) {
				return false
			}
			if (dx != 0 || dy != 0) && v > cur.at(x+dx, y+dy) {
				return false
			}
		}
	}
	return true
}

// isEdgeLike rejects candidates whose principal curvature ratio exceeds the
// edge threshold, i.e. responses that lie on an edge rather than a corner.
func isEdgeLike(d *floatPlane, x, y int) bool {
	v := float64(d.at(x, y))
	dxx := float64(d.at(x+1, y)) + float64(d.at(x-1, y)) - 2*v
	dyy := float64(d.at(x, y+1)) + float64(d.at(x, y-1)) - 2*v
	dxy := (float64(d.at(x+1, y+1)) - float64(d.at(x-1, y+1)) -
		float64(d.at(x+1, y-1)) + float64(d.at(x-1, y-1))) / 4
	tr := dxx + dyy
	det := dxx*dyy - dxy*dxy
	if det <= 0 {
		return true
	}
	r := siftEdgeThr
	return tr*tr*r >= (r+1)*(r+1)*det
}

// dominantOrientations builds a smoothed 36-bin gradient histogram around
// (x, y) and returns every direction within 80% of the peak.
func dominantOrientations(img *floatPlane, x, y int, sclOctv float64) []float64 {
	radius := int(orientRadiusFac*sclOctv + 0.5)
	sigma := orientSigmaFac * sclOctv
	expDenom := 2 * sigma * sigma

	var hist [orientBins]float64
	for dy := -radius; dy <= radius; dy++ {
		yy := y + dy
		if yy <= 0 || yy >= img.h-1 {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			xx := x + dx
			if xx <= 0 || xx >= img.w-1 {
				continue
			}
			gx := float64(img.at(xx+1, yy)) - float64(img.at(xx-1, yy))
			gy := float64(img.at(xx, yy-1)) - float64(img.at(xx, yy+1))
			mag := math.Sqrt(gx*gx + gy*gy)
			weight := math.Exp(-float64(dx*dx+dy*dy) / expDenom)
			angle := math.Atan2(gy, gx) * 180 / math.Pi
			if angle < 0 {
				angle += 360
			}
			bin := int(angle*orientBins/360+0.5) % orientBins
			hist[bin] += mag * weight
		}
	}

	// Circular smoothing with a small binomial kernel.
	var smooth [orientBins]float64
	for i := 0; i < orientBins; i++ {
		smooth[i] = (hist[(i-2+orientBins)%orientBins]+hist[(i+2)%orientBins])*1.0/16 +
			(hist[(i-1+orientBins)%orientBins]+hist[(i+1)%orientBins])*4.0/16 +
			hist[i]*6.0/16
	}

	max := 0.0
	for _, v := range smooth {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return nil
	}
	threshold := max * orientPeakRatio
	var out []float64
	for i := 0; i < orientBins; i++ {
		left := smooth[(i-1+orientBins)%orientBins]
		right := smooth[(i+1)%orientBins]
		if smooth[i] >= threshold && smooth[i] > left && smooth[i] > right {
			// Parabolic interpolation of the peak position.
			bin := float64(i) + 0.5*(left-right)/(left-2*smooth[i]+right)
			if bin < 0 {
				bin += orientBins
			} else if bin >= orientBins {
				bin -= orientBins
			}
			out = append(out, bin*(360.0/orientBins))
		}
	}
	return out
}

// siftDescriptor computes the 4x4x8 gradient histogram descriptor at (x, y)
// rotated to the keypoint orientation, L2-normalized with the standard 0.2
// magnitude clamp.
func siftDescriptor(img *floatPlane, x, y int, angle, sclOctv float64) [SiftDims]float32 {
	histWidth := descrSclFac * sclOctv
	radius := int(histWidth*math.Sqrt2*(descrWidth+1)*0.5 + 0.5)
	rad := angle * math.Pi / 180
	cosT := math.Cos(rad) / histWidth
	sinT := math.Sin(rad) / histWidth
	binsPerRad := descrBins / (2 * math.Pi)
	expDenom := float64(descrWidth*descrWidth) * 0.5

	// Histogram with one guard row/column on each side for interpolation.
	const side = descrWidth + 2
	var hist [side * side * descrBins]float64

	for i := -radius; i <= radius; i++ {
		yy := y + i
		if yy <= 0 || yy >= img.h-1 {
			continue
		}
		for j := -radius; j <= radius; j++ {
			xx := x + j
			if xx <= 0 || xx >= img.w-1 {
				continue
			}
			cRot := float64(j)*cosT - float64(i)*sinT
			rRot := float64(j)*sinT + float64(i)*cosT
			rBin := rRot + descrWidth/2 - 0.5
			cBin := cRot + descrWidth/2 - 0.5
			if rBin <= -1 || rBin >= descrWidth || cBin <= -1 || cBin >= descrWidth {
				continue
			}
			gx := float64(img.at(xx+1, yy)) - float64(img.at(xx-1, yy))
			gy := float64(img.at(xx, yy-1)) - float64(img.at(xx, yy+1))
			mag := math.Sqrt(gx*gx + gy*gy)
			weight := math.Exp(-(cRot*cRot + rRot*rRot) / expDenom)
			theta := math.Atan2(gy, gx) - rad
			for theta < 0 {
				theta += 2 * math.Pi
			}
			for theta >= 2*math.Pi {
				theta -= 2 * math.Pi
			}
			oBin := theta * binsPerRad

			r0 := int(math.Floor(rBin))
			c0 := int(math.Floor(cBin))
			o0 := int(math.Floor(oBin))
			rFrac := rBin - float64(r0)
			cFrac := cBin - float64(c0)
			oFrac := oBin - float64(o0)

			val := mag * weight
			rWeights := [2]float64{1 - rFrac, rFrac}
			cWeights := [2]float64{1 - cFrac, cFrac}
			oWeights := [2]float64{1 - oFrac, oFrac}
			for ri, rw := range rWeights {
				rIdx := r0 + ri + 1
				if rIdx < 0 || rIdx >= side {
					continue
				}
				for ci, cw := range cWeights {
					cIdx := c0 + ci + 1
					if cIdx < 0 || cIdx >= side {
						continue
					}
					for oi, ow := range oWeights {
						oIdx := (o0 + oi + descrBins) % descrBins
						hist[(rIdx*side+cIdx)*descrBins+oIdx] += val * rw * cw * ow
					}
				}
			}
		}
	}

	// Collapse the guard cells and flatten the inner 4x4 grid.
	var desc [SiftDims]float32
	idx := 0
	for r := 1; r <= descrWidth; r++ {
		for c := 1; c <= descrWidth; c++ {
			for o := 0; o < descrBins; o++ {
				desc[idx] = float32(hist[(r*side+c)*descrBins+o])
				idx++
			}
		}
	}

	// Normalize, clamp large magnitudes, normalize again.
	norm := 0.0
	for _, v := range desc {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-7 {
		return desc
	}
	clamp := float32(descrMagThr)
	for i, v := range desc {
		v = float32(float64(v) / norm)
		if v > clamp {
			v = clamp
		}
		desc[i] = v
	}
	norm = 0.0
	for _, v := range desc {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-7 {
		return desc
	}
	for i, v := range desc {
		desc[i] = float32(float64(v) / norm)
	}
	return desc
}
