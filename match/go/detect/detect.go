// Package detect locates the dominant rectangular comic region in a photo so
// that feature extraction sees the cover rather than the desk around it.
package detect

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
)

const (
	// Canny threshold pairs for the two edge passes. The union of both maps
	// catches covers on busy and on washed-out backgrounds.
	cannyLow1, cannyHigh1 = 50, 150
	cannyLow2, cannyHigh2 = 30, 100

	// Rectangular kernel used to close gaps and fatten edges.
	morphKernel = 5

	// Candidate regions must cover this fraction of the frame.
	minAreaFrac = 0.05
	maxAreaFrac = 0.95

	// Vertical aspect ratio (height/width) window for plausible covers.
	minAspect = 0.6
	maxAspect = 3.5

	// A region must fill this much of its bounding rectangle.
	minFillRatio = 0.4

	// Score floor below which the photo is returned uncropped.
	minScore = 0.15

	// Padding added to an accepted bounding box before cropping.
	cropPad = 15

	// Comic covers are taller than wide around 1.4:1; aspect ratios at or
	// above this contribute a full score factor.
	idealAspect = 1.4
)

// Region is one scored candidate area.
type Region struct {
	Rect      image.Rectangle
	Area      int
	FillRatio float64
	Aspect    float64
	Score     float64
}

// ComicArea returns the cropped comic region of the photo and true, or the
// original image and false when no region scores above the confidence floor.
// The result is deterministic and never larger than the input.
func ComicArea(img image.Image) (image.Image, bool) {
	r, ok := FindRegion(img)
	if !ok {
		return img, false
	}
	// Region coordinates are zero-based; shift into the image's own space.
	return imaging.Crop(img, r.Rect.Add(img.Bounds().Min)), true
}

// FindRegion runs edge analysis and returns the best-scoring region.
func FindRegion(img image.Image) (Region, bool) {
	p := imgproc.GaussianBlur3(imgproc.PlaneFromImage(img))

	edges := Canny(p, cannyLow1, cannyHigh1)
	second := Canny(p, cannyLow2, cannyHigh2)
	for i, v := range second.pix {
		if v != 0 {
			edges.pix[i] = 1
		}
	}

	m := morphClose(edges, morphKernel)
	m = dilate(m, morphKernel)

	best, ok := bestRegion(fillRegions(m), p.W*p.H)
	if !ok {
		return Region{}, false
	}

	// Pad the accepted box and clip to the frame.
	b := img.Bounds()
	rect := image.Rect(
		best.Rect.Min.X-cropPad, best.Rect.Min.Y-cropPad,
		best.Rect.Max.X+cropPad, best.Rect.Max.Y+cropPad,
	).Intersect(image.Rect(0, 0, b.Dx(), b.Dy()))
	best.Rect = rect
	return best, true
}

// bestRegion scores the candidate regions against the frame area and returns
// the winner, or false when no region clears the confidence floor.
func bestRegion(regions []Region, imageArea int) (Region, bool) {
	best := Region{}
	found := false
	for _, reg := range regions {
		areaFrac := float64(reg.Area) / float64(imageArea)
		if areaFrac < minAreaFrac || areaFrac > maxAreaFrac {
			continue
		}
		if reg.Aspect < minAspect || reg.Aspect > maxAspect {
			continue
		}
		if reg.FillRatio <= minFillRatio {
			continue
		}
		aspectFactor := reg.Aspect / idealAspect
		if aspectFactor > 1 {
			aspectFactor = 1
		}
		reg.Score = areaFrac * reg.FillRatio * aspectFactor
		if reg.Score > best.Score {
			best = reg
			found = true
		}
	}
	if !found || best.Score <= minScore {
		return Region{}, false
	}
	return best, true
}

// bitmask is a binary image; pixels are 0 or 1.
type bitmask struct {
	w, h int
	pix  []uint8
}

func newBitmask(w, h int) *bitmask {
	return &bitmask{w: w, h: h, pix: make([]uint8, w*h)}
}

// Canny computes a binary edge map using L1 gradient magnitude,
// non-maximum suppression and hysteresis between the two thresholds.
func Canny(p *imgproc.Plane, low, high int) *bitmask {
	w, h := p.W, p.H
	gx := make([]int32, w*h)
	gy := make([]int32, w*h)
	mag := make([]int32, w*h)

	// Sobel gradients with clamped borders.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tl := int32(p.AtClamped(x-1, y-1))
			tc := int32(p.AtClamped(x, y-1))
			tr := int32(p.AtClamped(x+1, y-1))
			ml := int32(p.AtClamped(x-1, y))
			mr := int32(p.AtClamped(x+1, y))
			bl := int32(p.AtClamped(x-1, y+1))
			bc := int32(p.AtClamped(x, y+1))
			br := int32(p.AtClamped(x+1, y+1))
			dx := (tr + 2*mr + br) - (tl + 2*ml + bl)
			dy := (bl + 2*bc + br) - (tl + 2*tc + tr)
			i := y*w + x
			gx[i] = dx
			gy[i] = dy
			adx, ady := dx, dy
			if adx < 0 {
				adx = -adx
			}
			if ady < 0 {
				ady = -ady
			}
			mag[i] = adx + ady
		}
	}

	// Non-maximum suppression: keep a pixel only if it is the local max
	// along its quantized gradient direction. 0 = none, 1 = weak, 2 = strong.
	status := make([]uint8, w*h)
	lo, hi := int32(low), int32(high)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := mag[i]
			if m < lo {
				continue
			}
			var m1, m2 int32
			dx, dy := gx[i], gy[i]
			adx, ady := dx, dy
			if adx < 0 {
				adx = -adx
			}
			if ady < 0 {
				ady = -ady
			}
			switch {
			case 2*adx >= 5*ady: // roughly horizontal gradient -> vertical edge
				m1, m2 = mag[i-1], mag[i+1]
			case 2*ady >= 5*adx: // roughly vertical gradient -> horizontal edge
				m1, m2 = mag[i-w], mag[i+w]
			case (dx > 0) == (dy > 0): // 45 degrees
				m1, m2 = mag[i-w-1], mag[i+w+1]
			default: // 135 degrees
				m1, m2 = mag[i-w+1], mag[i+w-1]
			}
			if m < m1 || m < m2 {
				continue
			}
			if m >= hi {
				status[i] = 2
			} else {
				status[i] = 1
			}
		}
	}

	// Hysteresis: weak pixels survive only when connected to a strong one.
	out := newBitmask(w, h)
	stack := make([]int, 0, w+h)
	for i, s := range status {
		if s == 2 && out.pix[i] == 0 {
			out.pix[i] = 1
			stack = append(stack, i)
			for len(stack) > 0 {
				j := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				jx, jy := j%w, j/w
				for ny := jy - 1; ny <= jy+1; ny++ {
					for nx := jx - 1; nx <= jx+1; nx++ {
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						n := ny*w + nx
						if status[n] != 0 && out.pix[n] == 0 {
							out.pix[n] = 1
							stack = append(stack, n)
						}
					}
				}
			}
		}
	}
	return out
}

// dilate grows set pixels by a k x k rectangular kernel using two separable
// running passes.
func dilate(m *bitmask, k int) *bitmask {
	r := k / 2
	tmp := newBitmask(m.w, m.h)
	for y := 0; y < m.h; y++ {
		row := m.pix[y*m.w : (y+1)*m.w]
		out := tmp.pix[y*m.w : (y+1)*m.w]
		for x := range row {
			for dx := -r; dx <= r; dx++ {
				nx := x + dx
				if nx >= 0 && nx < m.w && row[nx] != 0 {
					out[x] = 1
					break
				}
			}
		}
	}
	dst := newBitmask(m.w, m.h)
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			for dy := -r; dy <= r; dy++ {
				ny := y + dy
				if ny >= 0 && ny < m.h && tmp.pix[ny*m.w+x] != 0 {
					dst.pix[y*m.w+x] = 1
					break
				}
			}
		}
	}
	return dst
}

// erode shrinks set pixels by a k x k rectangular kernel.
func erode(m *bitmask, k int) *bitmask {
	r := k / 2
	tmp := newBitmask(m.w, m.h)
	for y := 0; y < m.h; y++ {
		row := m.pix[y*m.w : (y+1)*m.w]
		out := tmp.pix[y*m.w : (y+1)*m.w]
		for x := range row {
			v := uint8(1)
			for dx := -r; dx <= r; dx++ {
				nx := x + dx
				if nx < 0 || nx >= m.w || row[nx] == 0 {
					v = 0
					break
				}
			}
			out[x] = v
		}
	}
	dst := newBitmask(m.w, m.h)
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			v := uint8(1)
			for dy := -r; dy <= r; dy++ {
				ny := y + dy
				if ny < 0 || ny >= m.h || tmp.pix[ny*m.w+x] == 0 {
					v = 0
					break
				}
			}
			dst.pix[y*m.w+x] = v
		}
	}
	return dst
}

// morphClose is dilation followed by erosion; it seals small gaps in edges.
func morphClose(m *bitmask, k int) *bitmask {
	return erode(dilate(m, k), k)
}

// fillRegions treats the edge map as region boundaries: everything not
// reachable from the frame border through empty pixels is enclosed. It
// returns the connected enclosed regions (edges included) with their filled
// area and bounding box, the external-contour view of the edge map.
func fillRegions(m *bitmask) []Region {
	w, h := m.w, m.h
	outside := make([]uint8, w*h)
	stack := make([]int, 0, 2*(w+h))
	push := func(i int) {
		if m.pix[i] == 0 && outside[i] == 0 {
			outside[i] = 1
			stack = append(stack, i)
		}
	}
	for x := 0; x < w; x++ {
		push(x)
		push((h-1)*w + x)
	}
	for y := 0; y < h; y++ {
		push(y * w)
		push(y*w + w - 1)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		if x > 0 {
			push(i - 1)
		}
		if x < w-1 {
			push(i + 1)
		}
		if y > 0 {
			push(i - w)
		}
		if y < h-1 {
			push(i + w)
		}
	}

	// Connected components (8-way) over filled pixels: edge or enclosed.
	visited := make([]uint8, w*h)
	var regions []Region
	for start := range m.pix {
		if visited[start] != 0 || (m.pix[start] == 0 && outside[start] != 0) {
			continue
		}
		area := 0
		minX, minY, maxX, maxY := w, h, -1, -1
		visited[start] = 1
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			area++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
			for ny := y - 1; ny <= y+1; ny++ {
				for nx := x - 1; nx <= x+1; nx++ {
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if visited[n] != 0 {
						continue
					}
					if m.pix[n] != 0 || outside[n] == 0 {
						visited[n] = 1
						stack = append(stack, n)
					}
				}
			}
		}
		rect := image.Rect(minX, minY, maxX+1, maxY+1)
		rectArea := rect.Dx() * rect.Dy()
		if rectArea == 0 {
			continue
		}
		regions = append(regions, Region{
			Rect:      rect,
			Area:      area,
			FillRatio: float64(area) / float64(rectArea),
			Aspect:    float64(rect.Dy()) / float64(rect.Dx()),
		})
	}
	return regions
}
