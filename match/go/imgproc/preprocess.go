package imgproc

import (
	"image"

	"github.com/disintegration/imaging"
)

const (
	// DefaultMaxSide is the resize cap applied before feature extraction.
	DefaultMaxSide = 800

	claheClipLimit = 2.0
	claheTilesX    = 8
	claheTilesY    = 8
)

// Preprocess runs the fixed pipeline feeding the feature extractor: if the
// longer side exceeds maxSide the image is downscaled preserving aspect with
// a box (area) filter, then converted to intensity, contrast-equalized with
// CLAHE (clip 2.0, 8x8 tiles) and smoothed with a 3x3 Gaussian.
func Preprocess(img image.Image, maxSide int) *Plane {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	img = ResizeMax(img, maxSide)
	p := PlaneFromImage(img)
	p = CLAHE(p, claheClipLimit, claheTilesX, claheTilesY)
	return GaussianBlur3(p)
}

// ResizeMax downscales img so that its longer side is at most maxSide,
// preserving aspect ratio. Images already small enough are returned
// unchanged; the pipeline never enlarges.
func ResizeMax(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}
	if w >= h {
		return imaging.Resize(img, maxSide, 0, imaging.Box)
	}
	return imaging.Resize(img, 0, maxSide, imaging.Box)
}

// CLAHE applies contrast-limited adaptive histogram equalization with the
// given clip limit and tile grid, interpolating bilinearly between tile
// mappings the way OpenCV does.
func CLAHE(p *Plane, clipLimit float64, tilesX, tilesY int) *Plane {
	if tilesX < 1 {
		tilesX = 1
	}
	if tilesY < 1 {
		tilesY = 1
	}
	tileW := (p.W + tilesX - 1) / tilesX
	tileH := (p.H + tilesY - 1) / tilesY
	if tileW == 0 || tileH == 0 {
		return p.Clone()
	}

	// Build one 256-entry LUT per tile from its clipped histogram.
	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := x0+tileW, y0+tileH
			if x1 > p.W {
				x1 = p.W
			}
			if y1 > p.H {
				y1 = p.H
			}
			var hist [256]int
			for y := y0; y < y1; y++ {
				row := p.Pix[y*p.W:]
				for x := x0; x < x1; x++ {
					hist[row[x]]++
				}
			}
			area := (x1 - x0) * (y1 - y0)
			if area == 0 {
				continue
			}
			clip := int(clipLimit * float64(area) / 256)
			if clip < 1 {
				clip = 1
			}
			// Clip the histogram and spread the excess uniformly.
			excess := 0
			for i := range hist {
				if hist[i] > clip {
					excess += hist[i] - clip
					hist[i] = clip
				}
			}
			bonus := excess / 256
			residual := excess % 256
			for i := range hist {
				hist[i] += bonus
				if i < residual {
					hist[i]++
				}
			}
			// Cumulative distribution -> LUT.
			scale := 255.0 / float64(area)
			cum := 0
			lut := &luts[ty*tilesX+tx]
			for i := 0; i < 256; i++ {
				cum += hist[i]
				v := int(float64(cum)*scale + 0.5)
				if v > 255 {
					v = 255
				}
				lut[i] = uint8(v)
			}
		}
	}

	// Bilinear interpolation between the four surrounding tile LUTs.
	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		fy := (float64(y)+0.5)/float64(tileH) - 0.5
		ty0 := int(fy)
		if fy < 0 {
			fy, ty0 = 0, 0
		}
		wy := fy - float64(ty0)
		ty1 := ty0 + 1
		if ty0 >= tilesY-1 {
			ty0, ty1, wy = tilesY-1, tilesY-1, 0
		}
		for x := 0; x < p.W; x++ {
			fx := (float64(x)+0.5)/float64(tileW) - 0.5
			tx0 := int(fx)
			if fx < 0 {
				fx, tx0 = 0, 0
			}
			wx := fx - float64(tx0)
			tx1 := tx0 + 1
			if tx0 >= tilesX-1 {
				tx0, tx1, wx = tilesX-1, tilesX-1, 0
			}
			v := p.Pix[y*p.W+x]
			tl := float64(luts[ty0*tilesX+tx0][v])
			tr := float64(luts[ty0*tilesX+tx1][v])
			bl := float64(luts[ty1*tilesX+tx0][v])
			br := float64(luts[ty1*tilesX+tx1][v])
			top := tl + (tr-tl)*wx
			bot := bl + (br-bl)*wx
			out.Pix[y*p.W+x] = uint8(top + (bot-top)*wy + 0.5)
		}
	}
	return out
}

// GaussianBlur3 applies a 3x3 Gaussian kernel ([1 2 1; 2 4 2; 1 2 1]/16)
// with clamped borders.
func GaussianBlur3(p *Plane) *Plane {
	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			sum := 4 * int(p.AtClamped(x, y))
			sum += 2 * (int(p.AtClamped(x-1, y)) + int(p.AtClamped(x+1, y)) +
				int(p.AtClamped(x, y-1)) + int(p.AtClamped(x, y+1)))
			sum += int(p.AtClamped(x-1, y-1)) + int(p.AtClamped(x+1, y-1)) +
				int(p.AtClamped(x-1, y+1)) + int(p.AtClamped(x+1, y+1))
			out.Pix[y*p.W+x] = uint8((sum + 8) / 16)
		}
	}
	return out
}
