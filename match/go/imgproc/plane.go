package imgproc

import (
	"image"

	"github.com/disintegration/imaging"
)

// Plane is a single-channel intensity image. The detector and the feature
// extractor operate on planes rather than image.Image so that per-pixel work
// is a flat slice index.
type Plane struct {
	W, H int
	Pix  []uint8
}

// NewPlane returns a zeroed plane of the given size.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]uint8, w*h)}
}

// At returns the intensity at (x, y). The caller must stay in bounds.
func (p *Plane) At(x, y int) uint8 {
	return p.Pix[y*p.W+x]
}

// Set stores the intensity at (x, y). The caller must stay in bounds.
func (p *Plane) Set(x, y int, v uint8) {
	p.Pix[y*p.W+x] = v
}

// AtClamped returns the intensity at (x, y) with coordinates clamped to the
// plane, so filters can read past the border.
func (p *Plane) AtClamped(x, y int) uint8 {
	if x < 0 {
		x = 0
	} else if x >= p.W {
		x = p.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.H {
		y = p.H - 1
	}
	return p.Pix[y*p.W+x]
}

// Clone returns a deep copy of the plane.
func (p *Plane) Clone() *Plane {
	out := NewPlane(p.W, p.H)
	copy(out.Pix, p.Pix)
	return out
}

// Gray converts the plane into an image.Gray sharing no storage.
func (p *Plane) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, p.W, p.H))
	// image.Gray strides may differ from W on subimages; fresh ones don't.
	copy(g.Pix, p.Pix)
	return g
}

// PlaneFromImage converts any image to an intensity plane using the standard
// luma weights (via imaging.Grayscale).
func PlaneFromImage(img image.Image) *Plane {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	p := NewPlane(b.Dx(), b.Dy())
	// imaging returns NRGBA with r == g == b; take the red channel.
	for y := 0; y < p.H; y++ {
		src := gray.Pix[y*gray.Stride:]
		dst := p.Pix[y*p.W:]
		for x := 0; x < p.W; x++ {
			dst[x] = src[x*4]
		}
	}
	return p
}
