package imgproc

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
)

// testImage returns a w x h gradient image with a few hard edges so that
// resizing and blurring have something to chew on.
func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*255/w + y*255/h) / 2)
			if (x/16+y/16)%2 == 0 {
				v = 255 - v
			}
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestDecodeRoundTrip(t *testing.T) {
	unittest.SmallTest(t)

	src := testImage(64, 48)
	jpg, err := EncodeJPEG(src, JPEGQuality)
	require.NoError(t, err)
	assert.True(t, IsJPEG(jpg))

	img, err := Decode(jpg, true)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	assert.False(t, IsJPEG(buf.Bytes()))
	img, err = Decode(buf.Bytes(), false)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	_, err = Decode([]byte("definitely not an image"), false)
	assert.Error(t, err)
}

func TestSniffExt(t *testing.T) {
	unittest.SmallTest(t)

	jpg, err := EncodeJPEG(testImage(8, 8), 85)
	require.NoError(t, err)
	assert.Equal(t, "jpg", SniffExt(jpg))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(8, 8)))
	assert.Equal(t, "png", SniffExt(buf.Bytes()))

	assert.Equal(t, "jpg", SniffExt([]byte("mystery bytes")))
}

func TestResizeMaxNeverEnlarges(t *testing.T) {
	unittest.SmallTest(t)

	small := testImage(100, 60)
	out := ResizeMax(small, 800)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 60, out.Bounds().Dy())

	wide := testImage(1600, 900)
	out = ResizeMax(wide, 800)
	assert.Equal(t, 800, out.Bounds().Dx())
	assert.Equal(t, 450, out.Bounds().Dy())

	tall := testImage(900, 1600)
	out = ResizeMax(tall, 800)
	assert.Equal(t, 800, out.Bounds().Dy())
	assert.Equal(t, 450, out.Bounds().Dx())
}

func TestPreprocessShape(t *testing.T) {
	unittest.SmallTest(t)

	p := Preprocess(testImage(1600, 2400), 800)
	assert.Equal(t, 533, p.W)
	assert.Equal(t, 800, p.H)
	assert.Len(t, p.Pix, p.W*p.H)

	// Deterministic: the same input yields identical output.
	p2 := Preprocess(testImage(1600, 2400), 800)
	assert.Equal(t, p.Pix, p2.Pix)
}

func TestCLAHEStretchesContrast(t *testing.T) {
	unittest.SmallTest(t)

	// A murky low-contrast plane: values confined to [100, 140].
	p := NewPlane(128, 128)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			p.Set(x, y, uint8(100+(x+y)%40))
		}
	}
	out := CLAHE(p, 2.0, 8, 8)
	require.Equal(t, p.W, out.W)
	require.Equal(t, p.H, out.H)

	lo, hi := spread(p)
	lo2, hi2 := spread(out)
	assert.Greater(t, int(hi2)-int(lo2), int(hi)-int(lo), "CLAHE should widen the intensity range")
}

func spread(p *Plane) (uint8, uint8) {
	lo, hi := uint8(255), uint8(0)
	for _, v := range p.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func TestGaussianBlur3Smooths(t *testing.T) {
	unittest.SmallTest(t)

	// A single bright pixel spreads to its neighbors.
	p := NewPlane(5, 5)
	p.Set(2, 2, 160)
	out := GaussianBlur3(p)
	assert.Equal(t, uint8(40), out.At(2, 2))
	assert.Equal(t, uint8(20), out.At(1, 2))
	assert.Equal(t, uint8(10), out.At(1, 1))
	assert.Equal(t, uint8(0), out.At(0, 0))

	// A constant plane stays constant.
	flat := NewPlane(16, 16)
	for i := range flat.Pix {
		flat.Pix[i] = 77
	}
	out = GaussianBlur3(flat)
	for _, v := range out.Pix {
		require.Equal(t, uint8(77), v)
	}
}

func TestPlaneGrayRoundTrip(t *testing.T) {
	unittest.SmallTest(t)

	p := NewPlane(10, 7)
	for i := range p.Pix {
		p.Pix[i] = uint8(i * 3)
	}
	g := p.Gray()
	p2 := PlaneFromImage(g)
	assert.Equal(t, p.Pix, p2.Pix)
}
