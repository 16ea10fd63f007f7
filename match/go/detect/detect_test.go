package detect

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
)

// photoWithRect paints a bright w x h rectangle centered in a dark frame,
// simulating a comic lying on a desk.
func photoWithRect(frameW, frameH, rectW, rectH int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			img.Set(x, y, color.NRGBA{R: 40, G: 40, B: 40, A: 255})
		}
	}
	x0 := (frameW - rectW) / 2
	y0 := (frameH - rectH) / 2
	for y := y0; y < y0+rectH; y++ {
		for x := x0; x < x0+rectW; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	return img
}

func TestComicAreaDetectsCenteredCover(t *testing.T) {
	unittest.SmallTest(t)

	img := photoWithRect(400, 600, 200, 300)
	cropped, ok := ComicArea(img)
	require.True(t, ok, "a high-contrast portrait rectangle should be detected")

	// The crop covers the rectangle plus padding, clipped to the frame.
	cw, ch := cropped.Bounds().Dx(), cropped.Bounds().Dy()
	assert.Greater(t, cw, 200-10)
	assert.Greater(t, ch, 300-10)
	assert.LessOrEqual(t, cw, 200+2*cropPad+10)
	assert.LessOrEqual(t, ch, 300+2*cropPad+10)
}

func TestComicAreaNeverEnlarges(t *testing.T) {
	unittest.SmallTest(t)

	img := photoWithRect(350, 350, 180, 260)
	cropped, _ := ComicArea(img)
	assert.LessOrEqual(t, cropped.Bounds().Dx(), 350)
	assert.LessOrEqual(t, cropped.Bounds().Dy(), 350)
}

func TestComicAreaRejectsFlatImage(t *testing.T) {
	unittest.SmallTest(t)

	img := image.NewNRGBA(image.Rect(0, 0, 300, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	out, ok := ComicArea(img)
	assert.False(t, ok)
	// Rejection returns the input unmodified.
	assert.Equal(t, img.Bounds(), out.Bounds())
}

func TestComicAreaAspectWindow(t *testing.T) {
	unittest.SmallTest(t)

	// A clearly landscape region (aspect ~0.58) is rejected outright while a
	// matching portrait-ish one passes, end to end.
	_, ok := ComicArea(photoWithRect(300, 300, 260, 150))
	assert.False(t, ok, "aspect below the floor must be rejected")

	_, ok = ComicArea(photoWithRect(300, 300, 260, 170))
	assert.True(t, ok, "aspect above the floor must be considered")
}

func TestBestRegionAspectBoundary(t *testing.T) {
	unittest.SmallTest(t)

	mkRegion := func(w, h int) Region {
		return Region{
			Rect:      image.Rect(0, 0, w, h),
			Area:      w * h,
			FillRatio: 1.0,
			Aspect:    float64(h) / float64(w),
		}
	}

	// Aspect 0.59 is rejected, 0.61 is considered, same area and fill.
	imageArea := 200000
	_, ok := bestRegion([]Region{mkRegion(400, 236)}, imageArea) // 0.59
	assert.False(t, ok)
	r, ok := bestRegion([]Region{mkRegion(400, 244)}, imageArea) // 0.61
	require.True(t, ok)
	assert.InDelta(t, 0.61, r.Aspect, 1e-9)

	// Too small or too large a share of the frame is rejected.
	_, ok = bestRegion([]Region{mkRegion(80, 120)}, imageArea) // 4.8%
	assert.False(t, ok)
	_, ok = bestRegion([]Region{{Rect: image.Rect(0, 0, 400, 480), Area: 192000, FillRatio: 1, Aspect: 1.2}}, imageArea) // 96%
	assert.False(t, ok)

	// Sparse regions fail the fill-ratio gate.
	sparse := mkRegion(400, 300)
	sparse.Area = 40000
	sparse.FillRatio = float64(sparse.Area) / float64(400*300)
	_, ok = bestRegion([]Region{sparse}, imageArea)
	assert.False(t, ok)

	// The best of several valid regions wins.
	small := mkRegion(150, 220)
	big := mkRegion(300, 420)
	best, ok := bestRegion([]Region{small, big}, imageArea)
	require.True(t, ok)
	assert.Equal(t, big.Rect, best.Rect)
}

func TestComicAreaDeterministic(t *testing.T) {
	unittest.SmallTest(t)

	img := photoWithRect(400, 600, 200, 300)
	r1, ok1 := FindRegion(img)
	r2, ok2 := FindRegion(img)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, r1, r2)
}

func TestCannyFindsStepEdge(t *testing.T) {
	unittest.SmallTest(t)

	// Left half dark, right half bright: one vertical edge.
	p := imgproc.NewPlane(64, 64)
	for y := 0; y < 64; y++ {
		for x := 32; x < 64; x++ {
			p.Set(x, y, 220)
		}
	}
	edges := Canny(p, 50, 150)
	count := 0
	for x := 0; x < 64; x++ {
		if edges.pix[32*64+x] != 0 {
			count++
		}
	}
	assert.Greater(t, count, 0, "the step edge must appear in the edge map")
	assert.LessOrEqual(t, count, 3, "non-maximum suppression keeps the edge thin")

	// No edges in a flat plane.
	flat := imgproc.NewPlane(32, 32)
	edges = Canny(flat, 50, 150)
	for _, v := range edges.pix {
		require.Zero(t, v)
	}
}

func TestMorphCloseSealsGaps(t *testing.T) {
	unittest.SmallTest(t)

	m := newBitmask(32, 32)
	// A horizontal line with a 2px gap.
	for x := 4; x < 28; x++ {
		if x == 15 || x == 16 {
			continue
		}
		m.pix[16*32+x] = 1
	}
	closed := morphClose(m, 5)
	assert.NotZero(t, closed.pix[16*32+15], "close should seal the gap")
	assert.NotZero(t, closed.pix[16*32+16], "close should seal the gap")
}

func TestFillRegionsEnclosedArea(t *testing.T) {
	unittest.SmallTest(t)

	// A hollow 20x30 rectangle outline: the filled region includes the
	// interior, so its fill ratio approaches 1.
	m := newBitmask(64, 64)
	for x := 10; x < 30; x++ {
		m.pix[10*64+x] = 1
		m.pix[39*64+x] = 1
	}
	for y := 10; y < 40; y++ {
		m.pix[y*64+10] = 1
		m.pix[y*64+29] = 1
	}
	regions := fillRegions(m)
	require.Len(t, regions, 1)
	r := regions[0]
	assert.Equal(t, image.Rect(10, 10, 30, 40), r.Rect)
	assert.Equal(t, 20*30, r.Area)
	assert.InDelta(t, 1.0, r.FillRatio, 1e-9)
	assert.InDelta(t, 1.5, r.Aspect, 1e-9)
}
