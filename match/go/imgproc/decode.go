// Package imgproc decodes candidate and query images and runs the fixed
// preprocessing pipeline that feeds the feature extractor: downscale with an
// area filter, convert to intensity, equalize contrast with CLAHE and apply a
// light Gaussian blur.
package imgproc

import (
	"bytes"
	"image"
	"net/http"

	// Registered decoders. Candidate covers arrive as JPEG or PNG; WebP
	// shows up on a few mirror CDNs.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/infernokun/inferno-comics-match/go/skerr"
)

// JPEGQuality is the quality used when normalizing cached images to JPEG.
const JPEGQuality = 85

// Decode decodes image bytes in any registered format. If applyOrientation is
// true and the bytes carry an EXIF orientation tag (phone photos usually do),
// the pixels are rotated/flipped upright before being returned.
func Decode(b []byte, applyOrientation bool) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, skerr.Wrapf(err, "decoding %d image bytes", len(b))
	}
	if applyOrientation {
		img = reorient(img, b)
	}
	return img, nil
}

// reorient applies the EXIF orientation tag to img. Missing or malformed EXIF
// data leaves the image untouched.
func reorient(img image.Image, raw []byte) image.Image {
	ex, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return img
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return img
	}
	orient, err := tag.Int(0)
	if err != nil {
		return img
	}
	switch orient {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}

// EncodeJPEG encodes img as a JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, skerr.Wrapf(err, "encoding %v image as JPEG", img.Bounds().Size())
	}
	return buf.Bytes(), nil
}

// IsJPEG returns true if the bytes already hold a JPEG stream.
func IsJPEG(b []byte) bool {
	return len(b) >= 2 && b[0] == 0xff && b[1] == 0xd8
}

// SniffExt returns the canonical file extension ("jpg", "png", "webp", "gif")
// for the given image bytes, defaulting to "jpg" for anything unrecognized.
func SniffExt(b []byte) string {
	switch http.DetectContentType(b) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}
