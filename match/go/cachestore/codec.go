package cachestore

import (
	"encoding/binary"
	"math"

	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// Feature blobs are encoded little-endian, one blob per family:
//
//	magic "IFCM" | version u16 | family u8 | count u32 | dims u32 | elemType u8
//	count x keypoint {x, y, size, angle, response f32; octave, classId i32}
//	count x dims descriptor elements (f32 or u8 per elemType)
//
// Decoding validates every length so a truncated or foreign blob surfaces as
// an error rather than garbage descriptors.

const (
	codecMagic   = "IFCM"
	codecVersion = 1

	familySift = 0
	familyOrb  = 1

	elemFloat32 = 0
	elemUint8   = 1

	headerLen   = 16
	keypointLen = 28
)

// encodeFamily serializes one feature family.
func encodeFamily(family byte, f types.FeatureFamily) []byte {
	count := len(f.Keypoints)
	elemType := byte(elemFloat32)
	dense := len(f.Descriptors.Float) * 4
	if family == familyOrb {
		elemType = elemUint8
		dense = len(f.Descriptors.Binary)
	}

	b := make([]byte, 0, headerLen+count*keypointLen+dense)
	b = append(b, codecMagic...)
	b = binary.LittleEndian.AppendUint16(b, codecVersion)
	b = append(b, family)
	b = binary.LittleEndian.AppendUint32(b, uint32(count))
	b = binary.LittleEndian.AppendUint32(b, uint32(f.Descriptors.Dims))
	b = append(b, elemType)

	for _, kp := range f.Keypoints {
		for _, v := range [5]float32{kp.X, kp.Y, kp.Size, kp.Angle, kp.Response} {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
		}
		b = binary.LittleEndian.AppendUint32(b, uint32(kp.Octave))
		b = binary.LittleEndian.AppendUint32(b, uint32(kp.ClassID))
	}

	if family == familyOrb {
		b = append(b, f.Descriptors.Binary...)
	} else {
		for _, v := range f.Descriptors.Float {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
		}
	}
	return b
}

// decodeFamily deserializes one feature family, returning which family the
// blob declares.
func decodeFamily(b []byte) (byte, types.FeatureFamily, error) {
	if len(b) < headerLen {
		return 0, types.FeatureFamily{}, skerr.Fmt("feature blob too short: %d bytes", len(b))
	}
	if string(b[:4]) != codecMagic {
		return 0, types.FeatureFamily{}, skerr.Fmt("bad feature blob magic %q", b[:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != codecVersion {
		return 0, types.FeatureFamily{}, skerr.Fmt("unsupported feature blob version %d", v)
	}
	family := b[6]
	count := int(binary.LittleEndian.Uint32(b[7:]))
	dims := int(binary.LittleEndian.Uint32(b[11:]))
	elemType := b[15]

	elemSize := 0
	switch {
	case family == familySift && elemType == elemFloat32:
		elemSize = 4
	case family == familyOrb && elemType == elemUint8:
		elemSize = 1
	default:
		return 0, types.FeatureFamily{}, skerr.Fmt("feature blob family %d has element type %d", family, elemType)
	}
	want := headerLen + count*keypointLen + count*dims*elemSize
	if len(b) != want {
		return 0, types.FeatureFamily{}, skerr.Fmt("feature blob is %d bytes, want %d (count %d dims %d)", len(b), want, count, dims)
	}

	f := types.FeatureFamily{
		Keypoints:   make([]types.KeyPoint, count),
		Descriptors: types.Descriptors{Count: count, Dims: dims},
	}
	off := headerLen
	for i := 0; i < count; i++ {
		f.Keypoints[i] = types.KeyPoint{
			X:        math.Float32frombits(binary.LittleEndian.Uint32(b[off:])),
			Y:        math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:])),
			Size:     math.Float32frombits(binary.LittleEndian.Uint32(b[off+8:])),
			Angle:    math.Float32frombits(binary.LittleEndian.Uint32(b[off+12:])),
			Response: math.Float32frombits(binary.LittleEndian.Uint32(b[off+16:])),
			Octave:   int32(binary.LittleEndian.Uint32(b[off+20:])),
			ClassID:  int32(binary.LittleEndian.Uint32(b[off+24:])),
		}
		off += keypointLen
	}
	if family == familyOrb {
		if count > 0 {
			f.Descriptors.Binary = append([]byte(nil), b[off:]...)
		}
	} else if count > 0 {
		f.Descriptors.Float = make([]float32, count*dims)
		for i := range f.Descriptors.Float {
			f.Descriptors.Float[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
	}
	return family, f, nil
}
