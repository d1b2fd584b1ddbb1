package gpu

import (
	"encoding/binary"
	"math"

	"particlesim/core"
)

// PackVec2 writes vs in the std430 vec2 layout (little-endian float32 pairs)
// into dst, growing it as needed. The same layout is used for SSBO uploads and
// for the websocket stream.
func PackVec2(dst []byte, vs []core.Vec2) []byte {
	need := len(vs) * Vec2Size
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, v := range vs {
		off := i * Vec2Size
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(v[0]))
		binary.LittleEndian.PutUint32(dst[off+4:], math.Float32bits(v[1]))
	}
	return dst
}

// UnpackVec2 is the inverse of PackVec2. Trailing bytes that do not form a
// whole vec2 are ignored.
func UnpackVec2(src []byte) []core.Vec2 {
	out := make([]core.Vec2, len(src)/Vec2Size)
	for i := range out {
		off := i * Vec2Size
		out[i] = core.Vec2{
			math.Float32frombits(binary.LittleEndian.Uint32(src[off:])),
			math.Float32frombits(binary.LittleEndian.Uint32(src[off+4:])),
		}
	}
	return out
}
