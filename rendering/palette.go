// Package rendering holds what the viewers share without depending on a
// particular graphics stack.
package rendering

// ParticleLUT colours particles by speed: slow particles are faint red, fast
// ones brighter orange. RGBA texels.
var ParticleLUT = [3][4]uint8{
	{255, 46, 15, 25},
	{255, 86, 31, 50},
	{255, 100, 61, 50},
}

// SampleLUT filters the table the way a linearly filtered, edge-clamped 1D
// texture does: texel centres sit at (i+0.5)/n.
func SampleLUT(t float32) [4]uint8 {
	n := len(ParticleLUT)
	x := t*float32(n) - 0.5
	if x <= 0 {
		return ParticleLUT[0]
	}
	if x >= float32(n-1) {
		return ParticleLUT[n-1]
	}
	i := int(x)
	frac := x - float32(i)
	var out [4]uint8
	for c := range out {
		a, b := float32(ParticleLUT[i][c]), float32(ParticleLUT[i+1][c])
		out[c] = uint8(a + (b-a)*frac + 0.5)
	}
	return out
}

// DefaultSpeedScale is the speed drawn with the last texel
const DefaultSpeedScale = 1000

// SpeedParam maps a speed to the LUT coordinate, saturating at scale
func SpeedParam(speed, scale float32) float32 {
	if scale <= 0 {
		return 1
	}
	return min(max(speed/scale, 0), 1)
}
