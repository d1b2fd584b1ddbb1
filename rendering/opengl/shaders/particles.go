package shaders

// Attribute locations and the LUT texture unit shared with the renderer
const (
	PositionAttrib = 0
	VelocityAttrib = 1
	LUTUnit        = 0
)

// ParticleVertexShader places each particle in window pixels and picks its
// colour from the lookup table by speed.
const ParticleVertexShader = `
#version 430 core

layout (location = 0) in vec2 position;
layout (location = 1) in vec2 velocity;

uniform mat4 projectionMatrix;
uniform float speedScale;
uniform sampler1D lut;

out vec4 particleColor;

void main() {
    float t = clamp(length(velocity) / speedScale, 0.0, 1.0);
    particleColor = texture(lut, t);
    gl_Position = projectionMatrix * vec4(position, 0.0, 1.0);
}
`

const ParticleFragmentShader = `
#version 430 core

in vec4 particleColor;
out vec4 fragColor;

void main() {
    fragColor = particleColor;
}
`

// CreateParticleProgram builds the point rendering program. Requires a current GL context.
func CreateParticleProgram() (uint32, error) {
	return buildProgram(ParticleVertexShader, ParticleFragmentShader)
}
