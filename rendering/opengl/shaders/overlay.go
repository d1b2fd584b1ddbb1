package shaders

const OverlayVertexShader = `
#version 430 core

layout (location = 0) in vec2 position;
layout (location = 1) in vec4 color;

out vec4 fragColor;

uniform mat4 projection;

void main() {
    gl_Position = projection * vec4(position, 0.0, 1.0);
    fragColor = color;
}
`

const OverlayFragmentShader = `
#version 430 core

in vec4 fragColor;
out vec4 outColor;

void main() {
    outColor = fragColor;
}
`

// CreateOverlayProgram builds the flat-colour HUD program
func CreateOverlayProgram() (uint32, error) {
	return buildProgram(OverlayVertexShader, OverlayFragmentShader)
}
