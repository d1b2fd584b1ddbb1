package gpu

import (
	"bytes"
	"strconv"
	"strings"
	"text/template"

	"particlesim/physics"
)

// Uniform locations declared by the compute shader
const (
	UniformDT                = 0
	UniformFrameBufferSize   = 1
	UniformAttractorPosition = 2
	UniformAttractorForce    = 3
	UniformNumParticles      = 4
)

// SSBO binding points
const (
	PositionBinding = 0
	VelocityBinding = 1
)

// Vec2Size is the std430 stride of a vec2 element
const Vec2Size = 8

const particleShaderTemplate = `#version 430 core

layout (local_size_x = {{.LocalSize}}, local_size_y = 1, local_size_z = 1) in;

layout (location = 0) uniform float dt;
layout (location = 1) uniform vec2 frameBufferSize;
layout (location = 2) uniform vec2 attractorPosition;
layout (location = 3) uniform float attractorForce;
layout (location = 4) uniform uint numParticles;

layout (std430, binding = 0) buffer PositionBuffer
{
	vec2 positions[];
};

layout (std430, binding = 1) buffer VelocityBuffer
{
	vec2 velocities[];
};

float rand(vec2 xi)
{
	return fract(sin(dot(xi.xy, vec2(12.9898, 78.233))) * 43758.5453);
}

vec2 attractorDrive(vec2 position, uint index)
{
	vec2 attractorVector = attractorPosition - position;
	float attractorDistance = length(attractorVector);
	vec2 direction = attractorDistance > 0.0 ? attractorVector / attractorDistance : vec2(0.0);
	vec2 attraction = {{glsl .Strength}} * direction / max({{glsl .MinDistance}}, attractorDistance);

	vec2 random = 2.0 * vec2(rand(attractorVector + vec2(float(index), 0.0))) - vec2(1.0);

	vec2 rotation = cross(vec3(attractorVector, 0.0), vec3(0.0, 0.0, 1.0)).xy;
	rotation = smoothstep({{glsl .Falloff}}, 0.0, attractorDistance) * rotation;

	return attraction + rotation + {{glsl .RandomWeight}} * random;
}

void reflectAtBounds(inout vec2 position, inout vec2 velocity)
{
	if (position.x < 0.0) {
		velocity.x *= -1.0;
		position.x = 0.0;
	} else if (position.x > frameBufferSize.x) {
		velocity.x *= -1.0;
		position.x = frameBufferSize.x;
	}

	if (position.y < 0.0) {
		velocity.y *= -1.0;
		position.y = 0.0;
	} else if (position.y > frameBufferSize.y) {
		velocity.y *= -1.0;
		position.y = frameBufferSize.y;
	}
}

void main()
{
	uint index = gl_GlobalInvocationID.x;
	if (index >= numParticles) {
		return;
	}

	vec2 position = positions[index];
	vec2 velocity = velocities[index];
	vec2 drive = attractorForce * attractorDrive(position, index);
{{if .Acceleration}}
	vec2 acceleration = drive - velocity * {{glsl .Damping}};
	reflectAtBounds(position, velocity);
	position = position + dt * velocity + 0.5 * acceleration * dt * dt;
	velocity = velocity + acceleration * dt;
{{else}}
	velocity = mix(velocity, drive, {{glsl .Blend}});
	reflectAtBounds(position, velocity);
	position = position + dt * velocity;
{{end}}
	positions[index] = position;
	velocities[index] = velocity;
}
`

// Metal has no uniform locations; the kernel takes its parameters by buffer
// index in the order listed by the Metal* constants.
const metalShaderTemplate = `#include <metal_stdlib>
using namespace metal;

float rand(float2 xi)
{
    return fract(sin(dot(xi, float2(12.9898, 78.233))) * 43758.5453);
}

float2 attractorDrive(float2 position, uint index, float2 attractorPosition)
{
    float2 attractorVector = attractorPosition - position;
    float attractorDistance = length(attractorVector);
    float2 direction = attractorDistance > 0.0 ? attractorVector / attractorDistance : float2(0.0);
    float2 attraction = {{glsl .Strength}} * direction / max({{glsl .MinDistance}}, attractorDistance);

    float2 random = 2.0 * float2(rand(attractorVector + float2(float(index), 0.0))) - float2(1.0);

    float2 rotation = float2(attractorVector.y, -attractorVector.x);
    // equals smoothstep(falloff, 0, d); MSL leaves reversed edges undefined
    rotation = (1.0 - smoothstep(0.0, {{glsl .Falloff}}, attractorDistance)) * rotation;

    return attraction + rotation + {{glsl .RandomWeight}} * random;
}

void reflectAtBounds(thread float2 &position, thread float2 &velocity, float2 frameBufferSize)
{
    if (position.x < 0.0) {
        velocity.x *= -1.0;
        position.x = 0.0;
    } else if (position.x > frameBufferSize.x) {
        velocity.x *= -1.0;
        position.x = frameBufferSize.x;
    }

    if (position.y < 0.0) {
        velocity.y *= -1.0;
        position.y = 0.0;
    } else if (position.y > frameBufferSize.y) {
        velocity.y *= -1.0;
        position.y = frameBufferSize.y;
    }
}

kernel void updateParticles(device float2 *positions [[buffer(0)]],
                            device float2 *velocities [[buffer(1)]],
                            constant float &dt [[buffer(2)]],
                            constant float2 &frameBufferSize [[buffer(3)]],
                            constant float2 &attractorPosition [[buffer(4)]],
                            constant float &attractorForce [[buffer(5)]],
                            constant uint &numParticles [[buffer(6)]],
                            uint index [[thread_position_in_grid]])
{
    if (index >= numParticles) {
        return;
    }

    float2 position = positions[index];
    float2 velocity = velocities[index];
    float2 drive = attractorForce * attractorDrive(position, index, attractorPosition);
{{if .Acceleration}}
    float2 acceleration = drive - velocity * {{glsl .Damping}};
    reflectAtBounds(position, velocity, frameBufferSize);
    position = position + dt * velocity + 0.5 * acceleration * dt * dt;
    velocity = velocity + acceleration * dt;
{{else}}
    velocity = mix(velocity, drive, {{glsl .Blend}});
    reflectAtBounds(position, velocity, frameBufferSize);
    position = position + dt * velocity;
{{end}}
    positions[index] = position;
    velocities[index] = velocity;
}
`

// Metal kernel name and buffer indices
const (
	MetalKernelName           = "updateParticles"
	MetalPositionIndex        = 0
	MetalVelocityIndex        = 1
	MetalDTIndex              = 2
	MetalFrameBufferSizeIndex = 3
	MetalAttractorPosIndex    = 4
	MetalAttractorForceIndex  = 5
	MetalNumParticlesIndex    = 6
)

var (
	funcs          = template.FuncMap{"glsl": glslFloat}
	particleShader = template.Must(template.New("particles").Funcs(funcs).Parse(particleShaderTemplate))
	metalShader    = template.Must(template.New("particles.metal").Funcs(funcs).Parse(metalShaderTemplate))
)

type shaderParams struct {
	LocalSize    int
	Acceleration bool
	Strength     float64
	MinDistance  float64
	Falloff      float64
	RandomWeight float64
	Blend        float64
	Damping      float64
}

// ShaderSource renders the compute shader for policy with the given work group size
func ShaderSource(policy physics.IntegrationPolicy, localSize int) (string, error) {
	return render(particleShader, newShaderParams(policy, localSize))
}

// MetalSource renders the Metal kernel for policy. The threadgroup size is
// chosen at dispatch time.
func MetalSource(policy physics.IntegrationPolicy) (string, error) {
	return render(metalShader, newShaderParams(policy, 0))
}

func newShaderParams(policy physics.IntegrationPolicy, localSize int) shaderParams {
	return shaderParams{
		LocalSize:    localSize,
		Acceleration: policy == physics.AccelerationIntegration,
		Strength:     physics.AttractorStrength,
		MinDistance:  physics.MinAttractorDistance,
		Falloff:      physics.RotationFalloff,
		RandomWeight: physics.RandomWeight,
		Blend:        physics.VelocityBlendFactor,
		Damping:      physics.DampingFactor,
	}
}

func render(tmpl *template.Template, params shaderParams) (string, error) {
	var out bytes.Buffer
	if err := tmpl.Execute(&out, params); err != nil {
		return "", err
	}
	return out.String(), nil
}

// glslFloat formats v as a GLSL float literal (always with a decimal point)
func glslFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
