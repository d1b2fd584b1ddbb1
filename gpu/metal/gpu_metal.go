//go:build darwin && cgo && !nometal

package metal

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework Metal -framework Foundation -framework CoreGraphics
#import <Metal/Metal.h>
#import <Foundation/Foundation.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
    void* device;
    void* commandQueue;
    void* pipeline;
    void* positionBuffer;
    void* velocityBuffer;
    int count;
} ParticleMetalContext;

static char* copyError(NSError* error) {
    if (!error) return strdup("unknown Metal error");
    return strdup([[error localizedDescription] UTF8String]);
}

static int buildPipeline(ParticleMetalContext* ctx, const char* source, const char* kernelName, char** errOut) {
    @autoreleasepool {
        id<MTLDevice> device = (__bridge id<MTLDevice>)ctx->device;

        NSError *error = nil;
        NSString *src = [NSString stringWithUTF8String:source];
        id<MTLLibrary> library = [device newLibraryWithSource:src options:nil error:&error];
        if (!library) {
            *errOut = copyError(error);
            return -1;
        }

        id<MTLFunction> function = [library newFunctionWithName:[NSString stringWithUTF8String:kernelName]];
        if (!function) {
            *errOut = strdup("kernel function not found");
            return -1;
        }

        id<MTLComputePipelineState> pipeline = [device newComputePipelineStateWithFunction:function error:&error];
        if (!pipeline) {
            *errOut = copyError(error);
            return -1;
        }

        if (ctx->pipeline) CFRelease(ctx->pipeline);
        ctx->pipeline = (__bridge_retained void*)pipeline;
        return 0;
    }
}

static ParticleMetalContext* createParticleMetalContext(const char* source, const char* kernelName, char** errOut) {
    @autoreleasepool {
        id<MTLDevice> device = MTLCreateSystemDefaultDevice();
        if (!device) {
            *errOut = strdup("no Metal device");
            return NULL;
        }
        id<MTLCommandQueue> queue = [device newCommandQueue];
        if (!queue) {
            *errOut = strdup("failed to create command queue");
            return NULL;
        }

        ParticleMetalContext* ctx = (ParticleMetalContext*)calloc(1, sizeof(ParticleMetalContext));
        ctx->device = (__bridge_retained void*)device;
        ctx->commandQueue = (__bridge_retained void*)queue;

        if (buildPipeline(ctx, source, kernelName, errOut) != 0) {
            CFRelease(ctx->device);
            CFRelease(ctx->commandQueue);
            free(ctx);
            return NULL;
        }
        return ctx;
    }
}

static void releaseParticleBuffers(ParticleMetalContext* ctx) {
    if (ctx->positionBuffer) CFRelease(ctx->positionBuffer);
    if (ctx->velocityBuffer) CFRelease(ctx->velocityBuffer);
    ctx->positionBuffer = NULL;
    ctx->velocityBuffer = NULL;
    ctx->count = 0;
}

static int uploadParticles(ParticleMetalContext* ctx, const void* positions, const void* velocities, int count) {
    @autoreleasepool {
        id<MTLDevice> device = (__bridge id<MTLDevice>)ctx->device;
        NSUInteger length = (NSUInteger)count * 2 * sizeof(float);

        id<MTLBuffer> pos = [device newBufferWithBytes:positions length:length options:MTLResourceStorageModeShared];
        id<MTLBuffer> vel = [device newBufferWithBytes:velocities length:length options:MTLResourceStorageModeShared];
        if (!pos || !vel) {
            return -1;
        }

        releaseParticleBuffers(ctx);
        ctx->positionBuffer = (__bridge_retained void*)pos;
        ctx->velocityBuffer = (__bridge_retained void*)vel;
        ctx->count = count;
        return 0;
    }
}

static int dispatchParticles(ParticleMetalContext* ctx, float dt, float fbx, float fby,
                             float ax, float ay, float force, int* groupsOut) {
    @autoreleasepool {
        id<MTLCommandQueue> queue = (__bridge id<MTLCommandQueue>)ctx->commandQueue;
        id<MTLComputePipelineState> pipeline = (__bridge id<MTLComputePipelineState>)ctx->pipeline;
        id<MTLBuffer> pos = (__bridge id<MTLBuffer>)ctx->positionBuffer;
        id<MTLBuffer> vel = (__bridge id<MTLBuffer>)ctx->velocityBuffer;

        float frameBufferSize[2] = {fbx, fby};
        float attractorPosition[2] = {ax, ay};
        uint count = (uint)ctx->count;

        id<MTLCommandBuffer> commandBuffer = [queue commandBuffer];
        id<MTLComputeCommandEncoder> encoder = [commandBuffer computeCommandEncoder];

        [encoder setComputePipelineState:pipeline];
        [encoder setBuffer:pos offset:0 atIndex:0];
        [encoder setBuffer:vel offset:0 atIndex:1];
        [encoder setBytes:&dt length:sizeof(float) atIndex:2];
        [encoder setBytes:frameBufferSize length:sizeof(frameBufferSize) atIndex:3];
        [encoder setBytes:attractorPosition length:sizeof(attractorPosition) atIndex:4];
        [encoder setBytes:&force length:sizeof(float) atIndex:5];
        [encoder setBytes:&count length:sizeof(uint) atIndex:6];

        NSUInteger threadGroupSize = pipeline.maxTotalThreadsPerThreadgroup;
        if (threadGroupSize > count) threadGroupSize = count;

        MTLSize threadsPerThreadgroup = MTLSizeMake(threadGroupSize, 1, 1);
        NSUInteger groups = (count + threadGroupSize - 1) / threadGroupSize;
        MTLSize numThreadgroups = MTLSizeMake(groups, 1, 1);

        [encoder dispatchThreadgroups:numThreadgroups threadsPerThreadgroup:threadsPerThreadgroup];
        [encoder endEncoding];

        [commandBuffer commit];
        [commandBuffer waitUntilCompleted];

        *groupsOut = (int)groups;
        return commandBuffer.status == MTLCommandBufferStatusCompleted ? 0 : -1;
    }
}

static void* positionContents(ParticleMetalContext* ctx) {
    return [(__bridge id<MTLBuffer>)ctx->positionBuffer contents];
}

static void* velocityContents(ParticleMetalContext* ctx) {
    return [(__bridge id<MTLBuffer>)ctx->velocityBuffer contents];
}

static void destroyParticleMetalContext(ParticleMetalContext* ctx) {
    if (!ctx) return;
    @autoreleasepool {
        releaseParticleBuffers(ctx);
        if (ctx->pipeline) CFRelease(ctx->pipeline);
        if (ctx->commandQueue) CFRelease(ctx->commandQueue);
        if (ctx->device) CFRelease(ctx->device);
        free(ctx);
    }
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"particlesim/core"
	"particlesim/gpu"
	"particlesim/physics"
)

// Backend runs the kernel as a Metal compute pipeline over two shared-storage
// buffers. The buffers live in unified memory, so Download is a copy with no
// transfer.
type Backend struct {
	ctx    *C.ParticleMetalContext
	n      int
	policy physics.IntegrationPolicy
	logger *zap.Logger
}

var _ gpu.ComputeBackend = (*Backend)(nil)

// Available reports whether this build carries the Metal backend
func Available() bool { return true }

// NewBackend creates the device, queue and pipeline for policy
func NewBackend(policy physics.IntegrationPolicy, logger *zap.Logger) (*Backend, error) {
	source, err := gpu.MetalSource(policy)
	if err != nil {
		return nil, fmt.Errorf("failed to render Metal kernel: %w", err)
	}

	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))
	cName := C.CString(gpu.MetalKernelName)
	defer C.free(unsafe.Pointer(cName))

	var cErr *C.char
	ctx := C.createParticleMetalContext(cSource, cName, &cErr)
	if ctx == nil {
		return nil, fmt.Errorf("failed to initialize Metal compute: %s", takeError(cErr))
	}

	logger.Info("Metal compute pipeline ready", zap.Stringer("policy", policy))
	return &Backend{ctx: ctx, policy: policy, logger: logger}, nil
}

func takeError(cErr *C.char) string {
	if cErr == nil {
		return "unknown error"
	}
	defer C.free(unsafe.Pointer(cErr))
	return C.GoString(cErr)
}

func (b *Backend) Name() string { return "Metal compute" }

// Upload copies buf into new device buffers
func (b *Backend) Upload(buf *core.ParticleBuffers) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	n := buf.Len()
	if n == 0 {
		return errors.New("cannot upload an empty particle set")
	}
	if C.uploadParticles(b.ctx, unsafe.Pointer(&buf.Positions[0]), unsafe.Pointer(&buf.Velocities[0]), C.int(n)) != 0 {
		return fmt.Errorf("failed to allocate Metal buffers for %d particles", n)
	}
	b.n = n
	return nil
}

// Dispatch runs one step and waits for the command buffer to complete
func (b *Backend) Dispatch(ctx context.Context, params core.SimulationParameters) (physics.DispatchStats, error) {
	if b.n == 0 {
		return physics.DispatchStats{}, gpu.ErrNotUploaded
	}
	if err := ctx.Err(); err != nil {
		return physics.DispatchStats{}, err
	}

	start := time.Now()
	var groups C.int
	status := C.dispatchParticles(b.ctx,
		C.float(params.DT),
		C.float(params.FrameBufferSize.X()), C.float(params.FrameBufferSize.Y()),
		C.float(params.AttractorPosition.X()), C.float(params.AttractorPosition.Y()),
		C.float(params.AttractorForceMultiplier),
		&groups)
	if status != 0 {
		return physics.DispatchStats{}, errors.New("metal command buffer failed")
	}

	return physics.DispatchStats{
		Particles: b.n,
		Groups:    int(groups),
		Duration:  time.Since(start),
	}, nil
}

// Download copies the device buffers into dst
func (b *Backend) Download(dst *core.ParticleBuffers) error {
	if b.n == 0 {
		return gpu.ErrNotUploaded
	}
	if dst.Len() != b.n || len(dst.Velocities) != b.n {
		return fmt.Errorf("%w: device holds %d particles, host %d", core.ErrBufferMismatch, b.n, dst.Len())
	}
	copy(dst.Positions, unsafe.Slice((*core.Vec2)(C.positionContents(b.ctx)), b.n))
	copy(dst.Velocities, unsafe.Slice((*core.Vec2)(C.velocityContents(b.ctx)), b.n))
	return nil
}

// SetPolicy rebuilds the pipeline for a different integration policy
func (b *Backend) SetPolicy(policy physics.IntegrationPolicy) error {
	if policy == b.policy {
		return nil
	}
	source, err := gpu.MetalSource(policy)
	if err != nil {
		return err
	}
	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))
	cName := C.CString(gpu.MetalKernelName)
	defer C.free(unsafe.Pointer(cName))

	var cErr *C.char
	if C.buildPipeline(b.ctx, cSource, cName, &cErr) != 0 {
		return fmt.Errorf("failed to rebuild Metal pipeline: %s", takeError(cErr))
	}
	b.policy = policy
	b.logger.Info("Metal pipeline rebuilt", zap.Stringer("policy", policy))
	return nil
}

// Cleanup releases the device objects
func (b *Backend) Cleanup() {
	if b.ctx != nil {
		C.destroyParticleMetalContext(b.ctx)
		b.ctx = nil
	}
	b.n = 0
}
