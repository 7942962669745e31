package ports

import "github.com/user/framereader/pkg/transform"

// GraphicsDevice creates the GPU resources used by the conversion path.
type GraphicsDevice interface {
	// NewImageReader creates a CPU-readable RGBA surface queue of at most
	// maxImages images of the given size.
	NewImageReader(width, height, maxImages int) (ImageReader, error)

	// NewRenderContext creates a GPU context whose draw target is target.
	// The context owns a dedicated goroutine started by Start.
	NewRenderContext(target Surface) (RenderContext, error)
}

// RenderContext is a GPU context with its own FIFO execution goroutine.
// Methods other than Post, Start and Release must be called from posted work.
type RenderContext interface {
	Executor

	// Start launches the context goroutine.
	Start() error

	// CreateExternalTexture allocates an opaque texture fed by a producer surface.
	CreateExternalTexture() (ExternalTexture, error)

	// NewBlitEncoder creates the blit/convert primitive for external textures.
	NewBlitEncoder() (BlitEncoder, error)

	// SetPresentationTime stamps the next swapped image.
	SetPresentationTime(timestampNs int64)

	// SwapBuffers commits drawn work to the target surface.
	SwapBuffers() error

	// Release stops the context after pending work has run. It is idempotent.
	Release()
}

// ExternalTexture is an opaque GPU texture bound to a producer surface.
type ExternalTexture interface {
	// ID returns the texture name used by BlitEncoder.
	ID() uint32

	// Surface returns the producer endpoint decoders render into.
	Surface() Surface

	// SetOnFrameAvailable registers fn, posted to exec once per queued image.
	SetOnFrameAvailable(fn func(), exec Executor)

	// UpdateTexImage latches the oldest queued image into the texture.
	UpdateTexImage() error

	// TransformMatrix returns the texture coordinate transform of the latched image.
	TransformMatrix() transform.Mat4

	// Timestamp returns the timestamp of the latched image in nanoseconds.
	Timestamp() int64

	// Release frees the texture. It is idempotent.
	Release()
}

// BlitEncoder copies an external texture into the current draw target.
type BlitEncoder interface {
	Blit(texture uint32, m transform.Mat4) error
	Release()
}

// ImageReader is the consumer end of a CPU-readable surface.
type ImageReader interface {
	// Surface returns the producer endpoint, used as a render context target.
	Surface() Surface

	Width() int
	Height() int

	// SetOnImageAvailable registers fn, posted to exec once per queued image.
	SetOnImageAvailable(fn func(), exec Executor)

	// AcquireLatestImage returns the newest queued image, dropping older ones.
	// It returns nil and no error when nothing is queued.
	AcquireLatestImage() (Image, error)

	// Close releases the reader and every image still queued. It is idempotent.
	Close()
}

// Image is a CPU-readable image acquired from an ImageReader.
type Image interface {
	Width() int
	Height() int
	Timestamp() int64 // nanoseconds
	Planes() []Plane
	Close()
}

// Plane is one plane of an Image.
type Plane struct {
	Buffer      []byte
	RowStride   int // Bytes between the starts of consecutive rows
	PixelStride int // Bytes between adjacent pixels of a row
}
