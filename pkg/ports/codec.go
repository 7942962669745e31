package ports

import "image"

// Executor runs posted work units in FIFO order on its own goroutine.
type Executor interface {
	// Post schedules fn. It returns false if the executor no longer accepts work.
	Post(fn func()) bool
}

// Surface is the producer endpoint of a GPU image queue. Decoders render into
// it; the consumer side (a texture or an image reader) is not CPU addressable
// through this interface.
type Surface interface {
	// QueueImage hands one rendered image to the consumer.
	QueueImage(img image.Image, timestampNs int64) error
}

// BufferInfo describes a decoder output buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              SampleFlags
}

// DecoderCallback receives asynchronous decoder events. Events are delivered
// on the Executor passed to HardwareDecoder.SetCallback.
type DecoderCallback interface {
	OnInputBufferAvailable(dec HardwareDecoder, index int)
	OnOutputBufferAvailable(dec HardwareDecoder, index int, info BufferInfo)
	OnError(dec HardwareDecoder, err error)
	OnOutputFormatChanged(dec HardwareDecoder, format TrackFormat)
}

// HardwareDecoder abstracts an asynchronous video decoder that renders its
// output into a Surface instead of CPU memory.
type HardwareDecoder interface {
	// SetCallback registers cb; events are posted to exec.
	SetCallback(cb DecoderCallback, exec Executor)

	// Configure binds the decoder to format and output surface.
	Configure(format TrackFormat, output Surface) error

	// Start begins processing. Input slots are announced through the callback.
	Start() error

	// InputBuffer returns the writable buffer of input slot index.
	InputBuffer(index int) ([]byte, error)

	// QueueInputBuffer submits size bytes of input slot index.
	QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags SampleFlags) error

	// ReleaseOutputBuffer returns output slot index to the decoder, rendering
	// it to the output surface first when render is true.
	ReleaseOutputBuffer(index int, render bool) error

	// Stop halts processing. Release must still be called.
	Stop() error

	// Release frees all decoder resources.
	Release()
}

// DecoderFactory creates decoders by MIME type.
type DecoderFactory interface {
	CreateDecoderByType(mime string) (HardwareDecoder, error)
}
