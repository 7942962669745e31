package mocks

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/user/framereader/pkg/ports"
)

// ErrDecoderStopped is returned by Decoder calls made after Stop or Release.
var ErrDecoderStopped = errors.New("mocks: decoder stopped")

type pendingOutput struct {
	info ports.BufferInfo
}

// Decoder is a mock implementation of ports.HardwareDecoder. Every queued
// sample produces one output whose rendered image is a gradient: pixel (x, y)
// has R=x, G=y, B=frame number, so tests can check orientation and packing.
type Decoder struct {
	mu sync.Mutex

	MIME       string
	InputSlots int

	ConfigureFunc func(format ports.TrackFormat, output ports.Surface) error
	StartFunc     func() error
	// RenderFunc builds the image rendered for an output. Defaults to the gradient.
	RenderFunc func(frame int, width, height int) image.Image

	// Recorded calls
	Format         ports.TrackFormat
	QueuedPTS      []int64
	QueuedEOS      int
	Released       []int
	Rendered       int
	StopCalls      int
	ReleaseCalls   int
	DoubleReleases int

	cb      ports.DecoderCallback
	exec    ports.Executor
	surface ports.Surface
	inputs  [][]byte
	pending map[int]pendingOutput
	nextOut int
	frames  int
	stopped bool
}

// NewDecoder creates a mock decoder with two input slots.
func NewDecoder(mime string) *Decoder {
	return &Decoder{
		MIME:       mime,
		InputSlots: 2,
		pending:    make(map[int]pendingOutput),
	}
}

func (m *Decoder) SetCallback(cb ports.DecoderCallback, exec ports.Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	m.exec = exec
}

func (m *Decoder) Configure(format ports.TrackFormat, output ports.Surface) error {
	if m.ConfigureFunc != nil {
		if err := m.ConfigureFunc(format, output); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Format = format
	m.surface = output
	return nil
}

func (m *Decoder) Start() error {
	if m.StartFunc != nil {
		if err := m.StartFunc(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = make([][]byte, m.InputSlots)
	for i := range m.inputs {
		m.inputs[i] = make([]byte, 1<<16)
		m.postInputLocked(i)
	}
	return nil
}

func (m *Decoder) InputBuffer(index int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrDecoderStopped
	}
	if index < 0 || index >= len(m.inputs) {
		return nil, fmt.Errorf("input slot %d out of range", index)
	}
	return m.inputs[index], nil
}

func (m *Decoder) QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags ports.SampleFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrDecoderStopped
	}

	if flags.Has(ports.SampleFlagEndOfStream) {
		m.QueuedEOS++
		m.postOutputLocked(ports.BufferInfo{Flags: ports.SampleFlagEndOfStream})
		return nil
	}

	m.QueuedPTS = append(m.QueuedPTS, presentationTimeUs)
	m.postOutputLocked(ports.BufferInfo{
		Offset:             0,
		Size:               m.Format.Width * m.Format.Height * 4,
		PresentationTimeUs: presentationTimeUs,
	})
	m.postInputLocked(index)
	return nil
}

func (m *Decoder) ReleaseOutputBuffer(index int, render bool) error {
	m.mu.Lock()
	out, ok := m.pending[index]
	if !ok {
		m.DoubleReleases++
		m.mu.Unlock()
		return fmt.Errorf("output slot %d not pending", index)
	}
	delete(m.pending, index)
	m.Released = append(m.Released, index)
	if !render || out.info.Size == 0 || m.surface == nil {
		m.mu.Unlock()
		return nil
	}
	frame := m.frames
	m.frames++
	m.Rendered++
	surface := m.surface
	w, h := m.Format.Width, m.Format.Height
	renderFn := m.RenderFunc
	m.mu.Unlock()

	if renderFn == nil {
		renderFn = Gradient
	}
	return surface.QueueImage(renderFn(frame, w, h), out.info.PresentationTimeUs*1000)
}

func (m *Decoder) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	m.stopped = true
	return nil
}

func (m *Decoder) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseCalls++
	m.stopped = true
}

// InjectError delivers err through the decoder's error callback.
func (m *Decoder) InjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.post(func(cb ports.DecoderCallback) { cb.OnError(m, err) })
}

// Counts returns the recorded stop and release calls.
func (m *Decoder) Counts() (stops, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StopCalls, m.ReleaseCalls
}

// Pending returns the number of outputs not yet released.
func (m *Decoder) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Decoder) postInputLocked(index int) {
	m.post(func(cb ports.DecoderCallback) { cb.OnInputBufferAvailable(m, index) })
}

func (m *Decoder) postOutputLocked(info ports.BufferInfo) {
	index := m.nextOut
	m.nextOut++
	m.pending[index] = pendingOutput{info: info}
	m.post(func(cb ports.DecoderCallback) { cb.OnOutputBufferAvailable(m, index, info) })
}

// post schedules fn on the callback executor unless the decoder stopped by
// the time it runs. Callers hold m.mu.
func (m *Decoder) post(fn func(cb ports.DecoderCallback)) {
	if m.cb == nil || m.exec == nil {
		return
	}
	cb := m.cb
	m.exec.Post(func() {
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if !stopped {
			fn(cb)
		}
	})
}

// Gradient renders frame as pixel (x, y) = (x, y, frame, 255).
func Gradient(frame, width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(frame), A: 255})
		}
	}
	return img
}

// DecoderFactory is a mock implementation of ports.DecoderFactory.
type DecoderFactory struct {
	mu sync.Mutex

	CreateFunc func(mime string) (ports.HardwareDecoder, error)
	// Setup customizes every decoder the factory creates.
	Setup func(d *Decoder)

	Decoders []*Decoder
}

// NewDecoderFactory creates a factory producing mock decoders.
func NewDecoderFactory() *DecoderFactory {
	return &DecoderFactory{}
}

func (f *DecoderFactory) CreateDecoderByType(mime string) (ports.HardwareDecoder, error) {
	if f.CreateFunc != nil {
		return f.CreateFunc(mime)
	}
	d := NewDecoder(mime)
	if f.Setup != nil {
		f.Setup(d)
	}
	f.mu.Lock()
	f.Decoders = append(f.Decoders, d)
	f.mu.Unlock()
	return d, nil
}

// Last returns the most recently created decoder, or nil.
func (f *DecoderFactory) Last() *Decoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Decoders) == 0 {
		return nil
	}
	return f.Decoders[len(f.Decoders)-1]
}

var (
	_ ports.HardwareDecoder = (*Decoder)(nil)
	_ ports.DecoderFactory  = (*DecoderFactory)(nil)
)
