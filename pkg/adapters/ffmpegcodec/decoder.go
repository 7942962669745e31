// Package ffmpegcodec provides a ports.DecoderFactory whose decoders run an
// ffmpeg process: compressed Annex B samples go to stdin, raw RGBA frames
// come back on stdout and are rendered to the configured surface.
package ffmpegcodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sync"

	"github.com/user/framereader/pkg/adapters/codecdetect"
	"github.com/user/framereader/pkg/adapters/logger"
	"github.com/user/framereader/pkg/ports"
)

var (
	// ErrFFmpegNotFound is returned when no ffmpeg binary can be located.
	ErrFFmpegNotFound = errors.New("ffmpegcodec: ffmpeg not found")

	// ErrUnsupportedMIME is returned for codecs without an ffmpeg demuxer mapping.
	ErrUnsupportedMIME = errors.New("ffmpegcodec: unsupported MIME type")

	// ErrInvalidState is returned for calls out of the configure/start/stop order.
	ErrInvalidState = errors.New("ffmpegcodec: invalid state")

	// ErrProcessExited is reported through OnError when ffmpeg ends early.
	ErrProcessExited = errors.New("ffmpegcodec: ffmpeg exited")
)

var demuxers = map[string]string{
	codecdetect.MIMEAVC:  "h264",
	codecdetect.MIMEHEVC: "hevc",
}

// DefaultInputSlots is the number of input buffers a decoder announces.
const DefaultInputSlots = 4

// Factory creates ffmpeg-backed decoders.
type Factory struct {
	ffmpegPath string
	log        ports.Logger
	inputSlots int
}

// NewFactory locates ffmpeg (see FindFFmpeg) and returns a factory.
func NewFactory(ffmpegPath string, log ports.Logger) (*Factory, error) {
	path, err := FindFFmpeg(ffmpegPath)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNoop()
	}
	return &Factory{ffmpegPath: path, log: log, inputSlots: DefaultInputSlots}, nil
}

// Path returns the ffmpeg binary in use.
func (f *Factory) Path() string {
	return f.ffmpegPath
}

// CreateDecoderByType returns a decoder for mime.
func (f *Factory) CreateDecoderByType(mime string) (ports.HardwareDecoder, error) {
	demuxer, ok := demuxers[mime]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMIME, mime)
	}
	return &Decoder{
		ffmpegPath: f.ffmpegPath,
		demuxer:    demuxer,
		inputSlots: f.inputSlots,
		log:        f.log.WithComponent("ffmpeg"),
		outputs:    make(map[int]output),
	}, nil
}

type decoderState int

const (
	stateIdle decoderState = iota
	stateConfigured
	stateRunning
	stateStopped
	stateReleased
)

type output struct {
	img   *image.RGBA
	ptsUs int64
}

// Decoder is one ffmpeg process.
type Decoder struct {
	ffmpegPath string
	demuxer    string
	inputSlots int
	log        ports.Logger

	mu        sync.Mutex
	state     decoderState
	cb        ports.DecoderCallback
	exec      ports.Executor
	format    ports.TrackFormat
	surface   ports.Surface
	inputs    [][]byte
	pts       ptsQueue
	lastPTS   int64
	eosQueued bool
	outputs   map[int]output
	nextOut   int

	// writeMu serializes stdin writes. It is never held together with mu:
	// a blocked write waits for the reader, which needs mu.
	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  bytes.Buffer
	exited  chan struct{}
}

func (d *Decoder) SetCallback(cb ports.DecoderCallback, exec ports.Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
	d.exec = exec
}

// Configure records the stream format and the output surface.
func (d *Decoder) Configure(format ports.TrackFormat, output ports.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateIdle {
		return fmt.Errorf("%w: configure in state %d", ErrInvalidState, d.state)
	}
	if format.Width <= 0 || format.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", format.Width, format.Height)
	}
	d.format = format
	d.surface = output
	d.state = stateConfigured
	return nil
}

// Start launches ffmpeg, writes the parameter sets and announces the input slots.
func (d *Decoder) Start() error {
	d.mu.Lock()
	if d.state != stateConfigured {
		d.mu.Unlock()
		return fmt.Errorf("%w: start in state %d", ErrInvalidState, d.state)
	}

	w, h := d.format.Width, d.format.Height
	cmd := exec.Command(d.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-f", d.demuxer,
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"pipe:1",
	)
	cmd.Stderr = &d.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.exited = make(chan struct{})
	d.state = stateRunning

	size := max(1<<20, w*h*3/2)
	d.inputs = make([][]byte, d.inputSlots)
	for i := range d.inputs {
		d.inputs[i] = make([]byte, size)
	}
	csd := d.format.CSD
	d.mu.Unlock()

	d.log.Debug("Started %s for %s %dx%d", d.ffmpegPath, d.demuxer, w, h)
	go d.readLoop(stdout, w*h*4)

	if err := d.write(annexB(csd)); err != nil {
		return err
	}

	d.mu.Lock()
	for i := range d.inputs {
		d.postInputLocked(i)
	}
	d.mu.Unlock()
	return nil
}

// InputBuffer returns the writable buffer of input slot index.
func (d *Decoder) InputBuffer(index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return nil, fmt.Errorf("%w: input buffer in state %d", ErrInvalidState, d.state)
	}
	if index < 0 || index >= len(d.inputs) {
		return nil, fmt.Errorf("input slot %d out of range", index)
	}
	return d.inputs[index], nil
}

// QueueInputBuffer writes the sample to ffmpeg. The end-of-stream flag
// closes stdin so ffmpeg flushes its remaining frames.
func (d *Decoder) QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags ports.SampleFlags) error {
	d.mu.Lock()
	if d.state != stateRunning {
		d.mu.Unlock()
		return fmt.Errorf("%w: queue input in state %d", ErrInvalidState, d.state)
	}
	if index < 0 || index >= len(d.inputs) || offset < 0 || offset+size > len(d.inputs[index]) {
		d.mu.Unlock()
		return fmt.Errorf("input slot %d range %d+%d out of bounds", index, offset, size)
	}

	if flags.Has(ports.SampleFlagEndOfStream) {
		d.eosQueued = true
		d.mu.Unlock()
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return d.stdin.Close()
	}

	d.pts.push(presentationTimeUs)
	data := d.inputs[index][offset : offset+size]
	d.mu.Unlock()

	if err := d.write(data); err != nil {
		return err
	}

	d.mu.Lock()
	d.postInputLocked(index)
	d.mu.Unlock()
	return nil
}

func (d *Decoder) write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.stdin.Write(data); err != nil {
		return fmt.Errorf("write to ffmpeg: %w", err)
	}
	return nil
}

// ReleaseOutputBuffer renders output index to the surface when render is set.
func (d *Decoder) ReleaseOutputBuffer(index int, render bool) error {
	d.mu.Lock()
	out, ok := d.outputs[index]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("output slot %d not pending", index)
	}
	delete(d.outputs, index)
	surface := d.surface
	d.mu.Unlock()

	if !render || out.img == nil || surface == nil {
		return nil
	}
	return surface.QueueImage(out.img, out.ptsUs*1000)
}

// Stop kills ffmpeg and waits for it to exit.
func (d *Decoder) Stop() error {
	d.mu.Lock()
	switch d.state {
	case stateRunning:
	case stateIdle, stateConfigured:
		d.state = stateStopped
		d.mu.Unlock()
		return nil
	default:
		d.mu.Unlock()
		return nil
	}
	d.state = stateStopped
	cmd, exited := d.cmd, d.exited
	d.mu.Unlock()

	d.writeMu.Lock()
	d.stdin.Close()
	d.writeMu.Unlock()

	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	<-exited
	return nil
}

// Release stops the decoder and drops pending outputs.
func (d *Decoder) Release() {
	d.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = stateReleased
	d.outputs = make(map[int]output)
	d.inputs = nil
}

// readLoop turns stdout into output buffers until ffmpeg exits.
func (d *Decoder) readLoop(stdout io.Reader, frameSize int) {
	var readErr error
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			readErr = err
			break
		}
		d.emit(buf)
	}
	waitErr := d.cmd.Wait()
	close(d.exited)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateRunning {
		return
	}

	clean := errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)
	if d.eosQueued && clean && waitErr == nil {
		d.postOutputLocked(output{}, ports.BufferInfo{Flags: ports.SampleFlagEndOfStream})
		return
	}

	err := fmt.Errorf("%w: %v: %s", ErrProcessExited, waitErr, bytes.TrimSpace(d.stderr.Bytes()))
	d.post(func(cb ports.DecoderCallback) { cb.OnError(d, err) })
}

func (d *Decoder) emit(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pts, ok := d.pts.pop()
	if !ok {
		pts = d.lastPTS
	}
	d.lastPTS = pts

	w, h := d.format.Width, d.format.Height
	img := &image.RGBA{Pix: buf, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	d.postOutputLocked(output{img: img, ptsUs: pts}, ports.BufferInfo{
		Size:               len(buf),
		PresentationTimeUs: pts,
	})
}

func (d *Decoder) postInputLocked(index int) {
	d.post(func(cb ports.DecoderCallback) { cb.OnInputBufferAvailable(d, index) })
}

func (d *Decoder) postOutputLocked(out output, info ports.BufferInfo) {
	index := d.nextOut
	d.nextOut++
	d.outputs[index] = out
	d.post(func(cb ports.DecoderCallback) { cb.OnOutputBufferAvailable(d, index, info) })
}

// post schedules fn on the callback executor. Events are dropped once the
// decoder stopped. Callers hold d.mu.
func (d *Decoder) post(fn func(cb ports.DecoderCallback)) {
	if d.cb == nil || d.exec == nil {
		return
	}
	cb := d.cb
	d.exec.Post(func() {
		d.mu.Lock()
		running := d.state == stateRunning
		d.mu.Unlock()
		if running {
			fn(cb)
		}
	})
}

// annexB joins parameter sets with start codes.
func annexB(nalus [][]byte) []byte {
	var out []byte
	for _, nalu := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nalu...)
	}
	return out
}

var (
	_ ports.HardwareDecoder = (*Decoder)(nil)
	_ ports.DecoderFactory  = (*Factory)(nil)
)
