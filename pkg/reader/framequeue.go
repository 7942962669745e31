package reader

import (
	"context"
	"io"
	"sync"
)

type queuedFrame struct {
	pixels      []byte
	width       int
	height      int
	timestampUs int64
}

// FrameQueue turns the push callback into a pull API. Pass OnFrame to New,
// call Bind with the reader and read frames with CopyNextFrame. OnFrame
// blocks while the queue is full, which holds back the delivery queue and,
// through the buffer ring, the decoder.
type FrameQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	frames   []queuedFrame
	capacity int
	closed   bool
	spare    [][]byte
}

// NewFrameQueue creates a queue holding up to capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &FrameQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// OnFrame copies the frame into the queue. It has the Callback signature.
func (q *FrameQueue) OnFrame(pixels []byte, width, height int, timestampUs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return
	}

	buf := q.takeSpare(len(pixels))
	copy(buf, pixels)
	q.frames = append(q.frames, queuedFrame{
		pixels:      buf,
		width:       width,
		height:      height,
		timestampUs: timestampUs,
	})
	q.notEmpty.Signal()
}

// CopyNextFrame waits for the next frame and copies it into dst. It returns
// the number of bytes copied and the frame timestamp in microseconds. When
// dst is too small it returns io.ErrShortBuffer and keeps the frame queued.
// Once the queue is closed and empty it returns io.EOF.
func (q *FrameQueue) CopyNextFrame(ctx context.Context, dst []byte) (int, int64, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return 0, 0, io.EOF
	}

	f := q.frames[0]
	if len(dst) < len(f.pixels) {
		return 0, f.timestampUs, io.ErrShortBuffer
	}
	n := copy(dst, f.pixels)
	q.frames[0] = queuedFrame{}
	q.frames = q.frames[1:]
	q.spare = append(q.spare, f.pixels)
	q.notFull.Signal()
	return n, f.timestampUs, nil
}

// NextFrameSize returns the byte size and dimensions of the next queued
// frame, or zeros when the queue is empty.
func (q *FrameQueue) NextFrameSize() (size, width, height int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return 0, 0, 0
	}
	f := q.frames[0]
	return len(f.pixels), f.width, f.height
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close wakes blocked callers. Queued frames can still be read.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Bind closes the queue when r is released or its session ends. Release
// must not wait for a consumer that stopped reading, so a full queue drops
// the frame its OnFrame call is blocked on.
func (q *FrameQueue) Bind(r *FrameReader) {
	r.OnRelease(q.Close)
	q.CloseOnDone(r.Done())
}

// CloseOnDone closes the queue when done is closed, typically
// FrameReader.Done(). Prefer Bind for a FrameReader.
func (q *FrameQueue) CloseOnDone(done <-chan struct{}) {
	go func() {
		<-done
		q.Close()
	}()
}

func (q *FrameQueue) takeSpare(size int) []byte {
	for len(q.spare) > 0 {
		buf := q.spare[len(q.spare)-1]
		q.spare = q.spare[:len(q.spare)-1]
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}
