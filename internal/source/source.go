// Package source produces decoded frames for the scheduler.
//
// A Source returns frames in native order with contiguous sequence indices and
// never skips or reorders. Next blocks while decoding. After Next returns an
// error other than pipeline.ErrEndOfStream the source is only good for Close.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Source is the narrow "next frame" boundary to a decoder
type Source interface {
	Next(ctx context.Context) (*pipeline.Frame, error)
	Close() error
}

// MemorySource serves pre-built frames, mostly for tests and embedded use
type MemorySource struct {
	mu     sync.Mutex
	frames []*pipeline.Frame
	next   int
	err    error // returned after the frames run out, instead of ErrEndOfStream
}

// NewMemorySource wraps frames. Their Seq values are rewritten to be contiguous.
func NewMemorySource(frames ...*pipeline.Frame) *MemorySource {
	for i, f := range frames {
		f.Seq = uint64(i)
	}
	return &MemorySource{frames: frames}
}

// FailAfter makes the source return err once all frames were served
func (s *MemorySource) FailAfter(err error) *MemorySource {
	s.err = err
	return s
}

// Next implements Source
func (s *MemorySource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.frames) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, pipeline.ErrEndOfStream
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// Close implements Source
func (s *MemorySource) Close() error { return nil }

// SyntheticFrames builds count solid-color RGB24 frames spaced by interval.
// release, if non-nil, is attached to every frame.
func SyntheticFrames(count, width, height int, interval time.Duration, release func(*pipeline.Frame)) []*pipeline.Frame {
	frames := make([]*pipeline.Frame, 0, count)
	for i := 0; i < count; i++ {
		pix := make([]byte, width*height*3)
		for p := 0; p < len(pix); p += 3 {
			pix[p] = byte(i)
			pix[p+1] = byte(i * 7)
			pix[p+2] = byte(i * 13)
		}
		var f *pipeline.Frame
		var rel func()
		if release != nil {
			rel = func() { release(f) }
		}
		f = pipeline.NewFrame(uint64(i), time.Duration(i)*interval, width, height, pipeline.PixelFormatRGB24, pix, rel)
		frames = append(frames, f)
	}
	return frames
}

// bufferPool recycles fixed-size pixel buffers between released frames and the decoder
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (bp *bufferPool) get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

func (bp *bufferPool) put(b *[]byte) {
	if len(*b) == bp.size {
		bp.pool.Put(b)
	}
}
