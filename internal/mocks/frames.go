package mocks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"mediaenhancer/internal/frames"
)

// FakeSource yields Count solid-colour frames of Width×Height. FailAt > 0 makes Next fail when
// frame FailAt would be returned.
type FakeSource struct {
	Width  int
	Height int
	Count  int
	FailAt int
	Err    error

	mu     sync.Mutex
	next   int
	Closed int
}

func (s *FakeSource) Next(ctx context.Context) (frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frames.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAt > 0 && s.next == s.FailAt {
		err := s.Err
		if err == nil {
			err = errors.New("fake read failure")
		}
		return frames.Frame{}, &frames.UnreadableMediaError{Path: "fake", Err: err}
	}
	if s.next >= s.Count {
		return frames.Frame{}, io.EOF
	}
	f := frames.NewFrame(s.next, s.Width, s.Height)
	for i := range f.Pix {
		f.Pix[i] = byte(s.next + i%frames.Channels)
	}
	s.next++
	return f, nil
}

func (s *FakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed++
	return nil
}

// FakeWriter collects frames in memory and materialises Path on a successful Close.
type FakeWriter struct {
	Path      string
	Width     int
	Height    int
	FrameRate float64
	// FailAt > 0 makes Write fail for the frame with that index.
	FailAt int
	// Block, when set, stalls every Write until it is closed or the context ends.
	Block chan struct{}

	mu        sync.Mutex
	Frames    []frames.Frame
	Discarded bool
	Closes    int
}

func (w *FakeWriter) Write(ctx context.Context, frame frames.Frame) error {
	if w.Block != nil {
		select {
		case <-w.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.FailAt > 0 && frame.Index == w.FailAt {
		return &frames.WriteError{Path: w.Path, Index: frame.Index, Err: errors.New("fake write failure")}
	}
	if frame.Index != len(w.Frames) {
		return &frames.WriteError{Path: w.Path, Index: frame.Index, Err: fmt.Errorf("out of order: expected frame %d", len(w.Frames))}
	}
	if frame.Width != w.Width || frame.Height != w.Height {
		return &frames.WriteError{Path: w.Path, Index: frame.Index, Err: fmt.Errorf("frame is %dx%d, want %dx%d", frame.Width, frame.Height, w.Width, w.Height)}
	}
	w.Frames = append(w.Frames, frame)
	return nil
}

func (w *FakeWriter) Discard() {
	w.mu.Lock()
	w.Discarded = true
	w.mu.Unlock()
}

func (w *FakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Closes++
	if w.Closes > 1 {
		return &frames.WriteError{Path: w.Path, Index: -1, Err: os.ErrClosed}
	}
	if w.Discarded || w.Path == "" {
		return nil
	}
	return os.WriteFile(w.Path, []byte(fmt.Sprintf("%d frames %dx%d\n", len(w.Frames), w.Width, w.Height)), 0o600)
}

// CloseCount returns how many times Close was called.
func (w *FakeWriter) CloseCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Closes
}

// FakeOpener hands out a FakeSource and records every FakeWriter it creates.
type FakeOpener struct {
	Source    *FakeSource
	Meta      frames.Metadata
	SourceErr error
	SinkErr   error
	// SinkFailAt and SinkBlock are copied into every writer.
	SinkFailAt int
	SinkBlock  chan struct{}

	mu      sync.Mutex
	Writers []*FakeWriter
}

func (o *FakeOpener) OpenSource(ctx context.Context, path string) (frames.Source, frames.Metadata, error) {
	if o.SourceErr != nil {
		return nil, frames.Metadata{}, o.SourceErr
	}
	meta := o.Meta
	if meta.Width == 0 {
		meta = frames.Metadata{Width: o.Source.Width, Height: o.Source.Height, FrameRate: 30, TotalFrames: o.Source.Count}
	}
	return o.Source, meta, nil
}

func (o *FakeOpener) OpenSink(ctx context.Context, path string, width, height int, frameRate float64) (frames.Writer, error) {
	if o.SinkErr != nil {
		return nil, o.SinkErr
	}
	w := &FakeWriter{Path: path, Width: width, Height: height, FrameRate: frameRate, FailAt: o.SinkFailAt, Block: o.SinkBlock}
	o.mu.Lock()
	o.Writers = append(o.Writers, w)
	o.mu.Unlock()
	return w, nil
}

// LastWriter returns the most recently opened writer, or nil.
func (o *FakeOpener) LastWriter() *FakeWriter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Writers) == 0 {
		return nil
	}
	return o.Writers[len(o.Writers)-1]
}
