package frames

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"mediaenhancer/internal/ffmpeg"
	"mediaenhancer/internal/video"
)

// FFmpeg opens sources and sinks backed by ffmpeg subprocesses exchanging raw RGB24 frames over
// pipes. Every source and sink owns its own process, so concurrent readers of one file never share
// a handle.
type FFmpeg struct {
	Binaries ffmpeg.Binaries
	Encoder  ffmpeg.EncoderConfig
	Logger   zerolog.Logger
}

var _ Opener = (*FFmpeg)(nil)

// NewFFmpeg returns an Opener using the given binaries and encoder settings.
func NewFFmpeg(bins ffmpeg.Binaries, enc ffmpeg.EncoderConfig, logger zerolog.Logger) *FFmpeg {
	return &FFmpeg{Binaries: bins.WithDefaults(), Encoder: enc, Logger: logger}
}

// OpenSource probes path and starts a decoder for its first video track.
func (f *FFmpeg) OpenSource(ctx context.Context, path string) (Source, Metadata, error) {
	info, err := video.NewProber(f.Binaries.FFprobe).Probe(ctx, path)
	if err != nil {
		return nil, Metadata{}, &UnreadableMediaError{Path: path, Err: err}
	}
	if err := info.Video(); err != nil {
		return nil, Metadata{}, &UnreadableMediaError{Path: path, Err: err}
	}
	meta := Metadata{
		Width:       info.Width,
		Height:      info.Height,
		FrameRate:   info.FrameRate,
		TotalFrames: info.FrameCount,
	}

	// #nosec G204 -- binary comes from configuration, path is passed as a single argument
	cmd := exec.CommandContext(ctx, f.Binaries.FFmpeg, ffmpeg.DecodeArgs(path)...)
	ring := ffmpeg.NewLineRing(32)
	cmd.Stderr = ring
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Metadata{}, &UnreadableMediaError{Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, Metadata{}, &UnreadableMediaError{Path: path, Err: fmt.Errorf("start decoder: %w", err)}
	}

	f.Logger.Debug().
		Str("path", path).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Float64("fps", meta.FrameRate).
		Int("frames", meta.TotalFrames).
		Msg("decoder started")

	return &ffmpegSource{
		path:   path,
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, Size(meta.Width, meta.Height)),
		ring:   ring,
		meta:   meta,
	}, meta, nil
}

type ffmpegSource struct {
	path   string
	cmd    *exec.Cmd
	stdout *bufio.Reader
	ring   *ffmpeg.LineRing
	meta   Metadata

	next     int
	finished bool
	waitErr  error
	once     sync.Once
}

func (s *ffmpegSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.finished {
		return Frame{}, io.EOF
	}

	frame := NewFrame(s.next, s.meta.Width, s.meta.Height)
	_, err := io.ReadFull(s.stdout, frame.Pix)
	switch {
	case err == nil:
		s.next++
		return frame, nil
	case errors.Is(err, io.EOF):
		s.finished = true
		if werr := s.wait(); werr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Frame{}, ctxErr
			}
			return Frame{}, &UnreadableMediaError{Path: s.path, Err: fmt.Errorf("decoder exited: %w: %s", werr, s.ring)}
		}
		if s.next == 0 {
			return Frame{}, &UnreadableMediaError{Path: s.path, Err: errors.New("video track contains no frames")}
		}
		return Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.finished = true
		_ = s.wait()
		return Frame{}, &UnreadableMediaError{Path: s.path, Err: fmt.Errorf("truncated frame %d", s.next)}
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		return Frame{}, &UnreadableMediaError{Path: s.path, Err: err}
	}
}

func (s *ffmpegSource) wait() error {
	s.once.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Close stops the decoder if it is still running.
func (s *ffmpegSource) Close() error {
	if !s.finished && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.finished = true
	_ = s.wait()
	return nil
}

// OpenSink starts an encoder writing width×height frames at frameRate into a pending file next to
// path. The file only appears at path once Close succeeds.
func (f *FFmpeg) OpenSink(ctx context.Context, path string, width, height int, frameRate float64) (Writer, error) {
	if width <= 0 || height <= 0 || frameRate <= 0 {
		return nil, &WriteError{Path: path, Index: -1, Err: fmt.Errorf("invalid sink geometry %dx%d@%v", width, height, frameRate)}
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, &WriteError{Path: path, Index: -1, Err: fmt.Errorf("create pending file: %w", err)}
	}

	// ffmpeg writes by name into the pending file; renameio publishes it on Close.
	args := ffmpeg.EncodeArgs(pending.Name(), ffmpeg.ContainerFormat(path), width, height, frameRate, f.Encoder)
	// #nosec G204 -- binary comes from configuration
	cmd := exec.CommandContext(ctx, f.Binaries.FFmpeg, args...)
	ring := ffmpeg.NewLineRing(32)
	cmd.Stderr = ring
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = pending.Cleanup()
		return nil, &WriteError{Path: path, Index: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		_ = pending.Cleanup()
		return nil, &WriteError{Path: path, Index: -1, Err: fmt.Errorf("start encoder: %w", err)}
	}

	f.Logger.Debug().
		Str("output_path", path).
		Str("resolution", fmt.Sprintf("%dx%d", width, height)).
		Float64("fps", frameRate).
		Msg("encoder started")

	return &ffmpegSink{
		path:    path,
		width:   width,
		height:  height,
		pending: pending,
		cmd:     cmd,
		stdin:   stdin,
		ring:    ring,
	}, nil
}

type ffmpegSink struct {
	path    string
	width   int
	height  int
	pending *renameio.PendingFile
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ring    *ffmpeg.LineRing

	mu        sync.Mutex
	next      int
	discarded bool
	closed    bool
}

func (s *ffmpegSink) Write(ctx context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &WriteError{Path: s.path, Index: frame.Index, Err: os.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if frame.Index != s.next {
		return &WriteError{Path: s.path, Index: frame.Index, Err: fmt.Errorf("out of order: expected frame %d", s.next)}
	}
	if frame.Width != s.width || frame.Height != s.height {
		return &WriteError{Path: s.path, Index: frame.Index, Err: fmt.Errorf("frame is %dx%d, sink expects %dx%d", frame.Width, frame.Height, s.width, s.height)}
	}
	if err := frame.Validate(); err != nil {
		return &WriteError{Path: s.path, Index: frame.Index, Err: err}
	}
	if _, err := s.stdin.Write(frame.Pix); err != nil {
		return &WriteError{Path: s.path, Index: frame.Index, Err: fmt.Errorf("%w: %s", err, s.ring)}
	}
	s.next++
	return nil
}

func (s *ffmpegSink) Discard() {
	s.mu.Lock()
	s.discarded = true
	s.mu.Unlock()
}

func (s *ffmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &WriteError{Path: s.path, Index: -1, Err: os.ErrClosed}
	}
	s.closed = true

	if s.discarded {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
		return s.pending.Cleanup()
	}

	closeErr := s.stdin.Close()
	waitErr := s.cmd.Wait()
	if waitErr != nil || closeErr != nil {
		_ = s.pending.Cleanup()
		return &WriteError{Path: s.path, Index: -1, Err: fmt.Errorf("finalize: %w: %s", errors.Join(closeErr, waitErr), s.ring)}
	}
	if s.next == 0 {
		_ = s.pending.Cleanup()
		return &WriteError{Path: s.path, Index: -1, Err: errors.New("no frames written")}
	}
	if err := s.pending.CloseAtomicallyReplace(); err != nil {
		_ = s.pending.Cleanup()
		return &WriteError{Path: s.path, Index: -1, Err: fmt.Errorf("publish: %w", err)}
	}
	return nil
}
