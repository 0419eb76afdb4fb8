package upscaling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mediaenhancer/internal/frames"
)

const (
	replyReady = "ready"
	replyOK    = "ok"
	replyError = "error "

	releaseTimeout = 10 * time.Second
)

var errWorkerExited = errors.New("inference worker exited")

// realESRGAN owns one long-lived inference worker started from the configured python script. The
// worker builds the network and loads the weights once, then serves one frame per request line.
// Frames are exchanged as PNG files in a scratch directory owned by the model.
type realESRGAN struct {
	cfg     Config
	name    string
	device  Device
	scratch string
	logger  zerolog.Logger

	proc   Process
	lines  chan string
	quit   chan struct{}
	exited chan struct{}

	mu     sync.Mutex
	broken error

	releaseOnce sync.Once
	releaseErr  error
}

func (l *Loader) loadRealESRGAN(ctx context.Context) (Model, error) {
	cfg := l.Config
	name, ok := UpscalingModels[cfg.Model]
	if !ok {
		return nil, &ModelLoadError{Model: cfg.Model, Err: errors.New("unknown model")}
	}
	if !fileExists(cfg.ScriptPath) {
		return nil, &ModelLoadError{Model: name, Err: fmt.Errorf("upscaling script not found: %s", cfg.ScriptPath)}
	}
	if cfg.WeightsDir != "" {
		weights := filepath.Join(cfg.WeightsDir, name+".pth")
		if !fileExists(weights) {
			return nil, &ModelLoadError{Model: name, Err: fmt.Errorf("weights not found: %s", weights)}
		}
	}

	scratch, err := os.MkdirTemp(cfg.ScratchDir, "upscaling_*")
	if err != nil {
		return nil, &ModelLoadError{Model: name, Err: fmt.Errorf("create scratch directory: %w", err)}
	}

	m := &realESRGAN{
		cfg:     cfg,
		name:    name,
		device:  l.Device,
		scratch: scratch,
		logger:  l.Logger,
		lines:   make(chan string),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	starter := l.Starter
	if starter == nil {
		starter = ExecRunner{}
	}
	python := pythonPath(ctx, cfg, l.Runner)
	program, args := splitCommand(python, m.workerArgs()...)
	proc, err := starter.Start(ctx, program, args...)
	if err != nil {
		_ = os.RemoveAll(scratch)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ModelLoadError{Model: name, Err: fmt.Errorf("start inference worker (%s): %w", python, err)}
	}
	m.proc = proc
	go m.listen()

	readyCtx := ctx
	if cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, cfg.LoadTimeout)
		defer cancel()
	}
	if err := m.awaitReady(readyCtx); err != nil {
		_ = m.proc.Kill()
		_ = m.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ModelLoadError{Model: name, Err: fmt.Errorf("inference runtime unavailable (%s): %w", python, err)}
	}
	return m, nil
}

func (m *realESRGAN) Name() string   { return m.name }
func (m *realESRGAN) Device() Device { return m.device }

func (m *realESRGAN) workerArgs() []string {
	args := []string{
		m.cfg.ScriptPath,
		"--serve",
		"--model", m.name,
		"--scale", strconv.Itoa(Scale),
		"--device", string(m.device.Kind),
	}
	if m.device.Kind == DeviceCUDA {
		args = append(args, "--gpu", strconv.Itoa(m.device.Index))
	}
	if m.cfg.WeightsDir != "" {
		args = append(args, "--weights", filepath.Join(m.cfg.WeightsDir, m.name+".pth"))
	}
	return args
}

// listen forwards worker stdout lines until the worker exits, then reaps it.
func (m *realESRGAN) listen() {
	sc := bufio.NewScanner(m.proc.Stdout())
	for sc.Scan() {
		select {
		case m.lines <- strings.TrimSpace(sc.Text()):
		case <-m.quit:
		}
	}
	close(m.lines)
	if err := m.proc.Wait(); err != nil {
		m.logger.Debug().Err(err).Msg("inference worker exit")
	}
	close(m.exited)
}

func (m *realESRGAN) awaitReady(ctx context.Context) error {
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return m.exitError()
			}
			if line == replyReady {
				return nil
			}
			m.logger.Debug().Str("line", line).Msg("inference worker output")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitReply returns the next "ok" or "error ..." line.
func (m *realESRGAN) awaitReply(ctx context.Context) (string, error) {
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return "", m.exitError()
			}
			if line == replyOK || strings.HasPrefix(line, replyError) {
				return line, nil
			}
			m.logger.Debug().Str("line", line).Msg("inference worker output")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *realESRGAN) exitError() error {
	if tail := m.proc.StderrTail(); tail != "" {
		return fmt.Errorf("%w: %s", errWorkerExited, tail)
	}
	return errWorkerExited
}

func (m *realESRGAN) Enhance(ctx context.Context, frame frames.Frame) (frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frames.Frame{}, err
	}
	if err := checkInput(frame); err != nil {
		return frames.Frame{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return frames.Frame{}, &InferenceError{Index: frame.Index, Err: m.broken}
	}

	inputPath := filepath.Join(m.scratch, fmt.Sprintf("frame_%06d.png", frame.Index))
	outputPath := filepath.Join(m.scratch, fmt.Sprintf("frame_%06d_x%d.png", frame.Index, Scale))
	defer func() {
		_ = os.Remove(inputPath)
		_ = os.Remove(outputPath)
	}()

	if err := writePNG(inputPath, frame); err != nil {
		return frames.Frame{}, &InferenceError{Index: frame.Index, Err: err}
	}

	runCtx := ctx
	if m.cfg.FrameTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.FrameTimeout)
		defer cancel()
	}

	if _, err := fmt.Fprintf(m.proc.Stdin(), "%s\t%s\n", inputPath, outputPath); err != nil {
		m.broken = fmt.Errorf("send frame to inference worker: %w", err)
		return frames.Frame{}, &InferenceError{Index: frame.Index, Err: m.broken}
	}

	reply, err := m.awaitReply(runCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// A reply may still arrive for this frame, so the worker cannot serve another one.
			m.abandon(ctxErr)
			return frames.Frame{}, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			m.abandon(err)
			return frames.Frame{}, &InferenceError{Index: frame.Index, Err: fmt.Errorf("frame timed out after %s", m.cfg.FrameTimeout)}
		}
		m.broken = err
		if isExhaustion(err.Error()) {
			return frames.Frame{}, &InferenceError{Index: frame.Index, Err: fmt.Errorf("%w: %v", ErrResourceExhausted, err)}
		}
		return frames.Frame{}, &InferenceError{Index: frame.Index, Err: err}
	}

	if msg, failed := strings.CutPrefix(reply, replyError); failed {
		if isExhaustion(msg) {
			return frames.Frame{}, &InferenceError{Index: frame.Index, Err: fmt.Errorf("%w: %s", ErrResourceExhausted, msg)}
		}
		return frames.Frame{}, &InferenceError{Index: frame.Index, Err: fmt.Errorf("upscaling failed: %s", msg)}
	}

	out, err := readPNG(outputPath, frame.Index)
	if err != nil {
		return frames.Frame{}, &InferenceError{Index: frame.Index, Err: err}
	}
	if err := checkOutput(frame, out); err != nil {
		return frames.Frame{}, err
	}
	return out, nil
}

// abandon stops a worker whose current request was given up on.
func (m *realESRGAN) abandon(cause error) {
	m.broken = fmt.Errorf("inference worker stopped: %w", cause)
	if err := m.proc.Kill(); err != nil {
		m.logger.Debug().Err(err).Msg("kill inference worker")
	}
}

// Release stops the worker, which frees its device memory, and removes the scratch directory.
func (m *realESRGAN) Release() error {
	m.releaseOnce.Do(func() {
		close(m.quit)
		_ = m.proc.Stdin().Close()
		select {
		case <-m.exited:
		case <-time.After(releaseTimeout):
			m.logger.Warn().Msg("inference worker did not exit, killing it")
			_ = m.proc.Kill()
			<-m.exited
		}
		m.releaseErr = os.RemoveAll(m.scratch)
		m.logger.Debug().Str("scratch", m.scratch).Msg("model released")
	})
	return m.releaseErr
}

func writePNG(path string, frame frames.Frame) error {
	f, err := os.Create(path) // #nosec G304 -- path lives in the model scratch directory
	if err != nil {
		return err
	}
	if err := png.Encode(f, frame.ToImage()); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}

func readPNG(path string, index int) (frames.Frame, error) {
	f, err := os.Open(path) // #nosec G304 -- path lives in the model scratch directory
	if err != nil {
		return frames.Frame{}, fmt.Errorf("upscaling completed but output file was not created: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return frames.Frame{}, fmt.Errorf("decode png: %w", err)
	}
	return frames.FromImage(index, img), nil
}
