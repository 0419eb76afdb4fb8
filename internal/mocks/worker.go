package mocks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// WorkerStarter starts in-process stand-ins for a long-lived inference worker. Each worker announces
// "ready", then answers every "<input>\t<output>" request line with "ok" or "error <message>".
type WorkerStarter struct {
	// Handle serves one request. A nil Handle answers "ok" without touching the files.
	Handle func(ctx context.Context, input, output string) error
	// StartErr fails Start itself.
	StartErr error
	// ExitBeforeReady makes the worker exit with this stderr text instead of announcing ready.
	ExitBeforeReady string

	mu      sync.Mutex
	starts  []string
	workers []*Worker
}

// Start launches a worker for the given command line.
func (s *WorkerStarter) Start(ctx context.Context, name string, args ...string) (*Worker, error) {
	s.mu.Lock()
	s.starts = append(s.starts, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	s.mu.Unlock()
	if s.StartErr != nil {
		return nil, s.StartErr
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()

	go w.serve(runCtx, s.Handle, s.ExitBeforeReady)
	return w, nil
}

// Starts returns the command line of every Start call.
func (s *WorkerStarter) Starts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.starts...)
}

// Workers returns every worker started so far.
func (s *WorkerStarter) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Worker(nil), s.workers...)
}

// Worker is one fake worker process.
type Worker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	cancel  context.CancelFunc
	done    chan struct{}

	stderr   atomic.Value
	requests atomic.Int32
	killed   atomic.Bool
}

func (w *Worker) serve(ctx context.Context, handle func(context.Context, string, string) error, exitText string) {
	defer close(w.done)
	defer w.stdoutW.Close()

	if exitText != "" {
		w.stderr.Store(exitText)
		_ = w.stdinR.Close()
		return
	}
	if _, err := io.WriteString(w.stdoutW, "ready\n"); err != nil {
		return
	}

	sc := bufio.NewScanner(w.stdinR)
	for sc.Scan() {
		input, output, ok := strings.Cut(sc.Text(), "\t")
		if !ok {
			_, _ = io.WriteString(w.stdoutW, "error malformed request\n")
			continue
		}
		w.requests.Add(1)
		reply := "ok\n"
		if handle != nil {
			if err := handle(ctx, input, output); err != nil {
				reply = fmt.Sprintf("error %s\n", strings.ReplaceAll(err.Error(), "\n", " "))
			}
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := io.WriteString(w.stdoutW, reply); err != nil {
			return
		}
	}
}

func (w *Worker) Stdin() io.WriteCloser { return w.stdinW }
func (w *Worker) Stdout() io.Reader     { return w.stdoutR }

func (w *Worker) StderrTail() string {
	s, _ := w.stderr.Load().(string)
	return s
}

// Wait blocks until the worker has exited.
func (w *Worker) Wait() error {
	<-w.done
	if w.killed.Load() {
		return errors.New("signal: killed")
	}
	return nil
}

// Kill stops the worker without waiting for the current request.
func (w *Worker) Kill() error {
	w.killed.Store(true)
	w.cancel()
	_ = w.stdinR.CloseWithError(io.ErrClosedPipe)
	_ = w.stdoutW.CloseWithError(io.ErrClosedPipe)
	return nil
}

// Exited reports whether the worker has stopped.
func (w *Worker) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Killed reports whether the worker was stopped with Kill.
func (w *Worker) Killed() bool { return w.killed.Load() }

// Requests returns how many frames the worker was asked to process.
func (w *Worker) Requests() int { return int(w.requests.Load()) }
