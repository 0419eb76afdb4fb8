package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mediaenhancer/internal/audio"
	"mediaenhancer/internal/fetch"
	"mediaenhancer/internal/frames"
	"mediaenhancer/internal/mocks"
	"mediaenhancer/internal/progress"
	"mediaenhancer/internal/upscaling"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeModel wraps the reference backend and can fail on a chosen frame.
type fakeModel struct {
	inner    upscaling.Model
	failAt   int
	failErr  error
	released atomic.Int32
	onFrame  func(index int)
}

func (m *fakeModel) Enhance(ctx context.Context, f frames.Frame) (frames.Frame, error) {
	if m.onFrame != nil {
		m.onFrame(f.Index)
	}
	if m.failAt > 0 && f.Index == m.failAt {
		return frames.Frame{}, m.failErr
	}
	return m.inner.Enhance(ctx, f)
}

func (m *fakeModel) Name() string             { return "fake" }
func (m *fakeModel) Device() upscaling.Device { return upscaling.CPU() }
func (m *fakeModel) Release() error           { m.released.Add(1); return nil }

type fakeLoader struct {
	model *fakeModel
	err   error
}

func (l *fakeLoader) Load(ctx context.Context) (upscaling.Model, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

func newReferenceLoader(t *testing.T) (*fakeLoader, *fakeModel) {
	t.Helper()
	inner, err := (&upscaling.Loader{Config: upscaling.Config{Backend: upscaling.BackendReference}, Device: upscaling.CPU(), Logger: zerolog.Nop()}).Load(context.Background())
	require.NoError(t, err)
	m := &fakeModel{inner: inner}
	return &fakeLoader{model: m}, m
}

func newVideoStage(opener frames.Opener, loader ModelLoader) *VideoStage {
	return &VideoStage{Opener: opener, Loader: loader, Logger: zerolog.Nop()}
}

func TestVideoStageUpscalesEveryFrameInOrder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	opener := &mocks.FakeOpener{
		Source: &mocks.FakeSource{Width: 64, Height: 64, Count: 10},
		Meta:   frames.Metadata{Width: 64, Height: 64, FrameRate: 24, TotalFrames: 10},
	}
	loader, model := newReferenceLoader(t)

	var events []progress.Event
	var transitions []State
	stage := newVideoStage(opener, loader)
	stage.Observer = progress.ObserverFunc(func(e progress.Event) { events = append(events, e) })
	stage.OnTransition = func(_, to State) { transitions = append(transitions, to) }

	got, err := stage.Run(context.Background(), "in.mp4", out)
	require.NoError(t, err)
	assert.Equal(t, out, got)

	w := opener.LastWriter()
	require.NotNil(t, w)
	assert.Equal(t, 256, w.Width)
	assert.Equal(t, 256, w.Height)
	assert.InDelta(t, 24.0, w.FrameRate, 1e-9, "output keeps the source frame rate")
	require.Len(t, w.Frames, 10)
	for i, f := range w.Frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, 256, f.Width)
		assert.Equal(t, 256, f.Height)
	}
	assert.Equal(t, 1, w.CloseCount())
	assert.False(t, w.Discarded)
	assert.FileExists(t, out)
	assert.Equal(t, 1, opener.Source.Closed)
	assert.Equal(t, int32(1), model.released.Load())

	assert.Equal(t, StateReading, transitions[0])
	assert.Equal(t, []State{StateFinalizing, StateDone}, transitions[len(transitions)-2:])
	// 10 frames, one event per write plus the final one.
	require.Len(t, events, 11)
	assert.Equal(t, 10, events[9].FramesDone)
	assert.Equal(t, 10, events[9].FramesTotal)
}

func TestVideoStageFailurePaths(t *testing.T) {
	tests := []struct {
		name       string
		opener     func() *mocks.FakeOpener
		loader     func(t *testing.T) (*fakeLoader, *fakeModel)
		wantAs     func(err error) bool
		wantCloses int
	}{
		{
			name: "read failure mid-stream",
			opener: func() *mocks.FakeOpener {
				return &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 8, Height: 8, Count: 10, FailAt: 3}}
			},
			loader: newReferenceLoader,
			wantAs: func(err error) bool {
				var e *frames.UnreadableMediaError
				return errors.As(err, &e)
			},
			wantCloses: 1,
		},
		{
			name: "inference failure",
			opener: func() *mocks.FakeOpener {
				return &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 8, Height: 8, Count: 10}}
			},
			loader: func(t *testing.T) (*fakeLoader, *fakeModel) {
				l, m := newReferenceLoader(t)
				m.failAt = 5
				m.failErr = &upscaling.InferenceError{Index: 5, Err: upscaling.ErrResourceExhausted}
				return l, m
			},
			wantAs: func(err error) bool {
				var e *upscaling.InferenceError
				return errors.As(err, &e)
			},
			wantCloses: 1,
		},
		{
			name: "write failure",
			opener: func() *mocks.FakeOpener {
				return &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 8, Height: 8, Count: 10}, SinkFailAt: 2}
			},
			loader: newReferenceLoader,
			wantAs: func(err error) bool {
				var e *frames.WriteError
				return errors.As(err, &e)
			},
			wantCloses: 1,
		},
		{
			name: "empty source",
			opener: func() *mocks.FakeOpener {
				return &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 8, Height: 8, Count: 0}}
			},
			loader: newReferenceLoader,
			wantAs: func(err error) bool {
				var e *frames.UnreadableMediaError
				return errors.As(err, &e)
			},
			wantCloses: 1,
		},
		{
			name: "model load failure",
			opener: func() *mocks.FakeOpener {
				return &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 8, Height: 8, Count: 10}}
			},
			loader: func(t *testing.T) (*fakeLoader, *fakeModel) {
				return &fakeLoader{err: &upscaling.ModelLoadError{Model: "x", Err: errors.New("weights missing")}}, nil
			},
			wantAs: func(err error) bool {
				var e *upscaling.ModelLoadError
				return errors.As(err, &e)
			},
			wantCloses: 0,
		},
		{
			name: "unreadable source",
			opener: func() *mocks.FakeOpener {
				return &mocks.FakeOpener{SourceErr: &frames.UnreadableMediaError{Path: "in.mp4", Err: errors.New("no video track")}}
			},
			loader: newReferenceLoader,
			wantAs: func(err error) bool {
				var e *frames.UnreadableMediaError
				return errors.As(err, &e)
			},
			wantCloses: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			out := filepath.Join(dir, "out.mp4")
			opener := tt.opener()
			loader, model := tt.loader(t)

			var last State
			stage := newVideoStage(opener, loader)
			stage.OnTransition = func(_, to State) { last = to }

			_, err := stage.Run(context.Background(), "in.mp4", out)
			require.Error(t, err)
			assert.True(t, tt.wantAs(err), "unexpected error type: %v", err)
			assert.Equal(t, StateFailed, last)
			assert.NoFileExists(t, out)

			w := opener.LastWriter()
			if tt.wantCloses == 0 {
				assert.Nil(t, w)
			} else {
				require.NotNil(t, w)
				assert.Equal(t, tt.wantCloses, w.CloseCount())
				assert.True(t, w.Discarded)
			}
			if model != nil {
				assert.Equal(t, int32(1), model.released.Load(), "model released on every path")
			}
		})
	}
}

func TestVideoStageCancellation(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	opener := &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 8, Height: 8, Count: 100}}
	loader, model := newReferenceLoader(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model.onFrame = func(index int) {
		if index == 4 {
			cancel()
		}
	}

	_, err := newVideoStage(opener, loader).Run(ctx, "in.mp4", out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, out)

	w := opener.LastWriter()
	require.NotNil(t, w)
	assert.Equal(t, 1, w.CloseCount())
	assert.Less(t, len(w.Frames), 100)
	assert.Equal(t, int32(1), model.released.Load())
}

func TestVideoStageDeterministic(t *testing.T) {
	run := func() []frames.Frame {
		opener := &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 6, Height: 4, Count: 3}}
		loader, _ := newReferenceLoader(t)
		_, err := newVideoStage(opener, loader).Run(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "out.mp4"))
		require.NoError(t, err)
		return opener.LastWriter().Frames
	}
	assert.Equal(t, run(), run())
}

// scaleFrameFile stands in for the python worker: it writes input enlarged by upscaling.Scale.
func scaleFrameFile(_ context.Context, input, output string) error {
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer in.Close()
	src, err := png.Decode(in)
	if err != nil {
		return err
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*upscaling.Scale, b.Dy()*upscaling.Scale))
	for y := 0; y < dst.Bounds().Dy(); y++ {
		for x := 0; x < dst.Bounds().Dx(); x++ {
			dst.Set(x, y, src.At(x/upscaling.Scale, y/upscaling.Scale))
		}
	}
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	return png.Encode(out, dst)
}

func TestVideoStageStartsInferenceWorkerOnce(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "upscale_frame.py")
	require.NoError(t, os.WriteFile(script, []byte("# stub"), 0o600))

	starter := &mocks.WorkerStarter{Handle: scaleFrameFile}
	cfg := upscaling.DefaultConfig()
	cfg.PythonPath = "python3"
	cfg.ScriptPath = script
	cfg.ScratchDir = dir
	loader := &upscaling.Loader{
		Config: cfg,
		Device: upscaling.CPU(),
		Runner: mocks.NewMockCommandExecutor(),
		Starter: upscaling.StarterFunc(func(ctx context.Context, name string, args ...string) (upscaling.Process, error) {
			w, err := starter.Start(ctx, name, args...)
			if err != nil {
				return nil, err
			}
			return w, nil
		}),
		Logger: zerolog.Nop(),
	}

	opener := &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 8, Height: 6, Count: 5}}
	out := filepath.Join(dir, "out.mp4")
	_, err := newVideoStage(opener, loader).Run(context.Background(), "in.mp4", out)
	require.NoError(t, err)

	require.Len(t, opener.LastWriter().Frames, 5)
	starts := starter.Starts()
	require.Len(t, starts, 1, "one stage run loads the model once")
	assert.Contains(t, starts[0], script+" --serve")

	worker := starter.Workers()[0]
	assert.Equal(t, 5, worker.Requests())
	assert.True(t, worker.Exited(), "the worker is stopped when the stage releases the model")
	assert.False(t, worker.Killed())
}

func TestStateTransitions(t *testing.T) {
	valid := [][2]State{
		{StateIdle, StateReading},
		{StateReading, StateEnhancing},
		{StateEnhancing, StateWriting},
		{StateWriting, StateReading},
		{StateReading, StateFinalizing},
		{StateFinalizing, StateDone},
		{StateIdle, StateFailed},
		{StateWriting, StateFailed},
		{StateFinalizing, StateFailed},
	}
	for _, tr := range valid {
		assert.True(t, isValidTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]State{
		{StateIdle, StateEnhancing},
		{StateReading, StateWriting},
		{StateEnhancing, StateReading},
		{StateWriting, StateFinalizing},
		{StateDone, StateFailed},
		{StateFailed, StateReading},
		{StateDone, StateReading},
	}
	for _, tr := range invalid {
		assert.False(t, isValidTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	st := newStateTracker(zerolog.Nop(), nil)
	require.Error(t, st.to(StateWriting))
	assert.Equal(t, StateIdle, st.state())
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: &PipelineError{Stage: StagePipeline, Err: context.Canceled}, want: KindCancelled},
		{err: context.DeadlineExceeded, want: KindTimeout},
		{err: &fetch.FetchError{Err: errors.New("x")}, want: KindFetch},
		{err: &fetch.FetchError{InvalidLocator: true, Err: errors.New("x")}, want: KindInvalidRequest},
		{err: &PipelineError{Stage: StageVideo, Err: &frames.UnreadableMediaError{Err: errors.New("x")}}, want: KindUnreadableMedia},
		{err: &upscaling.ModelLoadError{Err: errors.New("x")}, want: KindModelLoad},
		{err: &upscaling.InferenceError{Err: errors.New("x")}, want: KindInference},
		{err: &upscaling.InferenceError{Err: upscaling.ErrResourceExhausted}, want: KindResourceExhausted},
		{err: &frames.WriteError{Index: -1, Err: errors.New("x")}, want: KindWrite},
		{err: &PipelineError{Stage: StageAudio, Err: &audio.FilterError{Err: audio.ErrNoAudioTrack}}, want: KindFilter},
		{err: errors.New("boom"), want: KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "%v", tt.err)
	}
}

func TestMediaJobValidate(t *testing.T) {
	ok := MediaJob{SourcePath: "in.mp4", VideoOutputPath: "out.mp4", AudioOutputPath: "out_audio.mp4"}
	assert.NoError(t, ok.Validate())

	for _, bad := range []MediaJob{
		{VideoOutputPath: "a", AudioOutputPath: "b"},
		{SourcePath: "in.mp4", VideoOutputPath: "a.mp4"},
		{SourcePath: "in.mp4", VideoOutputPath: "a.mp4", AudioOutputPath: "./a.mp4"},
		{SourcePath: "in.mp4", VideoOutputPath: "in.mp4", AudioOutputPath: "b.mp4"},
	} {
		assert.Error(t, bad.Validate(), "%+v", bad)
	}
}

// --- coordinator ---

type fakeStage struct {
	delay  time.Duration
	err    error
	write  bool
	mu     sync.Mutex
	called int
}

func (f *fakeStage) do(ctx context.Context, out string) (string, error) {
	f.mu.Lock()
	f.called++
	f.mu.Unlock()

	if f.write {
		if err := os.WriteFile(out, []byte("partial"), 0o600); err != nil {
			return "", err
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		_ = os.Remove(out)
		return "", ctx.Err()
	}
	if f.err != nil {
		_ = os.Remove(out)
		return "", f.err
	}
	return out, nil
}

type fakeVideo struct{ fakeStage }

func (f *fakeVideo) Run(ctx context.Context, _, out string) (string, error) { return f.do(ctx, out) }

type fakeAudio struct {
	fakeStage
	gotSpec audio.FilterSpec
}

func (f *fakeAudio) Enhance(ctx context.Context, _, out string, spec audio.FilterSpec) (string, error) {
	f.gotSpec = spec
	return f.do(ctx, out)
}

// lingering finishes immediately, so its output exists when the sibling fails.
type lingering struct{}

func (lingering) Enhance(ctx context.Context, _, out string, _ audio.FilterSpec) (string, error) {
	return out, os.WriteFile(out, []byte("audio"), 0o600)
}

func newJob(t *testing.T) MediaJob {
	dir := t.TempDir()
	return MediaJob{
		ID:              "job-1",
		SourcePath:      filepath.Join(dir, "in.mp4"),
		VideoOutputPath: filepath.Join(dir, "in_job.mp4"),
		AudioOutputPath: filepath.Join(dir, "in_job_audio.mp4"),
	}
}

func TestCoordinatorSuccess(t *testing.T) {
	job := newJob(t)
	v := &fakeVideo{fakeStage{delay: 10 * time.Millisecond, write: true}}
	a := &fakeAudio{fakeStage: fakeStage{delay: 5 * time.Millisecond, write: true}}
	c := &Coordinator{Video: v, Audio: a, Filter: audio.DefaultFilterSpec(), Logger: zerolog.Nop()}

	res, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, Result{VideoOutputPath: job.VideoOutputPath, AudioOutputPath: job.AudioOutputPath}, res)
	assert.FileExists(t, res.VideoOutputPath)
	assert.FileExists(t, res.AudioOutputPath)
	assert.Equal(t, audio.DefaultFilterSpec(), a.gotSpec)
}

func TestCoordinatorRunsStagesConcurrently(t *testing.T) {
	job := newJob(t)
	const d = 200 * time.Millisecond
	c := &Coordinator{
		Video:  &fakeVideo{fakeStage{delay: d}},
		Audio:  &fakeAudio{fakeStage: fakeStage{delay: d}},
		Logger: zerolog.Nop(),
	}

	start := time.Now()
	_, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*d-50*time.Millisecond, "stages must overlap")
}

func TestCoordinatorVideoFailureRemovesAudio(t *testing.T) {
	job := newJob(t)
	videoErr := &upscaling.InferenceError{Index: 3, Err: errors.New("nan output")}
	c := &Coordinator{
		Video:  &fakeVideo{fakeStage{delay: 20 * time.Millisecond, err: videoErr}},
		Audio:  lingering{},
		Logger: zerolog.Nop(),
	}

	_, err := c.Run(context.Background(), job)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageVideo, perr.Stage)
	assert.ErrorIs(t, err, videoErr)
	assert.Equal(t, KindInference, Kind(err))
	assert.NoFileExists(t, job.VideoOutputPath)
	assert.NoFileExists(t, job.AudioOutputPath)
}

func TestCoordinatorAudioFailureCancelsVideo(t *testing.T) {
	job := newJob(t)
	v := &fakeVideo{fakeStage{delay: 5 * time.Second, write: true}}
	c := &Coordinator{
		Video:  v,
		Audio:  &fakeAudio{fakeStage: fakeStage{err: &audio.FilterError{Path: job.SourcePath, Err: audio.ErrNoAudioTrack}}},
		Logger: zerolog.Nop(),
	}

	start := time.Now()
	_, err := c.Run(context.Background(), job)
	assert.Less(t, time.Since(start), time.Second, "video stage is cancelled, not awaited to completion")

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageAudio, perr.Stage)
	assert.ErrorIs(t, err, audio.ErrNoAudioTrack)
	assert.NoFileExists(t, job.VideoOutputPath)
	assert.NoFileExists(t, job.AudioOutputPath)
}

func TestCoordinatorCallerCancellation(t *testing.T) {
	job := newJob(t)
	c := &Coordinator{
		Video:  &fakeVideo{fakeStage{delay: 5 * time.Second, write: true}},
		Audio:  &fakeAudio{fakeStage: fakeStage{delay: 5 * time.Second, write: true}},
		Logger: zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := c.Run(ctx, job)
	assert.Equal(t, Result{}, res)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StagePipeline, perr.Stage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCancelled, Kind(err))
	assert.NoFileExists(t, job.VideoOutputPath)
	assert.NoFileExists(t, job.AudioOutputPath)
}

func TestCoordinatorTimeout(t *testing.T) {
	job := newJob(t)
	c := &Coordinator{
		Video:   &fakeVideo{fakeStage{delay: 5 * time.Second}},
		Audio:   &fakeAudio{fakeStage: fakeStage{}},
		Timeout: 30 * time.Millisecond,
		Logger:  zerolog.Nop(),
	}

	_, err := c.Run(context.Background(), job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StagePipeline, StageOf(err))
}

func TestCoordinatorRejectsInvalidJob(t *testing.T) {
	v := &fakeVideo{}
	c := &Coordinator{Video: v, Audio: &fakeAudio{}, Logger: zerolog.Nop()}

	_, err := c.Run(context.Background(), MediaJob{SourcePath: "in.mp4"})
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.Equal(t, KindInvalidRequest, Kind(err))
	assert.Zero(t, v.called)
}

func TestCoordinatorWithVideoStage(t *testing.T) {
	job := newJob(t)
	opener := &mocks.FakeOpener{Source: &mocks.FakeSource{Width: 64, Height: 64, Count: 10}}
	loader, _ := newReferenceLoader(t)
	c := &Coordinator{
		Video:  newVideoStage(opener, loader),
		Audio:  &fakeAudio{fakeStage: fakeStage{write: true}},
		Filter: audio.DefaultFilterSpec(),
		Logger: zerolog.Nop(),
	}

	res, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	assert.FileExists(t, res.VideoOutputPath)
	assert.FileExists(t, res.AudioOutputPath)
	assert.Len(t, opener.LastWriter().Frames, 10)
}
