package frames

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaenhancer/internal/ffmpeg"
)

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if !ffmpeg.IsAvailable("ffmpeg") || !ffmpeg.IsAvailable("ffprobe") {
		t.Skip("ffmpeg/ffprobe not installed")
	}
}

// makeClip renders a short test pattern with ffmpeg's lavfi source.
func makeClip(t *testing.T, dir string, frames int) string {
	t.Helper()
	path := filepath.Join(dir, "clip.mp4")
	cmd := exec.Command("ffmpeg", "-v", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=size=64x64:rate=10",
		"-frames:v", strconv.Itoa(frames),
		"-c:v", "libx264", "-pix_fmt", "yuv420p", path)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return path
}

func newOpener() *FFmpeg {
	return NewFFmpeg(ffmpeg.Binaries{}, ffmpeg.DefaultEncoderConfig(), zerolog.Nop())
}

func TestFFmpegSourceToSink(t *testing.T) {
	requireFFmpeg(t)
	dir := t.TempDir()
	in := makeClip(t, dir, 10)
	out := filepath.Join(dir, "out.mp4")
	ctx := context.Background()
	opener := newOpener()

	src, meta, err := opener.OpenSource(ctx, in)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 64, meta.Width)
	assert.Equal(t, 64, meta.Height)
	assert.InDelta(t, 10, meta.FrameRate, 0.01)

	sink, err := opener.OpenSink(ctx, out, meta.Width, meta.Height, meta.FrameRate)
	require.NoError(t, err)

	count := 0
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, count, f.Index)
		require.NoError(t, sink.Write(ctx, f))
		count++
	}
	assert.Equal(t, 10, count)

	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err), "output must not exist before Close")

	require.NoError(t, sink.Close())

	again, meta2, err := opener.OpenSource(ctx, out)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 64, meta2.Width)
}

func TestFFmpegSinkDiscardLeavesNothing(t *testing.T) {
	requireFFmpeg(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	ctx := context.Background()

	sink, err := newOpener().OpenSink(ctx, out, 8, 8, 25)
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, NewFrame(0, 8, 8)))

	sink.Discard()
	require.NoError(t, sink.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFFmpegSinkRejectsBadFrames(t *testing.T) {
	requireFFmpeg(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	ctx := context.Background()

	sink, err := newOpener().OpenSink(ctx, out, 8, 8, 25)
	require.NoError(t, err)
	defer func() {
		sink.Discard()
		_ = sink.Close()
	}()

	var werr *WriteError
	err = sink.Write(ctx, NewFrame(1, 8, 8))
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 1, werr.Index)

	err = sink.Write(ctx, NewFrame(0, 4, 4))
	require.ErrorAs(t, err, &werr)
}

func TestFFmpegSourceUnreadable(t *testing.T) {
	requireFFmpeg(t)
	dir := t.TempDir()
	bogus := filepath.Join(dir, "notes.mp4")
	require.NoError(t, os.WriteFile(bogus, []byte("not a video"), 0o600))

	_, _, err := newOpener().OpenSource(context.Background(), bogus)
	var uerr *UnreadableMediaError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, bogus, uerr.Path)
}

func TestOpenSinkRejectsGeometry(t *testing.T) {
	_, err := newOpener().OpenSink(context.Background(), filepath.Join(t.TempDir(), "x.mp4"), 0, 8, 25)
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, -1, werr.Index)
}
