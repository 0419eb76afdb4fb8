package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaenhancer/internal/video"
)

func createFileWithSize(t *testing.T, filename string, size int64) {
	t.Helper()
	file, err := os.Create(filename)
	require.NoError(t, err)
	defer file.Close()
	if size > 0 {
		require.NoError(t, file.Truncate(size))
	}
}

func TestValidateSourcePath(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "clip.mp4")
	createFileWithSize(t, valid, 1024)
	createFileWithSize(t, filepath.Join(dir, "empty.mp4"), 0)
	createFileWithSize(t, filepath.Join(dir, "notes.txt"), 10)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.mp4"), 0o755))

	tests := []struct {
		name      string
		input     string
		errorType string
	}{
		{name: "Valid file", input: valid},
		{name: "Quoted path", input: "  '" + valid + "'  "},
		{name: "Double quoted path", input: `"` + valid + `"`},
		{name: "Empty", input: "   ", errorType: "empty"},
		{name: "Only quotes", input: `""`, errorType: "empty"},
		{name: "Traversal", input: dir + "/../clip.mp4", errorType: "directory traversal"},
		{name: "Missing", input: filepath.Join(dir, "missing.mp4"), errorType: "does not exist"},
		{name: "Directory", input: filepath.Join(dir, "folder.mp4"), errorType: "directory"},
		{name: "Unsupported format", input: filepath.Join(dir, "notes.txt"), errorType: "supported formats"},
		{name: "Empty file", input: filepath.Join(dir, "empty.mp4"), errorType: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := ValidateSourcePath(tt.input, 0)
			if tt.errorType == "" {
				require.NoError(t, err)
				assert.Equal(t, valid, path)
				return
			}
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), tt.errorType)
		})
	}
}

func TestFileSizeValidation(t *testing.T) {
	dir := t.TempDir()
	const maxSize = int64(1 << 20)

	tests := []struct {
		name        string
		fileSize    int64
		expectError bool
	}{
		{name: "Small file", fileSize: 1024},
		{name: "Exactly at limit", fileSize: maxSize},
		{name: "Just over limit", fileSize: maxSize + 1, expectError: true},
		{name: "Way over limit", fileSize: maxSize * 4, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filename := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".mkv")
			createFileWithSize(t, filename, tt.fileSize)

			_, err := ValidateSourcePath(filename, maxSize)
			if !tt.expectError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "exceeds maximum allowed size")
		})
	}
}

func TestIsSupportedFormat(t *testing.T) {
	for _, ext := range SupportedInputFormats {
		assert.True(t, IsSupportedFormat("video"+ext), ext)
		assert.True(t, IsSupportedFormat("VIDEO"+strings.ToUpper(ext)), ext)
	}
	assert.False(t, IsSupportedFormat("video.gif"))
	assert.False(t, IsSupportedFormat("video"))
}

func TestOutputPaths(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		jobID     string
		wantVideo string
		wantAudio string
	}{
		{
			name:      "uuid job",
			source:    "/downloads/My Clip.mp4",
			jobID:     "3f2b8c1e-9a4d-4c1b-8f00-123456789abc",
			wantVideo: "My_Clip_3f2b8c1e.mp4",
			wantAudio: "My_Clip_3f2b8c1e_audio.mp4",
		},
		{
			name:      "mkv source keeps mp4 outputs",
			source:    "/downloads/talk.mkv",
			jobID:     "abcd",
			wantVideo: "talk_abcd.mp4",
			wantAudio: "talk_abcd_audio.mp4",
		},
		{
			name:      "no job id",
			source:    "talk.webm",
			wantVideo: "talk.mp4",
			wantAudio: "talk_audio.mp4",
		},
		{
			name:      "unusable title",
			source:    "/downloads/???.mp4",
			jobID:     "12345678",
			wantVideo: "video_12345678.mp4",
			wantAudio: "video_12345678_audio.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, a := OutputPaths("/processed", tt.source, tt.jobID)
			assert.Equal(t, filepath.Join("/processed", tt.wantVideo), v)
			assert.Equal(t, filepath.Join("/processed", tt.wantAudio), a)
			assert.NotEqual(t, v, a)
		})
	}
}

func TestSanitizeStem(t *testing.T) {
	assert.Equal(t, "Rick_Astley_-_Never_Gonna_Give_You_Up", SanitizeStem("Rick Astley - Never Gonna Give You Up"))
	assert.Equal(t, "a_b", SanitizeStem("a/\\:*b"))
	assert.Equal(t, "ünïcödé", SanitizeStem("ünïcödé"))
	assert.Equal(t, "video", SanitizeStem(""))
	assert.Equal(t, "video", SanitizeStem("..."))
	assert.Len(t, SanitizeStem(strings.Repeat("x", 300)), 100)
}

func TestEnsureDir(t *testing.T) {
	base := t.TempDir()

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(base, "downloads", "nested")
		require.NoError(t, EnsureDir(dir))
		assert.DirExists(t, dir)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "write probe must be removed")
	})

	t.Run("file in the way", func(t *testing.T) {
		file := filepath.Join(base, "taken")
		createFileWithSize(t, file, 1)
		assert.Error(t, EnsureDir(file))
	})

	t.Run("system directory", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("unix system paths")
		}
		err := EnsureDir("/etc/mediaenhancer")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "system directory")
	})

	t.Run("empty", func(t *testing.T) {
		assert.Error(t, EnsureDir("  "))
	})

	t.Run("read-only directory", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced")
		}
		dir := filepath.Join(base, "readonly")
		require.NoError(t, os.Mkdir(dir, 0o555))
		t.Cleanup(func() { os.Chmod(dir, 0o755) })
		assert.Error(t, EnsureDir(dir))
	})
}

func TestValidateLayout(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, ValidateLayout(filepath.Join(base, "downloads"), filepath.Join(base, "processed")))
	assert.DirExists(t, filepath.Join(base, "downloads"))
	assert.DirExists(t, filepath.Join(base, "processed"))
}

type stubProber struct {
	info *video.VideoInfo
	err  error
}

func (s stubProber) Probe(context.Context, string) (*video.VideoInfo, error) {
	return s.info, s.err
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	createFileWithSize(t, path, 2048)

	t.Run("clean source", func(t *testing.T) {
		info := &video.VideoInfo{Format: "mov,mp4,m4a,3gp,3g2,mj2", Duration: 5, HasVideo: true, Width: 640, Height: 360, FrameRate: 30, HasAudio: true, FileSize: 2048}
		res, err := Inspect(context.Background(), stubProber{info: info}, path, 0)
		require.NoError(t, err)
		assert.True(t, res.IsValid)
		assert.Equal(t, "640x360", res.Resolution)
		assert.Empty(t, res.Warnings)
	})

	t.Run("warnings", func(t *testing.T) {
		info := &video.VideoInfo{Format: "matroska,webm", Duration: 1200, HasVideo: true, Width: 3840, Height: 2160, FrameRate: 24}
		res, err := Inspect(context.Background(), stubProber{info: info}, path, 0)
		require.NoError(t, err)
		assert.Len(t, res.Warnings, 4)
	})

	t.Run("no video track", func(t *testing.T) {
		info := &video.VideoInfo{Format: "mp4", HasAudio: true}
		res, err := Inspect(context.Background(), stubProber{info: info}, path, 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, video.ErrNoVideoStream)
		assert.False(t, res.IsValid)
	})

	t.Run("probe failure", func(t *testing.T) {
		_, err := Inspect(context.Background(), stubProber{err: errors.New("moov atom not found")}, path, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "moov atom not found")
	})
}

func TestValidateSourcePathAllowsDottedNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Live..At..Wembley.mp4")
	createFileWithSize(t, path, 10)

	got, err := ValidateSourcePath(path, 0)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}
