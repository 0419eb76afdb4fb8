package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaenhancer/internal/upscaling"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "downloads", cfg.Storage.DownloadsDir)
	assert.Equal(t, "processed", cfg.Storage.ProcessedDir)
	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Binaries.FFmpeg)
	assert.Equal(t, "ffprobe", cfg.FFmpeg.Binaries.FFprobe)
	assert.Equal(t, "libx264", cfg.FFmpeg.Encoder.VideoCodec)
	assert.Equal(t, 18, cfg.FFmpeg.Encoder.CRF)
	assert.Equal(t, upscaling.BackendRealESRGAN, cfg.Upscaler.Backend)
	assert.Equal(t, "general_4x", cfg.Upscaler.Model)
	assert.Equal(t, "auto", cfg.Upscaler.Device)
	assert.Equal(t, 200.0, cfg.Audio.Filter.LowCutHz)
	assert.Equal(t, 3000.0, cfg.Audio.Filter.HighCutHz)
	assert.Equal(t, "aac", cfg.Audio.Codec)
	assert.Equal(t, 1, cfg.Pipeline.MaxConcurrentJobs)
	assert.Zero(t, cfg.Pipeline.Timeout)
	assert.Equal(t, "yt-dlp", cfg.Fetch.Binary)
	assert.Equal(t, 30*time.Minute, cfg.Fetch.Timeout)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
storage:
  downloads_dir: /data/in
  processed_dir: /data/out
upscaler:
  backend: reference
  device: cpu
audio:
  filter:
    low_cut_hz: 300
    high_cut_hz: 3400
pipeline:
  max_concurrent_jobs: 2
  timeout: 1h
`)
	t.Setenv("PIPELINE_MAX_CONCURRENT_JOBS", "4")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/data/in", cfg.Storage.DownloadsDir)
	assert.Equal(t, "/data/out", cfg.Storage.ProcessedDir)
	assert.Equal(t, upscaling.BackendReference, cfg.Upscaler.Backend)
	assert.Equal(t, 300.0, cfg.Audio.Filter.LowCutHz)
	assert.Equal(t, 3400.0, cfg.Audio.Filter.HighCutHz)
	assert.Equal(t, time.Hour, cfg.Pipeline.Timeout)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrentJobs, "environment wins over file")
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{
			name: "inverted band",
			body: "audio:\n  filter:\n    low_cut_hz: 3000\n    high_cut_hz: 200\n",
			want: "HighCutHz",
		},
		{
			name: "unknown device",
			body: "upscaler:\n  device: tpu\n",
			want: "Device",
		},
		{
			name: "unknown backend",
			body: "upscaler:\n  backend: waifu2x\n",
			want: "Backend",
		},
		{
			name: "unknown model",
			body: "upscaler:\n  model: anime_8x\n",
			want: "invalid upscaling model",
		},
		{
			name: "negative jobs",
			body: "pipeline:\n  max_concurrent_jobs: -1\n",
			want: "MaxConcurrentJobs",
		},
		{
			name: "crf out of range",
			body: "ffmpeg:\n  encoder:\n    crf: 60\n",
			want: "CRF",
		},
		{
			name: "bad log level",
			body: "log:\n  level: loud\n",
			want: "Level",
		},
		{
			name: "negative cut-off from env",
			body: "log:\n  level: info\n",
			env:  map[string]string{"AUDIO_LOW_CUT_HZ": "-5"},
			want: "LowCutHz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestUsageListsEnvironment(t *testing.T) {
	usage := Usage()
	assert.Contains(t, usage, "PIPELINE_MAX_CONCURRENT_JOBS")
	assert.Contains(t, usage, "UPSCALER_DEVICE")
	assert.Contains(t, usage, "AUDIO_LOW_CUT_HZ")
}
