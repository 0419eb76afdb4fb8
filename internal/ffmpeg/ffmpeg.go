// Package ffmpeg holds the command lines and helpers shared by every component that shells out to
// ffmpeg or ffprobe.
package ffmpeg

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Binaries locates the ffmpeg tool pair.
type Binaries struct {
	FFmpeg  string `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg" validate:"required"`
	FFprobe string `yaml:"ffprobe_path" env:"FFPROBE_PATH" env-default:"ffprobe" validate:"required"`
}

// WithDefaults fills empty paths with the binaries found on PATH.
func (b Binaries) WithDefaults() Binaries {
	if b.FFmpeg == "" {
		b.FFmpeg = "ffmpeg"
	}
	if b.FFprobe == "" {
		b.FFprobe = "ffprobe"
	}
	return b
}

// EncoderConfig controls how enhanced frames are encoded.
type EncoderConfig struct {
	VideoCodec  string `yaml:"video_codec" env:"FFMPEG_VIDEO_CODEC" env-default:"libx264" validate:"required"`
	Preset      string `yaml:"preset" env:"FFMPEG_PRESET" env-default:"medium"`
	CRF         int    `yaml:"crf" env:"FFMPEG_CRF" env-default:"18" validate:"min=0,max=51"`
	PixelFormat string `yaml:"pixel_format" env:"FFMPEG_PIXEL_FORMAT" env-default:"yuv420p"`
}

// DefaultEncoderConfig mirrors the env-default tags for callers that skip config loading.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		VideoCodec:  "libx264",
		Preset:      "medium",
		CRF:         18,
		PixelFormat: "yuv420p",
	}
}

// RawPixelFormat is the in-memory layout frames travel in between ffmpeg and the enhancer.
const RawPixelFormat = "rgb24"

// IsAvailable reports whether bin resolves to an executable.
func IsAvailable(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// DecodeArgs returns the arguments that stream the first video track of input as raw rgb24 frames
// on stdout.
func DecodeArgs(input string) []string {
	return []string{
		"-nostdin",
		"-v", "error",
		"-i", input,
		"-map", "0:v:0",
		"-an", "-sn",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", RawPixelFormat,
		"pipe:1",
	}
}

// EncodeArgs returns the arguments that read raw rgb24 frames of the given geometry from stdin and
// encode them into output using the named muxer (see ContainerFormat).
func EncodeArgs(output, format string, width, height int, fps float64, enc EncoderConfig) []string {
	args := []string{
		"-nostdin",
		"-v", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", RawPixelFormat,
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", FormatRate(fps),
		"-i", "pipe:0",
		"-c:v", enc.VideoCodec,
	}
	if enc.Preset != "" {
		args = append(args, "-preset", enc.Preset)
	}
	args = append(args, "-crf", strconv.Itoa(enc.CRF))
	if enc.PixelFormat != "" {
		args = append(args, "-pix_fmt", enc.PixelFormat)
	}
	if format == "mp4" || format == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-f", format, output)
}

// ContainerFormat maps an output file name to the muxer ffmpeg should use. Outputs are written
// through temporary names, so the muxer is always passed explicitly.
func ContainerFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv":
		return "matroska"
	case ".webm":
		return "webm"
	case ".mov":
		return "mov"
	case ".m4a":
		return "ipod"
	default:
		return "mp4"
	}
}

// FormatRate renders a frame rate without trailing zeros ("30", "29.97").
func FormatRate(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

// ParseRate parses an ffprobe rational ("30000/1001") or decimal frame rate.
func ParseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0/0" {
		return 0, fmt.Errorf("empty frame rate")
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}
