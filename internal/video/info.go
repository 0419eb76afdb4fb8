// Package video reads container metadata with ffprobe.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"

	"mediaenhancer/internal/ffmpeg"
)

// ErrNoVideoStream is returned by Info.Video when the container carries no video track.
var ErrNoVideoStream = errors.New("no video stream")

// VideoInfo describes a probed media file.
type VideoInfo struct {
	Filepath string
	FileSize int64
	Format   string
	Duration float64
	Bitrate  int64

	HasVideo   bool
	Width      int
	Height     int
	FrameRate  float64
	FrameCount int

	HasAudio      bool
	AudioCodec    string
	SampleRate    int
	AudioDuration float64
}

// FFProbeOutput is the subset of `ffprobe -print_format json` output we read.
type FFProbeOutput struct {
	Streams []struct {
		Index        int    `json:"index"`
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		Duration     string `json:"duration"`
		NbFrames     string `json:"nb_frames"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		SampleRate   string `json:"sample_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Bitrate  string `json:"bit_rate"`
		Format   string `json:"format_name"`
	} `json:"format"`
}

// Prober runs ffprobe.
type Prober struct {
	Binary string
}

// NewProber returns a Prober for the given ffprobe binary ("ffprobe" when empty).
func NewProber(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{Binary: binary}
}

// Probe returns the metadata of path.
func (p *Prober) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.Binary,
		"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		msg := stderr.String()
		if len(msg) > 2048 {
			msg = msg[:2048] + "..."
		}
		return nil, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, msg)
	}

	info, err := Parse(output)
	if err != nil {
		return nil, err
	}
	info.Filepath = path
	info.FileSize = fileInfo.Size()
	return info, nil
}

// Parse decodes ffprobe JSON output.
func Parse(output []byte) (*VideoInfo, error) {
	var probe FFProbeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if probe.Format.Format == "" && len(probe.Streams) == 0 {
		return nil, errors.New("ffprobe returned no format and no streams")
	}

	info := &VideoInfo{Format: probe.Format.Format}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if b, err := strconv.ParseInt(probe.Format.Bitrate, 10, 64); err == nil {
		info.Bitrate = b
	}

	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			if fps, err := ffmpeg.ParseRate(stream.AvgFrameRate); err == nil && fps > 0 {
				info.FrameRate = fps
			} else if fps, err := ffmpeg.ParseRate(stream.RFrameRate); err == nil {
				info.FrameRate = fps
			}
			if n, err := strconv.Atoi(stream.NbFrames); err == nil {
				info.FrameCount = n
			} else if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil && info.FrameRate > 0 {
				info.FrameCount = int(math.Round(d * info.FrameRate))
			} else if info.Duration > 0 && info.FrameRate > 0 {
				info.FrameCount = int(math.Round(info.Duration * info.FrameRate))
			}
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.AudioCodec = stream.CodecName
			if sr, err := strconv.Atoi(stream.SampleRate); err == nil {
				info.SampleRate = sr
			}
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
				info.AudioDuration = d
			} else {
				info.AudioDuration = info.Duration
			}
		}
	}
	return info, nil
}

// Video validates that the probed file has a decodable video track.
func (v *VideoInfo) Video() error {
	if !v.HasVideo {
		return ErrNoVideoStream
	}
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("invalid video dimensions %dx%d", v.Width, v.Height)
	}
	if v.FrameRate <= 0 {
		return errors.New("unknown frame rate")
	}
	return nil
}
