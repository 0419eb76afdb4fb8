package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	ffbin "mediaenhancer/internal/ffmpeg"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/metrics"
	"mediaenhancer/internal/progress"
	"mediaenhancer/internal/video"
)

// Config holds the audio stage settings.
type Config struct {
	Filter FilterSpec `yaml:"filter"`
	Codec  string     `yaml:"codec" env:"AUDIO_CODEC" env-default:"aac" validate:"required"`
}

// DefaultConfig returns the default band-pass with AAC output.
func DefaultConfig() Config {
	return Config{Filter: DefaultFilterSpec(), Codec: "aac"}
}

// Prober inspects media files.
type Prober interface {
	Probe(ctx context.Context, path string) (*video.VideoInfo, error)
}

// Transcoder runs one ffmpeg invocation from input to output with opts, reporting percent
// completion to onProgress. It returns once ffmpeg has exited.
type Transcoder interface {
	Transcode(ctx context.Context, input, output string, opts *ffmpeg.Options, onProgress func(percent float64)) error
}

// Stage filters the audio track of a source file into its own file.
type Stage struct {
	Config     Config
	Prober     Prober
	Transcoder Transcoder
	Observer   progress.Observer
	Logger     zerolog.Logger
}

// NewStage wires a Stage to the ffmpeg binaries.
func NewStage(cfg Config, bins ffbin.Binaries) *Stage {
	return &Stage{
		Config:     cfg,
		Prober:     video.NewProber(bins.FFprobe),
		Transcoder: &FloostackTranscoder{Binaries: bins},
		Logger:     log.WithComponent("audio"),
	}
}

// Enhance writes the band-passed audio of sourcePath to outputPath and returns outputPath. Nothing
// exists at outputPath unless it returns nil.
func (s *Stage) Enhance(ctx context.Context, sourcePath, outputPath string, spec FilterSpec) (string, error) {
	logger := log.WithContext(ctx, s.Logger).With().
		Str(log.FieldStage, string(progress.StageAudio)).
		Str(log.FieldPath, sourcePath).
		Logger()
	start := time.Now()

	out, err := s.enhance(ctx, logger, sourcePath, outputPath, spec)
	switch {
	case err == nil:
		metrics.RecordStage(string(progress.StageAudio), "success", time.Since(start))
		logger.Info().
			Str(log.FieldEvent, "audio.done").
			Str(log.FieldOutputPath, outputPath).
			Dur("elapsed", time.Since(start)).
			Msg("audio filtered")
	case ctx.Err() != nil:
		metrics.RecordStage(string(progress.StageAudio), "cancelled", time.Since(start))
		logger.Debug().Err(err).Msg("audio stage cancelled")
	default:
		metrics.RecordStage(string(progress.StageAudio), "failure", time.Since(start))
		logger.Warn().Err(err).Str(log.FieldEvent, "audio.failed").Msg("audio stage failed")
	}
	return out, err
}

func (s *Stage) enhance(ctx context.Context, logger zerolog.Logger, sourcePath, outputPath string, spec FilterSpec) (string, error) {
	info, err := s.Prober.Probe(ctx, sourcePath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &FilterError{Path: sourcePath, Err: err}
	}
	if !info.HasAudio {
		return "", &FilterError{Path: sourcePath, Err: ErrNoAudioTrack}
	}
	if err := spec.Validate(info.SampleRate); err != nil {
		return "", &FilterError{Path: sourcePath, Err: err}
	}

	pending, err := renameio.NewPendingFile(outputPath, renameio.WithPermissions(0o644))
	if err != nil {
		return "", &FilterError{Path: sourcePath, Err: fmt.Errorf("create output: %w", err)}
	}
	defer func() { _ = pending.Cleanup() }()

	expr := spec.Expression()
	format := ffbin.ContainerFormat(outputPath)
	codec := s.Config.Codec
	if codec == "" {
		codec = "aac"
	}
	overwrite, skipVideo := true, true
	opts := &ffmpeg.Options{
		OutputFormat: &format,
		Overwrite:    &overwrite,
		SkipVideo:    &skipVideo,
		AudioFilter:  &expr,
		AudioCodec:   &codec,
	}

	logger.Info().
		Str(log.FieldEvent, "audio.start").
		Str("filter", expr).
		Int("sample_rate", info.SampleRate).
		Msg("filtering audio track")
	progress.EmitContext(ctx, s.Observer, progress.Event{Stage: progress.StageAudio, State: "filtering", Message: expr})

	err = s.Transcoder.Transcode(ctx, sourcePath, pending.Name(), opts, func(percent float64) {
		progress.EmitContext(ctx, s.Observer, progress.Event{Stage: progress.StageAudio, State: "filtering", Percent: percent})
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", &FilterError{Path: sourcePath, Err: err}
	}

	// The transcoder does not always surface ffmpeg's exit status, so the result is checked directly.
	out, err := s.Prober.Probe(ctx, pending.Name())
	if err != nil {
		return "", &FilterError{Path: sourcePath, Err: fmt.Errorf("filtered output unreadable: %w", err)}
	}
	if !out.HasAudio {
		return "", &FilterError{Path: sourcePath, Err: errors.New("ffmpeg produced no audio")}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", &FilterError{Path: sourcePath, Err: fmt.Errorf("publish output: %w", err)}
	}

	logger.Debug().Float64("duration_s", out.AudioDuration).Msg("filtered track probed")
	progress.EmitContext(ctx, s.Observer, progress.Event{Stage: progress.StageAudio, State: "done", Percent: 100})
	return outputPath, nil
}
