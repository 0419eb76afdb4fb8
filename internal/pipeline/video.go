package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"mediaenhancer/internal/frames"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/metrics"
	"mediaenhancer/internal/progress"
	"mediaenhancer/internal/upscaling"
)

// ModelLoader acquires a fresh model for one video stage run.
type ModelLoader interface {
	Load(ctx context.Context) (upscaling.Model, error)
}

// VideoStage drives source → enhancer → sink for a whole clip, one frame at a time.
type VideoStage struct {
	Opener   frames.Opener
	Loader   ModelLoader
	Observer progress.Observer
	Logger   zerolog.Logger
	// OnTransition, when set, is called after every state change.
	OnTransition func(from, to State)
}

// Run enhances sourcePath into outputPath and returns outputPath once the container is finalized.
// On failure nothing is left at outputPath.
func (s *VideoStage) Run(ctx context.Context, sourcePath, outputPath string) (string, error) {
	logger := log.WithContext(ctx, s.Logger).With().
		Str(log.FieldStage, string(StageVideo)).
		Str(log.FieldPath, sourcePath).
		Logger()
	st := newStateTracker(logger, s.OnTransition)
	start := time.Now()

	out, written, err := s.run(ctx, st, logger, sourcePath, outputPath)
	if err != nil {
		_ = st.to(StateFailed)
		result := "failure"
		if ctx.Err() != nil {
			result = "cancelled"
		}
		metrics.RecordStage(string(StageVideo), result, time.Since(start))
		logger.Warn().
			Err(err).
			Str(log.FieldEvent, "video.failed").
			Int(log.FieldFrames, written).
			Msg("video stage failed")
		return "", err
	}

	metrics.RecordStage(string(StageVideo), "success", time.Since(start))
	logger.Info().
		Str(log.FieldEvent, "video.done").
		Str(log.FieldOutputPath, out).
		Int(log.FieldFrames, written).
		Dur("elapsed", time.Since(start)).
		Msg("video enhanced")
	return out, nil
}

func (s *VideoStage) run(ctx context.Context, st *stateTracker, logger zerolog.Logger, sourcePath, outputPath string) (string, int, error) {
	if err := st.to(StateReading); err != nil {
		return "", 0, err
	}

	src, meta, err := s.Opener.OpenSource(ctx, sourcePath)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("close source")
		}
	}()

	model, err := s.Loader.Load(ctx)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if rerr := model.Release(); rerr != nil {
			logger.Warn().Err(rerr).Msg("release model")
		}
	}()

	width, height := meta.Width*upscaling.Scale, meta.Height*upscaling.Scale
	logger.Info().
		Str(log.FieldEvent, "video.start").
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", meta.Width, meta.Height)).
		Str("target_resolution", fmt.Sprintf("%dx%d", width, height)).
		Float64(log.FieldFPS, meta.FrameRate).
		Int(log.FieldFrames, meta.TotalFrames).
		Str(log.FieldModel, model.Name()).
		Str(log.FieldDevice, model.Device().String()).
		Msg("enhancing video")

	sink, err := s.Opener.OpenSink(ctx, outputPath, width, height, meta.FrameRate)
	if err != nil {
		return "", 0, err
	}

	// Close runs exactly once: in the finalize step on success, here on every other path.
	finalized := false
	defer func() {
		if finalized {
			return
		}
		sink.Discard()
		if cerr := sink.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("close discarded sink")
		}
		removeOutput(logger, outputPath)
	}()

	est := progress.NewEstimator(meta.TotalFrames)
	written := 0
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", written, err
		}

		if err := st.to(StateEnhancing); err != nil {
			return "", written, err
		}
		enhanced, err := model.Enhance(ctx, frame)
		if err != nil {
			return "", written, err
		}

		if err := st.to(StateWriting); err != nil {
			return "", written, err
		}
		if err := sink.Write(ctx, enhanced); err != nil {
			return "", written, err
		}
		written++
		metrics.RecordFrames(1)

		progress.EmitContext(ctx, s.Observer, progress.Event{
			Stage:       progress.StageVideo,
			State:       string(StateWriting),
			FramesDone:  written,
			FramesTotal: meta.TotalFrames,
			ETA:         est.ETA(written),
		})

		if err := st.to(StateReading); err != nil {
			return "", written, err
		}
	}

	if written == 0 {
		return "", 0, &frames.UnreadableMediaError{Path: sourcePath, Err: errors.New("video track contains no frames")}
	}

	if err := st.to(StateFinalizing); err != nil {
		return "", written, err
	}
	finalized = true
	if err := sink.Close(); err != nil {
		removeOutput(logger, outputPath)
		return "", written, err
	}
	if err := st.to(StateDone); err != nil {
		return "", written, err
	}

	progress.EmitContext(ctx, s.Observer, progress.Event{
		Stage:       progress.StageVideo,
		State:       string(StateDone),
		FramesDone:  written,
		FramesTotal: written,
	})
	return outputPath, written, nil
}

// removeOutput deletes whatever a failed run may have left at path.
func removeOutput(logger zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str(log.FieldOutputPath, path).Msg("remove partial output")
	}
}
