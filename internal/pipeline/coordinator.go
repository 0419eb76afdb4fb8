package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mediaenhancer/internal/audio"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/metrics"
	"mediaenhancer/internal/progress"
)

// VideoRunner enhances the video track of a source file.
type VideoRunner interface {
	Run(ctx context.Context, sourcePath, outputPath string) (string, error)
}

// AudioRunner filters the audio track of a source file.
type AudioRunner interface {
	Enhance(ctx context.Context, sourcePath, outputPath string, spec audio.FilterSpec) (string, error)
}

// Coordinator runs the video and audio stages of a job concurrently and reports success only when
// both finish.
type Coordinator struct {
	Video    VideoRunner
	Audio    AudioRunner
	Filter   audio.FilterSpec
	Timeout  time.Duration // zero disables the overall deadline
	Observer progress.Observer
	Logger   zerolog.Logger
}

// Run executes job. On any failure both outputs are removed and a *PipelineError naming the stage
// the failure started in is returned. Caller cancellation or timeout is reported with
// StagePipeline.
func (c *Coordinator) Run(ctx context.Context, job MediaJob) (Result, error) {
	if job.ID != "" {
		ctx = log.ContextWithJobID(ctx, job.ID)
	}
	logger := log.WithContext(ctx, c.Logger)

	if err := job.Validate(); err != nil {
		return Result{}, &PipelineError{Stage: StagePipeline, Err: fmt.Errorf("%w: %v", ErrInvalidJob, err)}
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	logger.Info().
		Str(log.FieldEvent, "pipeline.start").
		Str(log.FieldPath, job.SourcePath).
		Msg("pipeline started")
	progress.EmitContext(ctx, c.Observer, progress.Event{JobID: job.ID, Stage: progress.StagePipeline, State: "running"})

	var videoOut, audioOut string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := c.Video.Run(gctx, job.SourcePath, job.VideoOutputPath)
		if err != nil {
			return &PipelineError{Stage: StageVideo, Err: err}
		}
		videoOut = out
		return nil
	})
	g.Go(func() error {
		out, err := c.Audio.Enhance(gctx, job.SourcePath, job.AudioOutputPath, c.Filter)
		if err != nil {
			return &PipelineError{Stage: StageAudio, Err: err}
		}
		audioOut = out
		return nil
	})

	// Both stages are terminal once Wait returns.
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = &PipelineError{Stage: StagePipeline, Err: ctxErr}
	}

	if err != nil {
		c.cleanup(logger, job)
		stage := StageOf(err)
		kind := Kind(err)
		result := "failure"
		if kind == KindCancelled || kind == KindTimeout {
			result = "cancelled"
		}
		metrics.RecordRun(result)
		metrics.RecordFailure(string(stage), kind)

		logger.Error().
			Err(err).
			Str(log.FieldEvent, "pipeline.failed").
			Str(log.FieldStage, string(stage)).
			Str("kind", kind).
			Dur("elapsed", time.Since(start)).
			Msg("pipeline failed")
		progress.EmitContext(ctx, c.Observer, progress.Event{JobID: job.ID, Stage: progress.StagePipeline, State: "failed", Message: err.Error()})

		var perr *PipelineError
		if !errors.As(err, &perr) {
			err = &PipelineError{Stage: StagePipeline, Err: err}
		}
		return Result{}, err
	}

	metrics.RecordRun("success")
	logger.Info().
		Str(log.FieldEvent, "pipeline.done").
		Str("video_output", videoOut).
		Str("audio_output", audioOut).
		Dur("elapsed", time.Since(start)).
		Msg("pipeline finished")
	progress.EmitContext(ctx, c.Observer, progress.Event{JobID: job.ID, Stage: progress.StagePipeline, State: "done"})

	return Result{VideoOutputPath: videoOut, AudioOutputPath: audioOut}, nil
}

// cleanup removes both outputs. The failing stage already removed its own; this covers the stage
// that finished or was cancelled.
func (c *Coordinator) cleanup(logger zerolog.Logger, job MediaJob) {
	removeOutput(logger, job.VideoOutputPath)
	removeOutput(logger, job.AudioOutputPath)
}
