package pipeline

import (
	"context"
	"errors"
	"fmt"

	"mediaenhancer/internal/audio"
	"mediaenhancer/internal/fetch"
	"mediaenhancer/internal/frames"
	"mediaenhancer/internal/upscaling"
)

// StageName identifies which part of a job failed.
type StageName string

const (
	StageVideo    StageName = "video"
	StageAudio    StageName = "audio"
	StageFetch    StageName = "fetch"
	StagePipeline StageName = "pipeline"
)

// PipelineError reports a failed job together with the stage the failure started in.
type PipelineError struct {
	Stage StageName
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Stable error kinds exposed to API clients.
const (
	KindInvalidRequest    = "invalid_request"
	KindFetch             = "fetch"
	KindUnreadableMedia   = "unreadable_media"
	KindModelLoad         = "model_load"
	KindInference         = "inference"
	KindResourceExhausted = "resource_exhausted"
	KindWrite             = "write"
	KindFilter            = "filter"
	KindCancelled         = "cancelled"
	KindTimeout           = "timeout"
	KindInternal          = "internal"
)

// ErrInvalidJob wraps job validation failures.
var ErrInvalidJob = errors.New("invalid job")

// Kind maps any error produced by a job to a stable kind string.
func Kind(err error) string {
	var (
		fetchErr      *fetch.FetchError
		unreadableErr *frames.UnreadableMediaError
		loadErr       *upscaling.ModelLoadError
		inferenceErr  *upscaling.InferenceError
		writeErr      *frames.WriteError
		filterErr     *audio.FilterError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrInvalidJob):
		return KindInvalidRequest
	case errors.As(err, &fetchErr):
		if fetchErr.InvalidLocator {
			return KindInvalidRequest
		}
		return KindFetch
	case errors.As(err, &unreadableErr):
		return KindUnreadableMedia
	case errors.As(err, &loadErr):
		return KindModelLoad
	case errors.As(err, &inferenceErr):
		if inferenceErr.ResourceExhausted() {
			return KindResourceExhausted
		}
		return KindInference
	case errors.As(err, &writeErr):
		return KindWrite
	case errors.As(err, &filterErr):
		return KindFilter
	default:
		return KindInternal
	}
}

// StageOf returns the stage named by a PipelineError, or "" for other errors.
func StageOf(err error) StageName {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Stage
	}
	return ""
}
