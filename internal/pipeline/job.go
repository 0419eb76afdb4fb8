// Package pipeline runs the video and audio enhancement stages of one job and decides its outcome.
package pipeline

import (
	"errors"
	"path/filepath"
)

// MediaJob names the input and the two outputs of one enhancement request. The source is only ever
// read; each stage writes exactly one of the outputs.
type MediaJob struct {
	ID              string
	SourcePath      string
	VideoOutputPath string
	AudioOutputPath string
}

// Validate checks that the job's paths are usable together.
func (j MediaJob) Validate() error {
	if j.SourcePath == "" {
		return errors.New("source path is required")
	}
	if j.VideoOutputPath == "" || j.AudioOutputPath == "" {
		return errors.New("both output paths are required")
	}
	src := filepath.Clean(j.SourcePath)
	video := filepath.Clean(j.VideoOutputPath)
	audio := filepath.Clean(j.AudioOutputPath)
	if video == audio {
		return errors.New("video and audio outputs must differ")
	}
	if video == src || audio == src {
		return errors.New("outputs must not overwrite the source")
	}
	return nil
}

// Result is returned when both stages finished.
type Result struct {
	VideoOutputPath string `json:"videoOutputPath"`
	AudioOutputPath string `json:"audioOutputPath"`
}
