// Package audio band-pass filters the audio track of a media file into a standalone audio file.
package audio

import (
	"errors"
	"fmt"
	"strconv"
)

// FilterSpec describes the band-pass applied to the audio track.
type FilterSpec struct {
	LowCutHz  float64 `yaml:"low_cut_hz" env:"AUDIO_LOW_CUT_HZ" env-default:"200" validate:"gt=0"`
	HighCutHz float64 `yaml:"high_cut_hz" env:"AUDIO_HIGH_CUT_HZ" env-default:"3000" validate:"gtfield=LowCutHz"`
}

// DefaultFilterSpec keeps the speech band.
func DefaultFilterSpec() FilterSpec {
	return FilterSpec{LowCutHz: 200, HighCutHz: 3000}
}

// Validate checks the cut-offs against each other and, when sampleRate is known, against the
// Nyquist frequency.
func (s FilterSpec) Validate(sampleRate int) error {
	if s.LowCutHz <= 0 || s.HighCutHz <= 0 {
		return fmt.Errorf("cut-off frequencies must be positive (low=%v, high=%v)", s.LowCutHz, s.HighCutHz)
	}
	if s.LowCutHz >= s.HighCutHz {
		return fmt.Errorf("low cut-off %vHz must be below high cut-off %vHz", s.LowCutHz, s.HighCutHz)
	}
	if sampleRate > 0 {
		if nyquist := float64(sampleRate) / 2; s.HighCutHz >= nyquist {
			return fmt.Errorf("high cut-off %vHz is not below the Nyquist frequency %vHz", s.HighCutHz, nyquist)
		}
	}
	return nil
}

// Expression renders the ffmpeg audio filter graph.
func (s FilterSpec) Expression() string {
	return "highpass=f=" + formatHz(s.LowCutHz) + ",lowpass=f=" + formatHz(s.HighCutHz)
}

func formatHz(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ErrNoAudioTrack is wrapped by FilterError when the source has nothing to filter.
var ErrNoAudioTrack = errors.New("source has no audio track")

// FilterError reports that the audio track could not be filtered.
type FilterError struct {
	Path string
	Err  error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter audio of %s: %v", e.Path, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }
