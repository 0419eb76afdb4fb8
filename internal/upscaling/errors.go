package upscaling

import (
	"errors"
	"fmt"
	"strings"

	"mediaenhancer/internal/frames"
)

// ErrResourceExhausted is wrapped by an InferenceError when the runtime ran out of memory.
var ErrResourceExhausted = errors.New("inference resources exhausted")

// ModelLoadError reports weights that are missing, an unknown model, or an unusable runtime.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a frame the model could not enhance.
type InferenceError struct {
	Index int
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("enhance frame %d: %v", e.Index, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ResourceExhausted reports whether the failure was an out-of-memory condition.
func (e *InferenceError) ResourceExhausted() bool {
	return errors.Is(e.Err, ErrResourceExhausted)
}

var exhaustionPatterns = []string{
	"out of memory",
	"cuda out of memory",
	"memoryerror",
	"resource_exhausted",
	"mps backend out of memory",
	"cannot allocate memory",
}

// isExhaustion classifies runtime output as an out-of-memory condition.
func isExhaustion(output string) bool {
	lower := strings.ToLower(output)
	for _, pattern := range exhaustionPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func checkInput(frame frames.Frame) error {
	if err := frame.Validate(); err != nil {
		return &InferenceError{Index: frame.Index, Err: fmt.Errorf("malformed input: %w", err)}
	}
	return nil
}

func checkOutput(in, out frames.Frame) error {
	if out.Width != in.Width*Scale || out.Height != in.Height*Scale {
		return &InferenceError{
			Index: in.Index,
			Err:   fmt.Errorf("model produced %dx%d, want %dx%d", out.Width, out.Height, in.Width*Scale, in.Height*Scale),
		}
	}
	if err := out.Validate(); err != nil {
		return &InferenceError{Index: in.Index, Err: err}
	}
	return nil
}
