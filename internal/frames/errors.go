package frames

import "fmt"

// UnreadableMediaError reports a container that cannot be parsed, has no video track, or stops
// yielding frames mid-stream.
type UnreadableMediaError struct {
	Path string
	Err  error
}

func (e *UnreadableMediaError) Error() string {
	return fmt.Sprintf("unreadable media %s: %v", e.Path, e.Err)
}

func (e *UnreadableMediaError) Unwrap() error { return e.Err }

// WriteError reports a frame or container write failure (I/O, encoder rejection, ordering).
type WriteError struct {
	Path  string
	Index int // -1 when not tied to a frame
	Err   error
}

func (e *WriteError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("write %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("write frame %d to %s: %v", e.Index, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
