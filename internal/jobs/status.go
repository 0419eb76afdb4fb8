package jobs

// Status is the lifecycle state of a submitted job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusEnhancing   Status = "enhancing"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusDownloading || to == StatusFailed || to == StatusCancelled
	case StatusDownloading:
		return to == StatusEnhancing || to == StatusFailed || to == StatusCancelled
	case StatusEnhancing:
		return to == StatusDone || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}
