package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldEvent     = "event"

	FieldStage      = "stage"
	FieldPath       = "path"
	FieldOutputPath = "output_path"
	FieldLocator    = "locator"

	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldFrames     = "frames"
	FieldDevice     = "device"
	FieldModel      = "model"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
