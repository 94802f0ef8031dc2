package deploy

import "errors"

// Errors returned by Service. Callers match them with errors.Is.
var (
	ErrNotFound           = errors.New("deploy: not found")
	ErrConflict           = errors.New("deploy: conflict")
	ErrBadRequest         = errors.New("deploy: bad request")
	ErrPipelineStepFailed = errors.New("deploy: pipeline step failed")
	ErrInternal           = errors.New("deploy: internal error")
)
