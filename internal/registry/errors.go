package registry

import "errors"

// Registration errors
var (
	ErrNilStream        = errors.New("stream cannot be nil")
	ErrMissingClassroom = errors.New("classroom id is required")
	ErrMissingGroup     = errors.New("group id is required")
)
