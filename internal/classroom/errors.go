package classroom

import "errors"

// Store validation errors
var (
	ErrInvalidSlot        = errors.New("invalid schedule slot")
	ErrInvalidClassroomID = errors.New("invalid classroom id")
)
