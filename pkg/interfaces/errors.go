package interfaces

import "errors"

// Common collaborator errors
var (
	ErrClassroomNotFound = errors.New("classroom not found")
)
