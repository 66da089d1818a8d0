package types

import "errors"

// Envelope validation errors
var (
	ErrInvalidEnvelope     = errors.New("envelope is not valid JSON")
	ErrUnknownEnvelopeType = errors.New("unknown envelope type")
	ErrMissingOrigin       = errors.New("envelope origin is required")
	ErrMissingGroupID      = errors.New("group envelope requires groupId")
	ErrMissingClassroomID  = errors.New("classroom envelope requires classroomId")
)
