package types

import (
	"regexp"
)

var (
	channelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	identifierRegex  = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// Validate checks that the envelope is one of the three known variants.
func (e Envelope) Validate() error {
	if e.Origin == "" {
		return ErrMissingOrigin
	}
	switch e.Type {
	case EnvelopeTypeGroup:
		if e.GroupID == "" {
			return ErrMissingGroupID
		}
	case EnvelopeTypeClassroom:
		if e.ClassroomID == "" {
			return ErrMissingClassroomID
		}
	case EnvelopeTypeBroadcast:
	default:
		return ErrUnknownEnvelopeType
	}
	return nil
}

// IsValidChannelName reports whether name may be used as a notification channel.
// The name ends up in a LISTEN statement, so only [a-zA-Z0-9_] is accepted.
func IsValidChannelName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	return channelNameRegex.MatchString(name)
}

// NormalizeChannelName returns name when valid and DefaultChannelName otherwise.
func NormalizeChannelName(name string) string {
	if IsValidChannelName(name) {
		return name
	}
	return DefaultChannelName
}

// IsValidIdentifier checks classroom, group and host identifiers received over HTTP.
func IsValidIdentifier(id string) bool {
	if len(id) < 1 || len(id) > 128 {
		return false
	}
	return identifierRegex.MatchString(id)
}
