package types

import (
	"encoding/json"
)

// EventWhitelistChanged is the only event name pushed to watching clients.
const EventWhitelistChanged = "whitelist-changed"

// Envelope types carried on the cross-process channel.
const (
	EnvelopeTypeGroup     = "group"
	EnvelopeTypeClassroom = "classroom"
	EnvelopeTypeBroadcast = "broadcast"
)

// DefaultChannelName is used when the configured notification channel fails validation.
const DefaultChannelName = "rule_events"

// ChangePayload is the JSON body of a data frame pushed to a watching client.
// It re-asserts the group currently in force, it is not a delta.
type ChangePayload struct {
	Event   string `json:"event"`
	GroupID string `json:"groupId"`
}

// NewChangePayload builds the whitelist-changed payload for a group.
func NewChangePayload(groupID string) ChangePayload {
	return ChangePayload{Event: EventWhitelistChanged, GroupID: groupID}
}

// Envelope is the message exchanged between API processes through the bridge.
// Exactly one of GroupID/ClassroomID is set depending on Type; broadcast carries neither.
type Envelope struct {
	Type        string `json:"type"`
	GroupID     string `json:"groupId,omitempty"`
	ClassroomID string `json:"classroomId,omitempty"`
	Origin      string `json:"origin"`
}

// GroupEnvelope builds a group-changed envelope.
func GroupEnvelope(groupID, origin string) Envelope {
	return Envelope{Type: EnvelopeTypeGroup, GroupID: groupID, Origin: origin}
}

// ClassroomEnvelope builds a classroom-changed envelope.
func ClassroomEnvelope(classroomID, origin string) Envelope {
	return Envelope{Type: EnvelopeTypeClassroom, ClassroomID: classroomID, Origin: origin}
}

// BroadcastEnvelope builds a broadcast envelope.
func BroadcastEnvelope(origin string) Envelope {
	return Envelope{Type: EnvelopeTypeBroadcast, Origin: origin}
}

// Encode validates the envelope and serializes it to the text sent on the channel.
func (e Envelope) Encode() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseEnvelope decodes and validates a raw channel payload.
func ParseEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// GroupContext is the outcome of resolving a classroom's effective group.
type GroupContext struct {
	ClassroomID string `json:"classroomId"`
	GroupID     string `json:"groupId"`
}
