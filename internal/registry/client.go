package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"ruleevents/pkg/interfaces"
)

// Client is one watching connection. groupID is guarded by the owning Registry's mutex;
// the other identity fields never change after registration.
type Client struct {
	id          string
	hostname    string
	classroomID string
	groupID     string
	stream      interfaces.Stream

	lastActivity atomic.Int64 // unix nanoseconds of the last successful push
}

func (c *Client) touch(at time.Time) {
	c.lastActivity.Store(at.UnixNano())
}

func (c *Client) lastActivityAt() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ClientInfo is a point-in-time copy of a registered client.
type ClientInfo struct {
	ID             string    `json:"id"`
	Hostname       string    `json:"hostname"`
	ClassroomID    string    `json:"classroomId"`
	GroupID        string    `json:"groupId"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Registration is the handle returned by Register. Deregister is idempotent.
type Registration struct {
	ID string

	once       sync.Once
	deregister func()
}

// Deregister removes the client from the registry. Calling it again is a no-op.
func (r *Registration) Deregister() {
	r.once.Do(r.deregister)
}
