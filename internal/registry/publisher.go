package registry

import (
	"context"
	"time"

	"ruleevents/pkg/types"
)

// Delivery kinds reported to the Observer.
const (
	KindGroup     = "group"
	KindClassroom = "classroom"
	KindBroadcast = "broadcast"
	KindKeepAlive = "keepalive"
)

// target pairs a client with the group it was indexed under when the snapshot was taken.
type target struct {
	client  *Client
	groupID string
}

// PublishGroupChanged pushes a change payload for groupID to every client in that group.
// It returns the number of successful deliveries. Failed clients are deregistered.
func (r *Registry) PublishGroupChanged(groupID string) int {
	r.mu.Lock()
	targets := snapshot(r.byGroup[groupID])
	r.mu.Unlock()
	if len(targets) == 0 {
		return 0
	}

	frame, err := types.DataFrame(types.NewChangePayload(groupID))
	if err != nil {
		r.log.Warn().Err(err).Str("groupId", groupID).Msg("failed to render change payload")
		return 0
	}

	delivered := 0
	for _, t := range targets {
		if r.push(t.client, frame) {
			delivered++
		}
	}
	r.observer.Delivered(KindGroup, delivered)
	return delivered
}

// PublishBroadcast pushes to every client a change payload naming that client's own group.
func (r *Registry) PublishBroadcast() int {
	r.mu.Lock()
	targets := make([]target, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, target{client: c, groupID: c.groupID})
	}
	r.mu.Unlock()

	frames := make(map[string][]byte)
	delivered := 0
	for _, t := range targets {
		frame, ok := frames[t.groupID]
		if !ok {
			var err error
			frame, err = types.DataFrame(types.NewChangePayload(t.groupID))
			if err != nil {
				r.log.Warn().Err(err).Str("groupId", t.groupID).Msg("failed to render change payload")
				continue
			}
			frames[t.groupID] = frame
		}
		if r.push(t.client, frame) {
			delivered++
		}
	}
	r.observer.Delivered(KindBroadcast, delivered)
	return delivered
}

// PublishClassroomChanged re-resolves the effective group of classroomID at the given
// instant and pushes it to the classroom's clients, moving each client to the resolved
// group first when it differs. A zero instant means now. A resolver error or an
// unresolvable classroom leaves every client untouched and delivers nothing.
func (r *Registry) PublishClassroomChanged(ctx context.Context, classroomID string, at time.Time) int {
	r.mu.Lock()
	targets := snapshot(r.byClassroom[classroomID])
	r.mu.Unlock()
	if len(targets) == 0 {
		return 0
	}
	if r.resolver == nil {
		r.log.Warn().Str("classroomId", classroomID).Msg("no classroom resolver configured")
		return 0
	}
	if at.IsZero() {
		at = r.clock.Now()
	}

	gc, err := r.resolver.ResolveClassroomGroupContext(ctx, classroomID, at)
	if err != nil {
		r.log.Warn().Err(err).Str("classroomId", classroomID).Msg("classroom resolution failed")
		return 0
	}
	if gc == nil || gc.GroupID == "" {
		r.log.Debug().Str("classroomId", classroomID).Msg("classroom has no effective group")
		return 0
	}

	frame, err := types.DataFrame(types.NewChangePayload(gc.GroupID))
	if err != nil {
		r.log.Warn().Err(err).Str("groupId", gc.GroupID).Msg("failed to render change payload")
		return 0
	}

	delivered := 0
	for _, t := range targets {
		r.mu.Lock()
		current, ok := r.clients[t.client.id]
		if !ok || current != t.client {
			// deregistered while resolving
			r.mu.Unlock()
			continue
		}
		if current.groupID != gc.GroupID {
			r.log.Debug().
				Str("clientId", current.id).
				Str("from", current.groupID).
				Str("to", gc.GroupID).
				Msg("client moved to new group")
			r.moveGroupLocked(current, gc.GroupID)
		}
		r.mu.Unlock()

		if r.push(t.client, frame) {
			delivered++
		}
	}
	r.observer.Delivered(KindClassroom, delivered)
	return delivered
}

// push writes frame to c. On failure the client is deregistered and false is returned.
func (r *Registry) push(c *Client, frame []byte) bool {
	if err := c.stream.Write(frame); err != nil {
		r.observer.PushFailed()
		r.log.Debug().Err(err).Str("clientId", c.id).Msg("push failed, dropping client")
		r.Deregister(c.id)
		return false
	}
	c.touch(r.clock.Now())
	return true
}

func snapshot(bucket map[string]*Client) []target {
	targets := make([]target, 0, len(bucket))
	for _, c := range bucket {
		targets = append(targets, target{client: c, groupID: c.groupID})
	}
	return targets
}
