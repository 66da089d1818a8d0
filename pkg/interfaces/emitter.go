package interfaces

import "time"

// Emitter is called by the mutation layer after a change has been committed.
// Calls never fail and never block on cross-process propagation.
type Emitter interface {
	EmitWhitelistChanged(groupID string)
	// EmitClassroomChanged re-resolves the classroom as of at; a zero at means now.
	EmitClassroomChanged(classroomID string, at time.Time)
	EmitAllWhitelistsChanged()
}
