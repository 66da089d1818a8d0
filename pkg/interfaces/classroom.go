package interfaces

import (
	"context"
	"time"

	"ruleevents/pkg/types"
)

// ClassroomResolver resolves the group in force for a classroom at a point in time,
// accounting for manual overrides, schedule slots and the classroom default.
type ClassroomResolver interface {
	// ResolveClassroomGroupContext returns (nil, nil) when the classroom or its group
	// no longer exists. Errors are reserved for storage failures.
	ResolveClassroomGroupContext(ctx context.Context, classroomID string, at time.Time) (*types.GroupContext, error)
}

// ScheduleStore answers which classrooms cross a schedule boundary at a given minute.
type ScheduleStore interface {
	GetClassroomIDsWithScheduleBoundaryAt(ctx context.Context, at time.Time) ([]string, error)
}
