package classroom

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleevents/internal/database"
	dbconfig "ruleevents/pkg/database"
	"ruleevents/pkg/interfaces"
)

// 2024-01-01 is a Monday.
func monday(hour, minute int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, 0, 0, time.UTC)
}

func setupStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "classroom.db")

	m, err := database.NewManager(context.Background(), config, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	_, err = m.Migrate(context.Background())
	require.NoError(t, err)

	return NewStore(m.DB(), m.Dialect(), append([]Option{WithWriter(m)}, opts...)...)
}

func seed(t *testing.T, s *Store, c Classroom, slots ...Slot) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertClassroom(ctx, c))
	if len(slots) > 0 {
		require.NoError(t, s.ReplaceSchedule(ctx, c.ID, slots))
	}
}

func TestSlot_Validate(t *testing.T) {
	tests := []struct {
		name string
		slot Slot
		ok   bool
	}{
		{"valid", Slot{Day: time.Monday, StartMinute: 480, EndMinute: 540, GroupID: "g1"}, true},
		{"until midnight", Slot{Day: time.Sunday, StartMinute: 1380, EndMinute: 1440, GroupID: "g1"}, true},
		{"bad day", Slot{Day: 7, StartMinute: 0, EndMinute: 60, GroupID: "g1"}, false},
		{"negative start", Slot{Day: time.Monday, StartMinute: -1, EndMinute: 60, GroupID: "g1"}, false},
		{"empty range", Slot{Day: time.Monday, StartMinute: 60, EndMinute: 60, GroupID: "g1"}, false},
		{"past midnight", Slot{Day: time.Monday, StartMinute: 60, EndMinute: 1441, GroupID: "g1"}, false},
		{"no group", Slot{Day: time.Monday, StartMinute: 0, EndMinute: 60}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.slot.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSlot)
			}
		})
	}
}

func TestStore_ResolvePrecedence(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seed(t, s, Classroom{ID: "cls-1", Name: "Lab 1", DefaultGroupID: "g-default"},
		Slot{Day: time.Monday, StartMinute: 8 * 60, EndMinute: 9 * 60, GroupID: "g-math"},
	)

	gc, err := s.ResolveClassroomGroupContext(ctx, "cls-1", monday(8, 30))
	require.NoError(t, err)
	require.NotNil(t, gc)
	assert.Equal(t, "g-math", gc.GroupID)
	assert.Equal(t, "cls-1", gc.ClassroomID)

	// end minute is exclusive
	gc, err = s.ResolveClassroomGroupContext(ctx, "cls-1", monday(9, 0))
	require.NoError(t, err)
	assert.Equal(t, "g-default", gc.GroupID)

	require.NoError(t, s.SetActiveGroup(ctx, "cls-1", "g-exam"))
	gc, err = s.ResolveClassroomGroupContext(ctx, "cls-1", monday(8, 30))
	require.NoError(t, err)
	assert.Equal(t, "g-exam", gc.GroupID)

	require.NoError(t, s.SetActiveGroup(ctx, "cls-1", ""))
	gc, err = s.ResolveClassroomGroupContext(ctx, "cls-1", monday(8, 30))
	require.NoError(t, err)
	assert.Equal(t, "g-math", gc.GroupID)
}

func TestStore_ResolveNone(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seed(t, s, Classroom{ID: "cls-empty"})

	gc, err := s.ResolveClassroomGroupContext(ctx, "cls-empty", monday(10, 0))
	require.NoError(t, err)
	assert.Nil(t, gc)

	gc, err = s.ResolveClassroomGroupContext(ctx, "missing", monday(10, 0))
	require.NoError(t, err)
	assert.Nil(t, gc)
}

func TestStore_ResolveOverlappingSlotsPrefersLatestStart(t *testing.T) {
	s := setupStore(t)
	seed(t, s, Classroom{ID: "cls-1"},
		Slot{Day: time.Monday, StartMinute: 8 * 60, EndMinute: 12 * 60, GroupID: "g-morning"},
		Slot{Day: time.Monday, StartMinute: 10 * 60, EndMinute: 11 * 60, GroupID: "g-lab"},
	)

	gc, err := s.ResolveClassroomGroupContext(context.Background(), "cls-1", monday(10, 15))
	require.NoError(t, err)
	assert.Equal(t, "g-lab", gc.GroupID)
}

func TestStore_ResolveUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := setupStore(t, WithLocation(loc))
	seed(t, s, Classroom{ID: "cls-1"},
		Slot{Day: time.Monday, StartMinute: 8 * 60, EndMinute: 9 * 60, GroupID: "g-math"},
	)

	// 06:30 UTC is 08:30 local
	gc, err := s.ResolveClassroomGroupContext(context.Background(), "cls-1", monday(6, 30))
	require.NoError(t, err)
	require.NotNil(t, gc)
	assert.Equal(t, "g-math", gc.GroupID)
}

func TestStore_BoundaryAt(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seed(t, s, Classroom{ID: "cls-b"},
		Slot{Day: time.Monday, StartMinute: 8 * 60, EndMinute: 9 * 60, GroupID: "g1"},
	)
	seed(t, s, Classroom{ID: "cls-a"},
		Slot{Day: time.Monday, StartMinute: 9 * 60, EndMinute: 10 * 60, GroupID: "g2"},
	)
	seed(t, s, Classroom{ID: "cls-pinned"},
		Slot{Day: time.Monday, StartMinute: 9 * 60, EndMinute: 10 * 60, GroupID: "g3"},
	)
	require.NoError(t, s.SetActiveGroup(ctx, "cls-pinned", "g-override"))

	ids, err := s.GetClassroomIDsWithScheduleBoundaryAt(ctx, monday(9, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"cls-a", "cls-b"}, ids)

	ids, err = s.GetClassroomIDsWithScheduleBoundaryAt(ctx, monday(8, 0).Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"cls-b"}, ids)

	ids, err = s.GetClassroomIDsWithScheduleBoundaryAt(ctx, monday(8, 1))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_BoundaryAtMidnight(t *testing.T) {
	s := setupStore(t)
	seed(t, s, Classroom{ID: "cls-late"},
		Slot{Day: time.Sunday, StartMinute: 23 * 60, EndMinute: 24 * 60, GroupID: "g-night"},
	)

	// Monday 00:00 closes the Sunday slot
	ids, err := s.GetClassroomIDsWithScheduleBoundaryAt(context.Background(), monday(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"cls-late"}, ids)
}

func TestStore_ReplaceSchedule(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seed(t, s, Classroom{ID: "cls-1"},
		Slot{Day: time.Monday, StartMinute: 8 * 60, EndMinute: 9 * 60, GroupID: "g1"},
	)

	require.NoError(t, s.ReplaceSchedule(ctx, "cls-1", []Slot{
		{Day: time.Monday, StartMinute: 13 * 60, EndMinute: 14 * 60, GroupID: "g2"},
	}))
	gc, err := s.ResolveClassroomGroupContext(ctx, "cls-1", monday(8, 30))
	require.NoError(t, err)
	assert.Nil(t, gc)

	err = s.ReplaceSchedule(ctx, "cls-1", []Slot{{Day: time.Monday, StartMinute: 60, EndMinute: 30, GroupID: "g"}})
	assert.ErrorIs(t, err, ErrInvalidSlot)

	err = s.ReplaceSchedule(ctx, "missing", nil)
	assert.ErrorIs(t, err, interfaces.ErrClassroomNotFound)
}

func TestStore_UpsertAndActiveGroup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.UpsertClassroom(ctx, Classroom{ID: "bad id"}), ErrInvalidClassroomID)
	assert.ErrorIs(t, s.SetActiveGroup(ctx, "missing", "g1"), interfaces.ErrClassroomNotFound)

	seed(t, s, Classroom{ID: "cls-1", Name: "Lab", DefaultGroupID: "g1"})
	require.NoError(t, s.SetActiveGroup(ctx, "cls-1", "g-pin"))
	seed(t, s, Classroom{ID: "cls-1", Name: "Lab 2", DefaultGroupID: "g2"})

	c, err := s.GetClassroom(ctx, "cls-1")
	require.NoError(t, err)
	assert.Equal(t, &Classroom{ID: "cls-1", Name: "Lab 2", DefaultGroupID: "g2", ActiveGroupID: "g-pin"}, c)

	_, err = s.GetClassroom(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrClassroomNotFound)
}
