package classroom

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbconfig "ruleevents/pkg/database"
	"ruleevents/pkg/interfaces"
	"ruleevents/pkg/types"
)

const minutesPerDay = 24 * 60

// Classroom is one row of the classroom read model.
type Classroom struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DefaultGroupID string `json:"defaultGroupId,omitempty"`
	ActiveGroupID  string `json:"activeGroupId,omitempty"`
}

// Slot is a weekly schedule entry covering [StartMinute, EndMinute) on Day.
type Slot struct {
	Day         time.Weekday `json:"dayOfWeek"`
	StartMinute int          `json:"startMinute"`
	EndMinute   int          `json:"endMinute"`
	GroupID     string       `json:"groupId"`
}

// Validate checks bounds and ordering.
func (s Slot) Validate() error {
	switch {
	case s.Day < time.Sunday || s.Day > time.Saturday:
		return fmt.Errorf("%w: day %d", ErrInvalidSlot, s.Day)
	case s.StartMinute < 0 || s.StartMinute >= minutesPerDay:
		return fmt.Errorf("%w: start minute %d", ErrInvalidSlot, s.StartMinute)
	case s.EndMinute <= s.StartMinute || s.EndMinute > minutesPerDay:
		return fmt.Errorf("%w: end minute %d", ErrInvalidSlot, s.EndMinute)
	case s.GroupID == "":
		return fmt.Errorf("%w: group id required", ErrInvalidSlot)
	}
	return nil
}

// Writer serializes write operations, see database.Manager.ExecuteWrite.
type Writer interface {
	ExecuteWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error
}

// Store answers classroom resolution and schedule boundary questions from SQL.
// Weekdays and minutes are evaluated in the store's location.
type Store struct {
	db       *sql.DB
	dialect  dbconfig.Dialect
	writer   Writer
	location *time.Location
}

var (
	_ interfaces.ClassroomResolver = (*Store)(nil)
	_ interfaces.ScheduleStore     = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the timezone schedules are written in. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithWriter routes writes through w instead of executing them directly.
func WithWriter(w Writer) Option {
	return func(s *Store) { s.writer = w }
}

// NewStore creates a store over db.
func NewStore(db *sql.DB, dialect dbconfig.Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, location: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveClassroomGroupContext returns the group in force for classroomID at at.
// Precedence: manual active group, then the schedule slot covering at, then the
// classroom default. A missing classroom or one with no group resolves to nil.
func (s *Store) ResolveClassroomGroupContext(ctx context.Context, classroomID string, at time.Time) (*types.GroupContext, error) {
	c, err := s.GetClassroom(ctx, classroomID)
	if errors.Is(err, interfaces.ErrClassroomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.ActiveGroupID != "" {
		return &types.GroupContext{ClassroomID: c.ID, GroupID: c.ActiveGroupID}, nil
	}

	day, minute := s.dayMinute(at)
	var groupID string
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT group_id FROM classroom_schedules
		WHERE classroom_id = ? AND day_of_week = ? AND start_minute <= ? AND end_minute > ?
		ORDER BY start_minute DESC, id DESC
		LIMIT 1
	`), classroomID, int(day), minute, minute).Scan(&groupID)
	switch {
	case err == nil:
		return &types.GroupContext{ClassroomID: c.ID, GroupID: groupID}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	if c.DefaultGroupID == "" {
		return nil, nil
	}
	return &types.GroupContext{ClassroomID: c.ID, GroupID: c.DefaultGroupID}, nil
}

// GetClassroomIDsWithScheduleBoundaryAt lists classrooms with a slot starting or
// ending at the minute of at. Classrooms under a manual active group are skipped
// since a boundary cannot change what they resolve to.
func (s *Store) GetClassroomIDsWithScheduleBoundaryAt(ctx context.Context, at time.Time) ([]string, error) {
	day, minute := s.dayMinute(at)
	// a slot ending at 1440 ends at minute 0 of the next day
	prevDay := (day + 6) % 7
	midnight := -1
	if minute == 0 {
		midnight = minutesPerDay
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT DISTINCT s.classroom_id
		FROM classroom_schedules s
		JOIN classrooms c ON c.id = s.classroom_id
		WHERE (c.active_group_id IS NULL OR c.active_group_id = '')
		  AND (
		    (s.day_of_week = ? AND (s.start_minute = ? OR s.end_minute = ?))
		    OR (s.day_of_week = ? AND s.end_minute = ?)
		  )
		ORDER BY s.classroom_id
	`), int(day), minute, minute, int(prevDay), midnight)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule boundaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan classroom id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating boundary rows: %w", err)
	}
	return ids, nil
}

// GetClassroom loads one classroom.
func (s *Store) GetClassroom(ctx context.Context, classroomID string) (*Classroom, error) {
	var c Classroom
	var defaultGroup, activeGroup sql.NullString
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, name, default_group_id, active_group_id FROM classrooms WHERE id = ?
	`), classroomID).Scan(&c.ID, &c.Name, &defaultGroup, &activeGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrClassroomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query classroom: %w", err)
	}
	c.DefaultGroupID = defaultGroup.String
	c.ActiveGroupID = activeGroup.String
	return &c, nil
}

// UpsertClassroom creates or renames a classroom and sets its default group.
// The active group is left untouched.
func (s *Store) UpsertClassroom(ctx context.Context, c Classroom) error {
	if !types.IsValidIdentifier(c.ID) {
		return ErrInvalidClassroomID
	}
	return s.write(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO classrooms (id, name, default_group_id) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				default_group_id = excluded.default_group_id,
				updated_at = CURRENT_TIMESTAMP
		`), c.ID, c.Name, nullable(c.DefaultGroupID))
		if err != nil {
			return fmt.Errorf("failed to upsert classroom: %w", err)
		}
		return nil
	})
}

// SetActiveGroup pins classroomID to groupID; an empty groupID clears the pin.
func (s *Store) SetActiveGroup(ctx context.Context, classroomID, groupID string) error {
	return s.write(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE classrooms SET active_group_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`), nullable(groupID), classroomID)
		if err != nil {
			return fmt.Errorf("failed to set active group: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return interfaces.ErrClassroomNotFound
		}
		return nil
	})
}

// ReplaceSchedule swaps the whole weekly schedule of a classroom atomically.
func (s *Store) ReplaceSchedule(ctx context.Context, classroomID string, slots []Slot) error {
	for _, slot := range slots {
		if err := slot.Validate(); err != nil {
			return err
		}
	}
	if _, err := s.GetClassroom(ctx, classroomID); err != nil {
		return err
	}

	return s.write(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM classroom_schedules WHERE classroom_id = ?`), classroomID); err != nil {
			return fmt.Errorf("failed to clear schedule: %w", err)
		}
		insert := s.dialect.Rebind(`
			INSERT INTO classroom_schedules (classroom_id, day_of_week, start_minute, end_minute, group_id)
			VALUES (?, ?, ?, ?, ?)
		`)
		for _, slot := range slots {
			if _, err := tx.ExecContext(ctx, insert, classroomID, int(slot.Day), slot.StartMinute, slot.EndMinute, slot.GroupID); err != nil {
				return fmt.Errorf("failed to insert schedule slot: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit schedule: %w", err)
		}
		return nil
	})
}

func (s *Store) write(ctx context.Context, op func(context.Context, *sql.DB) error) error {
	if s.writer != nil {
		return s.writer.ExecuteWrite(ctx, op)
	}
	return op(ctx, s.db)
}

func (s *Store) dayMinute(at time.Time) (time.Weekday, int) {
	local := at.In(s.location)
	return local.Weekday(), local.Hour()*60 + local.Minute()
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
