package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the read model the service depends on exists.
type SchemaValidator struct {
	db      *sql.DB
	dialect Dialect
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB, dialect Dialect) *SchemaValidator {
	return &SchemaValidator{db: db, dialect: dialect}
}

// Validate runs every schema check.
func (v *SchemaValidator) Validate(ctx context.Context) error {
	if err := v.ValidateTablesExist(ctx); err != nil {
		return err
	}
	return v.ValidateIndexes(ctx)
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	requiredTables := map[string]string{
		"classrooms":          "Classroom default and active groups",
		"classroom_schedules": "Weekly schedule slots",
		"schema_migrations":   "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateIndexes verifies that the boundary and resolution lookup indexes exist
func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	requiredIndexes := map[string]string{
		"idx_schedules_classroom_day": "Classroom resolution",
		"idx_schedules_day_start":     "Boundary lookup by start",
		"idx_schedules_day_end":       "Boundary lookup by end",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(ctx context.Context, kind, name string) (bool, error) {
	var query string
	switch {
	case v.dialect == DialectPostgres && kind == "table":
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	case v.dialect == DialectPostgres:
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?"
	case kind == "table":
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	default:
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?"
	}

	var count int
	if err := v.db.QueryRowContext(ctx, v.dialect.Rebind(query), name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
