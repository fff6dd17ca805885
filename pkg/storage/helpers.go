package storage

import (
	"database/sql"
	"strings"
	"time"
)

// IsUniqueViolation reports whether err is a SQLite unique-constraint failure.
// Store implementations in other packages use it to translate driver errors
// into domain sentinels.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeLayout is RFC3339 with a fixed nine-digit fraction. The width never
// varies, so the string comparisons in the lease and claim queries order
// timestamps the same way time.Before does.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the canonical column format (UTC, fixed width).
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a column value written by FormatTime. Empty input yields
// the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ParseNullTime parses a nullable timestamp column.
func ParseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid {
		return time.Time{}, nil
	}
	return ParseTime(ns.String)
}
