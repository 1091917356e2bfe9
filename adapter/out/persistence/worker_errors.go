package persistence

import (
	"database/sql"
	"errors"
	"time"
)

// Common persistence errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("oauth state not found or expired")
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
