package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable means the database could not be reached or stayed
	// locked past the caller's deadline. Callers retry on their own schedule.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUnknownDevice is returned when an external id or internal id has no
	// registered device.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDuplicateDevice is returned when a registration conflicts with an
	// existing device under the same external id.
	ErrDuplicateDevice = errors.New("device already registered with conflicting attributes")
)

// classify maps driver-level failures onto the store's error taxonomy.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		if se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY ||
			(se.Code() == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "FOREIGN KEY")) {
			return fmt.Errorf("%w: %w", ErrUnknownDevice, err)
		}
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOMEM:
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}

	// database/sql does not export its closed-handle error.
	if strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
