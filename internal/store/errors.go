package store

import (
	"errors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type errClass int

const (
	errClassOther errClass = iota
	errClassRetryable
	errClassConstraint
	errClassFatal
)

// classifyErr buckets a write error by how the writer reacts to it:
// busy/locked waits and retries, constraint violations skip the row,
// and disk-level failures stop the process.
func classifyErr(err error) errClass {
	if err == nil {
		return errClassOther
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return errClassOther
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return errClassRetryable
	case sqlite3.SQLITE_CONSTRAINT:
		return errClassConstraint
	case sqlite3.SQLITE_FULL, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB,
		sqlite3.SQLITE_IOERR, sqlite3.SQLITE_READONLY:
		return errClassFatal
	}
	return errClassOther
}
