// Package storage persists schedules in SQLite (modernc.org/sqlite, no cgo).
//
// OpenDB returns the shared *sql.DB (WAL, single writer) that the sqlite job
// queue reuses when it points at the same file.
package storage
