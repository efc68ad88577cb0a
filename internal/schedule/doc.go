// Package schedule owns the Schedule record: validation, recurrence
// (re)computation, execution bookkeeping and the Store contract the
// persistence layer implements.
package schedule
