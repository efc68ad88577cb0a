// Package executor turns today's due schedules into queue jobs and applies
// the success / failure / retry policy when those jobs run.
//
// Every job id is derived from (schedule, day, slot, kind), so running the
// daily tick twice never dispatches twice. Retries are delayed queue jobs
// that carry the attempt number; nothing is tracked in memory.
package executor
