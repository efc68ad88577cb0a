// Package recurrence turns a recurrence config into a 5-field cron
// expression and computes fire times in an IANA timezone.
//
// Cron fields are resolved in the schedule's timezone via robfig/cron's
// CRON_TZ prefix, so daylight-saving transitions follow the zone's rules.
package recurrence
