// Package queue defines the durable job dispatcher used by the executor.
//
// Jobs are addressed by (queue, id). Enqueue is idempotent on the id: a
// second Enqueue with an id that already exists in the queue, in any state,
// returns the existing job untouched. Callers rely on this to make daily
// dispatch safe to repeat.
//
// Backends live in subpackages: sqliteq (default, shares the schedule
// database) and natsq (NATS JetStream).
package queue
