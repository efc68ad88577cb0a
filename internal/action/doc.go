// Package action maps action names to handlers and runs them with a timeout,
// panic recovery and a circuit breaker per (action, schedule) pair.
package action
