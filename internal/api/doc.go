// Package api is the REST surface of the engine: schedule CRUD for the
// application layer plus queue and executor admin routes.
//
// Responses are JSON envelopes: {"message", "data"} on success (list routes
// add "total") and {"message", "error"} on failure.
package api
