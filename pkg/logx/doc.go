// Package logx is fitsched's zerolog wrapper: a value Logger with fixed
// fields, and a Service whose level and sinks (console, JSON file) can be
// swapped at runtime.
package logx
