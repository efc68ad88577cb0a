// Package actions holds the handlers registered at startup: a log sink,
// a JSON webhook and a Telegram notifier.
package actions
