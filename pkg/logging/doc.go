// Package logging provides structured logging for zen built on log/slog.
//
// Every log call carries a subsystem tag so that output from the lifecycle
// engine, the state store, the systemd adapter and the other components can
// be told apart in a single stream:
//
//	logging.Info("Engine", "Starting %s for %s/%s", action, user, app)
//
// InitForCLI must be called once at startup; before that, messages fall back
// to stderr at the info level.
package logging
